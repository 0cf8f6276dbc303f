package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// Provenance records where a captured configuration came from.
type Provenance struct {
	SourceType string    `json:"sourceType"`
	SourceURI  string    `json:"sourceUri,omitempty"`
	RevisionID string    `json:"revisionId,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Dirty      bool      `json:"dirty,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// ProvenanceExtractor supplies source metadata for a snapshot. Returning
// nil means provenance could not be determined; the snapshot is still taken.
type ProvenanceExtractor interface {
	ExtractProvenance(p packaging.Project) *Provenance
}

// GitProvenanceExtractor reads HEAD, branch, origin URL and work tree state
// from the git repository containing the project's source directory.
type GitProvenanceExtractor struct {
	Logger *slog.Logger
}

// ExtractProvenance implements ProvenanceExtractor.
func (e GitProvenanceExtractor) ExtractProvenance(p packaging.Project) *Provenance {
	if p.SourceDir == "" {
		return nil
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := git.PlainOpenWithOptions(p.SourceDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			logger.Debug("git provenance unavailable", "dir", p.SourceDir, "error", err)
		}
		return nil
	}

	prov := &Provenance{SourceType: "git", ObservedAt: time.Now().UTC()}
	if head, err := repo.Head(); err == nil {
		prov.RevisionID = head.Hash().String()
		if head.Name().IsBranch() {
			prov.Branch = head.Name().Short()
		}
	}
	if remote, err := repo.Remote(git.DefaultRemoteName); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			prov.SourceURI = urls[0]
		}
	}
	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			prov.Dirty = !status.IsClean()
		}
	}
	return prov
}

// StaticProvenanceExtractor returns fixed provenance for every project.
type StaticProvenanceExtractor struct {
	SourceType string
	SourceURI  string
	RevisionID string
}

func (e StaticProvenanceExtractor) ExtractProvenance(packaging.Project) *Provenance {
	return &Provenance{
		SourceType: e.SourceType,
		SourceURI:  e.SourceURI,
		RevisionID: e.RevisionID,
		ObservedAt: time.Now().UTC(),
	}
}

// ContentDigest returns the sha256 of the project's canonical JSON form.
// encoding/json sorts map keys, so equal projects share a digest.
func ContentDigest(p packaging.Project) string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
