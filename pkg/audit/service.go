// Package audit captures immutable snapshots of project configuration and
// computes structural diffs between them.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// ErrSnapshotNotFound is returned when a snapshot id is unknown.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is an immutable capture of a project. Project is a deep copy
// taken at capture time.
type Snapshot struct {
	ID         string            `json:"id"`
	CapturedAt time.Time         `json:"capturedAt"`
	Author     string            `json:"author,omitempty"`
	Comment    string            `json:"comment,omitempty"`
	Digest     string            `json:"digest"`
	Provenance *Provenance       `json:"provenance,omitempty"`
	Project    packaging.Project `json:"project"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Project = s.Project.Clone()
	if s.Provenance != nil {
		p := *s.Provenance
		out.Provenance = &p
	}
	return out
}

// Store persists snapshots for a Service.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	All(ctx context.Context) ([]Snapshot, error)
	DeleteAll(ctx context.Context) error
}

// Service holds snapshot history in memory, optionally mirrored to a Store.
// It is safe for concurrent use.
type Service struct {
	mu        sync.RWMutex
	snapshots []Snapshot

	store      Store
	provenance ProvenanceExtractor
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithStore mirrors captured snapshots to s.
func WithStore(s Store) Option { return func(svc *Service) { svc.store = s } }

// WithProvenance stamps snapshots with provenance from e.
func WithProvenance(e ProvenanceExtractor) Option { return func(svc *Service) { svc.provenance = e } }

func WithLogger(l *slog.Logger) Option { return func(svc *Service) { svc.logger = l } }

func NewService(opts ...Option) *Service {
	svc := &Service{logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(svc)
	}
	return svc
}

// Capture records a snapshot of project. The snapshot is always kept in
// memory; a non-nil error reports that mirroring it to the store failed.
func (s *Service) Capture(ctx context.Context, project packaging.Project, author, comment string) (Snapshot, error) {
	snap := Snapshot{
		ID:         uuid.NewString(),
		CapturedAt: s.now().UTC(),
		Author:     author,
		Comment:    comment,
		Project:    project.Clone(),
	}
	snap.Digest = ContentDigest(snap.Project)
	if s.provenance != nil {
		snap.Provenance = s.provenance.ExtractProvenance(snap.Project)
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()

	s.logger.Debug("snapshot captured", "snapshotId", snap.ID, "projectId", project.ID)

	if s.store != nil {
		if err := s.store.Save(ctx, snap); err != nil {
			return snap.clone(), fmt.Errorf("persist snapshot %s: %w", snap.ID, err)
		}
	}
	return snap.clone(), nil
}

// Snapshots returns every snapshot, oldest first. With a non-empty
// projectID only that project's snapshots are returned.
func (s *Service) Snapshots(projectID string) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		if projectID == "" || snap.Project.ID == projectID {
			out = append(out, snap.clone())
		}
	}
	return out
}

// Get returns the snapshot with the given id.
func (s *Service) Get(id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots {
		if snap.ID == id {
			return snap.clone(), nil
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
}

// Latest returns the most recent snapshot of projectID, or of any project
// when projectID is empty.
func (s *Service) Latest(projectID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if projectID == "" || s.snapshots[i].Project.ID == projectID {
			return s.snapshots[i].clone(), true
		}
	}
	return Snapshot{}, false
}

// Diff computes the diff between two stored snapshots.
func (s *Service) Diff(fromID, toID string) (Diff, error) {
	from, err := s.Get(fromID)
	if err != nil {
		return Diff{}, err
	}
	to, err := s.Get(toID)
	if err != nil {
		return Diff{}, err
	}
	return ComputeDiff(from, to), nil
}

// PreviewDiff compares live against the latest snapshot of the same
// project. ok is false when that project has never been captured.
func (s *Service) PreviewDiff(live packaging.Project) (d Diff, ok bool) {
	latest, ok := s.Latest(live.ID)
	if !ok {
		return Diff{}, false
	}
	return DiffProjects(latest.Project, live), true
}

// Clear drops the whole history, including the store's copy.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.snapshots = nil
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.DeleteAll(ctx); err != nil {
			return fmt.Errorf("clear snapshot store: %w", err)
		}
	}
	return nil
}

// LoadFrom replaces the in-memory history with the store's contents.
func (s *Service) LoadFrom(ctx context.Context, store Store) (int, error) {
	all, err := store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshots: %w", err)
	}
	s.mu.Lock()
	s.snapshots = all
	s.mu.Unlock()
	return len(all), nil
}
