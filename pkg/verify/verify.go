// Package verify checks the artifacts a packaging run produced before they
// are reported.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// Issue codes raised by the verifier.
const (
	CodeMissing         = "verify.missing"
	CodeEmpty           = "verify.empty"
	CodeUnreadable      = "verify.unreadable"
	CodeDigestMismatch  = "verify.digest_mismatch"
	CodeContentMismatch = "verify.content_mismatch"
)

// Metadata keys the verifier reads from and writes to artifacts.
const (
	MetaSHA256      = "sha256"
	MetaSize        = "size"
	MetaContentType = "contentType"
)

// expectedTypes maps installer formats to the MIME types their payload is
// allowed to sniff as. Formats without an entry are not sniffed.
var expectedTypes = map[string][]string{
	"msix":     {"application/zip"},
	"appx":     {"application/zip"},
	"msi":      {"application/x-ms-installer", "application/x-ole-storage"},
	"pkg":      {"application/x-xar"},
	"deb":      {"application/vnd.debian.binary-package", "application/x-archive"},
	"rpm":      {"application/x-rpm"},
	"appimage": {"application/x-executable", "application/x-elf"},
}

// Verifier checks one artifact.
type Verifier interface {
	Verify(ctx context.Context, a packaging.Artifact) (packaging.Artifact, []packaging.Issue)
}

// FileVerifier checks that an artifact exists on disk, is not empty, matches
// a declared sha256 digest and sniffs as the expected content type. The
// returned artifact carries size, digest and content type metadata.
type FileVerifier struct {
	// StrictContent turns content type mismatches into errors.
	StrictContent bool
}

// Verify implements Verifier.
func (v FileVerifier) Verify(ctx context.Context, a packaging.Artifact) (packaging.Artifact, []packaging.Issue) {
	out := a
	out.Metadata = make(map[string]string, len(a.Metadata)+3)
	for k, val := range a.Metadata {
		out.Metadata[k] = val
	}

	info, err := os.Stat(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, []packaging.Issue{packaging.NewError(CodeMissing,
				fmt.Sprintf("%s artifact %s does not exist", a.Format, a.Path))}
		}
		return out, []packaging.Issue{packaging.NewError(CodeUnreadable,
			fmt.Sprintf("stat %s artifact: %v", a.Format, err))}
	}
	if info.IsDir() {
		// Bundles such as .app are directories; existence is all we check.
		return out, nil
	}
	out.Metadata[MetaSize] = fmt.Sprintf("%d", info.Size())
	if info.Size() == 0 {
		return out, []packaging.Issue{packaging.NewError(CodeEmpty,
			fmt.Sprintf("%s artifact %s is empty", a.Format, a.Path))}
	}

	digest, mime, err := inspect(ctx, a.Path)
	if err != nil {
		if ctx.Err() != nil {
			return out, nil
		}
		return out, []packaging.Issue{packaging.NewError(CodeUnreadable,
			fmt.Sprintf("read %s artifact: %v", a.Format, err))}
	}
	out.Metadata[MetaSHA256] = digest
	out.Metadata[MetaContentType] = mime.String()

	var issues []packaging.Issue
	if want := a.Metadata[MetaSHA256]; want != "" && !strings.EqualFold(want, digest) {
		issues = append(issues, packaging.NewError(CodeDigestMismatch,
			fmt.Sprintf("%s artifact digest %s does not match declared %s", a.Format, digest, want)))
	}
	if expected, ok := expectedTypes[strings.ToLower(a.Format)]; ok && !matches(mime, expected) {
		msg := fmt.Sprintf("%s artifact sniffs as %s", a.Format, mime.String())
		if v.StrictContent {
			issues = append(issues, packaging.NewError(CodeContentMismatch, msg))
		} else {
			issues = append(issues, packaging.NewWarning(CodeContentMismatch, msg))
		}
	}
	return out, issues
}

// All verifies every artifact, stopping early only on cancellation.
func All(ctx context.Context, v Verifier, artifacts []packaging.Artifact) ([]packaging.Artifact, []packaging.Issue) {
	out := make([]packaging.Artifact, 0, len(artifacts))
	var issues []packaging.Issue
	for i, a := range artifacts {
		if ctx.Err() != nil {
			out = append(out, artifacts[i:]...)
			break
		}
		checked, found := v.Verify(ctx, a)
		out = append(out, checked)
		issues = append(issues, found...)
	}
	return out, issues
}

func inspect(ctx context.Context, path string) (string, *mimetype.MIME, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	header := make([]byte, 3072)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	header = header[:n]
	mime := mimetype.Detect(header)

	h := sha256.New()
	h.Write(header)
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(h.Sum(nil)), mime, nil
}

func matches(mime *mimetype.MIME, expected []string) bool {
	for m := mime; m != nil; m = m.Parent() {
		for _, e := range expected {
			if m.Is(e) {
				return true
			}
		}
	}
	return false
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
