package verify

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/installerkit/installerkit/pkg/packaging"
)

func writeZip(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("AppxManifest.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<Package/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func codes(issues []packaging.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestVerifyValidArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.msix")
	writeZip(t, path)

	checked, issues := FileVerifier{}.Verify(context.Background(), packaging.Artifact{Format: "msix", Path: path})
	assert.Empty(t, issues)
	assert.NotEmpty(t, checked.Metadata[MetaContentType])
	assert.Len(t, checked.Metadata[MetaSHA256], 64)
	assert.NotEqual(t, "0", checked.Metadata[MetaSize])
}

func TestVerifyMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	_, issues := FileVerifier{}.Verify(context.Background(), packaging.Artifact{Format: "deb", Path: filepath.Join(dir, "nope.deb")})
	assert.Equal(t, []string{CodeMissing}, codes(issues))
	assert.True(t, packaging.HasErrors(issues))

	empty := filepath.Join(dir, "empty.rpm")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, issues = FileVerifier{}.Verify(context.Background(), packaging.Artifact{Format: "rpm", Path: empty})
	assert.Equal(t, []string{CodeEmpty}, codes(issues))
}

func TestVerifyDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.dmg")
	content := []byte("not really a disk image")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sum := sha256.Sum256(content)
	good := hex.EncodeToString(sum[:])

	checked, issues := FileVerifier{}.Verify(context.Background(), packaging.Artifact{
		Format: "dmg", Path: path, Metadata: map[string]string{MetaSHA256: good},
	})
	assert.Empty(t, issues, "dmg is not sniffed")
	assert.Equal(t, good, checked.Metadata[MetaSHA256])

	_, issues = FileVerifier{}.Verify(context.Background(), packaging.Artifact{
		Format: "dmg", Path: path, Metadata: map[string]string{MetaSHA256: "00"},
	})
	assert.Equal(t, []string{CodeDigestMismatch}, codes(issues))
}

func TestVerifyContentMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.deb")
	require.NoError(t, os.WriteFile(path, []byte("plain text pretending to be a package\n"), 0o644))
	a := packaging.Artifact{Format: "deb", Path: path}

	_, issues := FileVerifier{}.Verify(context.Background(), a)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeContentMismatch, issues[0].Code)
	assert.Equal(t, packaging.SeverityWarning, issues[0].Severity)

	_, issues = FileVerifier{StrictContent: true}.Verify(context.Background(), a)
	require.Len(t, issues, 1)
	assert.Equal(t, packaging.SeverityError, issues[0].Severity)
}

func TestVerifyBundleDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "App.app")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Contents"), 0o755))

	_, issues := FileVerifier{}.Verify(context.Background(), packaging.Artifact{Format: "app", Path: dir})
	assert.Empty(t, issues)
}

func TestVerifyDoesNotMutateInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.msix")
	writeZip(t, path)
	meta := map[string]string{"signed": "true"}

	checked, _ := FileVerifier{}.Verify(context.Background(), packaging.Artifact{Format: "msix", Path: path, Metadata: meta})
	assert.Len(t, meta, 1)
	assert.Equal(t, "true", checked.Metadata["signed"])
}

func TestAll(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "app.msix")
	writeZip(t, good)
	artifacts := []packaging.Artifact{
		{Format: "msix", Path: good},
		{Format: "msi", Path: filepath.Join(dir, "missing.msi")},
	}

	checked, issues := All(context.Background(), FileVerifier{}, artifacts)
	assert.Len(t, checked, 2)
	assert.Equal(t, []string{CodeMissing}, codes(issues))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checked, issues = All(ctx, FileVerifier{}, artifacts)
	assert.Len(t, checked, 2)
	assert.Empty(t, issues)
}
