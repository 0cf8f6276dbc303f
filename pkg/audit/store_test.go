package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, NewSnapshotStore(db).AutoMigrate())
	return db
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store := NewSnapshotStore(setupTestDB(t))
	svc := NewService(WithStore(store), WithProvenance(StaticProvenanceExtractor{SourceType: "git", RevisionID: "deadbeef"}))
	ctx := context.Background()

	snap, err := svc.Capture(ctx, sampleProject(), "ana", "baseline")
	require.NoError(t, err)

	got, err := store.Get(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Project, got.Project)
	assert.Equal(t, snap.Digest, got.Digest)
	assert.Equal(t, "ana", got.Author)
	require.NotNil(t, got.Provenance)
	assert.Equal(t, "deadbeef", got.Provenance.RevisionID)

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSnapshotStoreListPaginates(t *testing.T) {
	store := NewSnapshotStore(setupTestDB(t))
	svc := NewService(WithStore(store))
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := start.Add(time.Duration(i) * time.Hour)
		svc.now = func() time.Time { return at }
		_, err := svc.Capture(ctx, sampleProject(), "", "")
		require.NoError(t, err)
	}

	page, next, total, err := store.List(ctx, "contoso-app", 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, start.Add(4*time.Hour), page[0].CapturedAt)
	require.NotEmpty(t, next)

	page, next, _, err = store.List(ctx, "contoso-app", 2, next)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, start.Add(2*time.Hour), page[0].CapturedAt)

	page, next, _, err = store.List(ctx, "contoso-app", 2, next)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Empty(t, next)

	_, _, _, err = store.List(ctx, "", 2, "not-a-time")
	assert.Error(t, err)

	_, _, total, err = store.List(ctx, "other", 10, "")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestServiceLoadFromStore(t *testing.T) {
	store := NewSnapshotStore(setupTestDB(t))
	ctx := context.Background()
	first := NewService(WithStore(store))
	a, err := first.Capture(ctx, sampleProject(), "", "")
	require.NoError(t, err)

	second := NewService(WithStore(store))
	n, err := second.LoadFrom(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := second.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Project, got.Project)

	require.NoError(t, second.Clear(ctx))
	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSnapshotStoreDeleteOlderThan(t *testing.T) {
	store := NewSnapshotStore(setupTestDB(t))
	svc := NewService(WithStore(store))
	ctx := context.Background()
	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.AddDate(1, 0, 0)

	svc.now = func() time.Time { return old }
	_, err := svc.Capture(ctx, sampleProject(), "", "")
	require.NoError(t, err)
	svc.now = func() time.Time { return recent }
	_, err = svc.Capture(ctx, sampleProject(), "", "")
	require.NoError(t, err)

	deleted, err := store.DeleteOlderThan(old.AddDate(0, 6, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, recent, all[0].CapturedAt)
}

func TestGitProvenanceFromRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{"https://example.com/contoso/app.git"}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte("id: contoso-app\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("project.yaml")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	sub := filepath.Join(dir, "packaging")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	p := sampleProject()
	p.SourceDir = sub
	prov := GitProvenanceExtractor{}.ExtractProvenance(p)
	require.NotNil(t, prov)
	assert.Equal(t, "git", prov.SourceType)
	assert.Equal(t, hash.String(), prov.RevisionID)
	assert.Equal(t, "https://example.com/contoso/app.git", prov.SourceURI)
	assert.Equal(t, "master", prov.Branch)
	assert.False(t, prov.Dirty)
}
