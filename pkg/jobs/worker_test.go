package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/packaging"
)

// fakeExecutor records the requests it runs. fn decides the outcome of the
// nth call (zero based).
type fakeExecutor struct {
	mu         sync.Mutex
	calls      int
	requests   []packaging.Request
	principals []string
	fn         func(ctx context.Context, n int) (packaging.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req packaging.Request) (packaging.Result, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	if p, ok := identity.PrincipalFromContext(ctx); ok {
		f.principals = append(f.principals, p.ID)
	}
	f.mu.Unlock()
	return f.fn(ctx, n)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExecutor) seen() ([]packaging.Request, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]packaging.Request(nil), f.requests...), append([]string(nil), f.principals...)
}

func succeed(context.Context, int) (packaging.Result, error) {
	return packaging.Result{Artifacts: []packaging.Artifact{{Format: "msix", Path: "/out/app.msix"}}}, nil
}

func setupWorkerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A unique shared-cache DSN per test keeps every pooled connection on
	// the same database.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&PackagingJob{}))
	return db
}

func testWorkerConfig() *JobConfig {
	cfg := DefaultJobConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Concurrency = 1
	cfg.ClaimTimeout = 0
	cfg.RetentionDays = 0
	return cfg
}

func startPool(t *testing.T, wp *WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wp.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForState(t *testing.T, store *JobStore, id string, state JobState) *PackagingJob {
	t.Helper()
	var job *PackagingJob
	require.Eventually(t, func() bool {
		job, _ = store.Get(id)
		return job != nil && job.State == state
	}, 5*time.Second, 20*time.Millisecond, "job should reach %s", state)
	return job
}

func TestWorkerProcessesJob(t *testing.T) {
	store := NewJobStore(setupWorkerTestDB(t))
	exec := &fakeExecutor{fn: succeed}

	principal := &identity.Principal{ID: "u-9", DisplayName: "Robin"}
	job, err := NewPackagingJob(packaging.Request{ProjectID: "contoso", Platform: packaging.PlatformWindows}, principal, "")
	require.NoError(t, err)
	_, err = store.Enqueue(job)
	require.NoError(t, err)

	startPool(t, NewWorkerPool(store, exec, testWorkerConfig(), nil))

	got := waitForState(t, store, job.ID, JobStateSucceeded)
	assert.Equal(t, 1, got.ArtifactCount)
	assert.Equal(t, 1, exec.callCount())
	requests, principals := exec.seen()
	require.Len(t, requests, 1)
	assert.Equal(t, job.ID, requests[0].JobID, "the job id is the packaging job id")
	assert.Equal(t, []string{"u-9"}, principals, "the submitter is restored for policy checks")
}

func TestWorkerPolicyBlockIsNotRetried(t *testing.T) {
	store := NewJobStore(setupWorkerTestDB(t))
	exec := &fakeExecutor{fn: func(context.Context, int) (packaging.Result, error) {
		return packaging.Failed(packaging.NewError("policy.approval.missing", "approval required")), nil
	}}
	job := newTestJob(t, "contoso", packaging.PlatformWindows, "")
	_, err := store.Enqueue(job)
	require.NoError(t, err)

	startPool(t, NewWorkerPool(store, exec, testWorkerConfig(), nil))

	got := waitForState(t, store, job.ID, JobStateFailed)
	assert.Equal(t, 1, got.ErrorCount)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, exec.callCount())
}

func TestWorkerRetriesOnExecutionError(t *testing.T) {
	store := NewJobStore(setupWorkerTestDB(t))
	exec := &fakeExecutor{fn: func(ctx context.Context, n int) (packaging.Result, error) {
		if n == 0 {
			return packaging.Result{}, errors.New("agent connection reset")
		}
		return succeed(ctx, n)
	}}
	job := newTestJob(t, "contoso", packaging.PlatformWindows, "")
	_, err := store.Enqueue(job)
	require.NoError(t, err)

	startPool(t, NewWorkerPool(store, exec, testWorkerConfig(), nil))

	got := waitForState(t, store, job.ID, JobStateSucceeded)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, 2, exec.callCount())
}

func TestWorkerFailsAfterMaxRetries(t *testing.T) {
	store := NewJobStore(setupWorkerTestDB(t))
	exec := &fakeExecutor{fn: func(context.Context, int) (packaging.Result, error) {
		return packaging.Result{}, errors.New("always broken")
	}}
	job := newTestJob(t, "contoso", packaging.PlatformWindows, "")
	_, err := store.Enqueue(job)
	require.NoError(t, err)

	cfg := testWorkerConfig()
	cfg.MaxRetries = 2
	startPool(t, NewWorkerPool(store, exec, cfg, nil))

	got := waitForState(t, store, job.ID, JobStateFailed)
	assert.Equal(t, "always broken", got.LastError)
	assert.Equal(t, 2, exec.callCount())
}

func TestWorkerCancelsRunningJob(t *testing.T) {
	store := NewJobStore(setupWorkerTestDB(t))
	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ int) (packaging.Result, error) {
		close(started)
		<-ctx.Done()
		return packaging.Result{}, ctx.Err()
	}}
	job := newTestJob(t, "contoso", packaging.PlatformWindows, "")
	_, err := store.Enqueue(job)
	require.NoError(t, err)

	wp := NewWorkerPool(store, exec, testWorkerConfig(), nil)
	startPool(t, wp)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	assert.ErrorIs(t, store.Cancel(job.ID), ErrJobRunning)
	assert.True(t, wp.Cancel(job.ID))

	got := waitForState(t, store, job.ID, JobStateCanceled)
	assert.Equal(t, "Canceled by user", got.Message)
	assert.False(t, wp.Cancel(job.ID), "finished jobs are no longer tracked")
}

func TestWorkerRequeuesOnShutdown(t *testing.T) {
	store := NewJobStore(setupWorkerTestDB(t))
	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ int) (packaging.Result, error) {
		close(started)
		<-ctx.Done()
		return packaging.Result{}, ctx.Err()
	}}
	job := newTestJob(t, "contoso", packaging.PlatformWindows, "")
	_, err := store.Enqueue(job)
	require.NoError(t, err)

	wp := NewWorkerPool(store, exec, testWorkerConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wp.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	<-done

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, got.State)
	assert.Zero(t, got.AttemptCount)
}

func TestWorkerTimesOutLongRuns(t *testing.T) {
	store := NewJobStore(setupWorkerTestDB(t))
	exec := &fakeExecutor{fn: func(ctx context.Context, _ int) (packaging.Result, error) {
		<-ctx.Done()
		return packaging.Result{}, ctx.Err()
	}}
	job := newTestJob(t, "contoso", packaging.PlatformWindows, "")
	_, err := store.Enqueue(job)
	require.NoError(t, err)

	cfg := testWorkerConfig()
	cfg.ClaimTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 1
	startPool(t, NewWorkerPool(store, exec, cfg, nil))

	got := waitForState(t, store, job.ID, JobStateFailed)
	assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())
}

func TestWorkerCorruptRequest(t *testing.T) {
	db := setupWorkerTestDB(t)
	store := NewJobStore(db)
	exec := &fakeExecutor{fn: succeed}
	job := newTestJob(t, "contoso", packaging.PlatformWindows, "")
	_, err := store.Enqueue(job)
	require.NoError(t, err)
	require.NoError(t, db.Model(&PackagingJob{}).Where("id = ?", job.ID).Update("request", "{").Error)

	startPool(t, NewWorkerPool(store, exec, testWorkerConfig(), nil))

	waitForState(t, store, job.ID, JobStateFailed)
	assert.Zero(t, exec.callCount())
}

func TestWorkerPoolDisabled(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.Enabled = false
	wp := NewWorkerPool(NewJobStore(setupWorkerTestDB(t)), &fakeExecutor{fn: succeed}, cfg, nil)

	done := make(chan struct{})
	go func() {
		wp.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled pool should return immediately")
	}
}

func TestWorkerCleanup(t *testing.T) {
	db := setupWorkerTestDB(t)
	store := NewJobStore(db)
	job := claimed(t, store, newTestJob(t, "contoso", packaging.PlatformWindows, ""))
	db.Model(&PackagingJob{}).Where("id = ?", job.ID).Update("started_at", time.Now().Add(-3*time.Hour))

	cfg := testWorkerConfig()
	cfg.ClaimTimeout = time.Hour
	cfg.RetentionDays = 1
	NewWorkerPool(store, &fakeExecutor{fn: succeed}, cfg, nil).cleanup()

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, got.State)
}
