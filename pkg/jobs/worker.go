package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/packaging"
)

// Executor runs one packaging request. It is satisfied by pipeline.Set and
// pipeline.Pipeline without importing them here.
type Executor interface {
	Execute(ctx context.Context, req packaging.Request) (packaging.Result, error)
}

// errCanceledByUser is the cancel cause for jobs stopped through Cancel.
var errCanceledByUser = errors.New("canceled by user")

// WorkerPool processes queued packaging jobs using a pool of goroutines.
type WorkerPool struct {
	store    *JobStore
	executor Executor
	cfg      *JobConfig
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(store *JobStore, executor Executor, cfg *JobConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &WorkerPool{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines,
// each polling for jobs. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || wp.executor == nil || !wp.cfg.Enabled {
		wp.logger.Info("job worker pool disabled")
		return
	}

	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

// Cancel stops a job this pool is currently running. It reports false when
// no local worker holds the job.
func (wp *WorkerPool) Cancel(jobID string) bool {
	wp.mu.Lock()
	cancel, ok := wp.running[jobID]
	wp.mu.Unlock()
	if ok {
		cancel(errCanceledByUser)
	}
	return ok
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Debug("worker started", "workerId", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Debug("worker stopped", "workerId", workerID)
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick.
			for ctx.Err() == nil && wp.processOne(ctx, workerID) {
			}
		}
	}
}

// processOne claims and runs a single job. It reports whether a job was
// claimed.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) bool {
	job, err := wp.store.Claim(wp.cfg.MaxRetries)
	if err != nil {
		wp.logger.Error("failed to claim job", "workerId", workerID, "error", err)
		return false
	}
	if job == nil {
		return false
	}

	logger := wp.logger.With("workerId", workerID, "jobId", job.ID, "projectId", job.ProjectID)
	logger.Info("processing job", "platform", job.Platform, "attempt", job.AttemptCount)

	req, err := job.PackagingRequest()
	if err != nil {
		// A corrupt request never succeeds; fail it without retries.
		wp.fail(logger, job.ID, err.Error(), 0)
		return true
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if wp.cfg.ClaimTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, wp.cfg.ClaimTimeout)
		defer stop()
	}
	if p, ok, err := job.SubmittedBy(); err != nil {
		logger.Warn("ignoring undecodable principal", "error", err)
	} else if ok {
		runCtx = identity.WithPrincipal(runCtx, p)
	}

	wp.track(job.ID, cancel)
	start := time.Now()
	res, err := wp.executor.Execute(runCtx, req)
	wp.untrack(job.ID)
	duration := time.Since(start)

	switch {
	case err == nil:
		logger.Info("job finished",
			"success", res.Success(),
			"artifacts", len(res.Artifacts),
			"duration", duration.String())
		if err := wp.store.Complete(job.ID, res, duration); err != nil {
			logger.Error("failed to record job result", "error", err)
		}
	case errors.Is(context.Cause(runCtx), errCanceledByUser):
		logger.Info("job canceled")
		if err := wp.store.MarkCanceled(job.ID, "Canceled by user"); err != nil {
			logger.Error("failed to mark job as canceled", "error", err)
		}
	case ctx.Err() != nil:
		logger.Info("job interrupted by shutdown, re-queueing")
		if err := wp.store.Requeue(job.ID, "Interrupted by worker shutdown"); err != nil {
			logger.Error("failed to re-queue job", "error", err)
		}
	default:
		logger.Error("job failed", "error", err)
		wp.fail(logger, job.ID, err.Error(), wp.cfg.MaxRetries)
	}
	return true
}

func (wp *WorkerPool) fail(logger *slog.Logger, jobID, msg string, maxRetries int) {
	if err := wp.store.Fail(jobID, msg, maxRetries); err != nil {
		logger.Error("failed to mark job as failed", "error", err)
	}
}

func (wp *WorkerPool) track(jobID string, cancel context.CancelCauseFunc) {
	wp.mu.Lock()
	wp.running[jobID] = cancel
	wp.mu.Unlock()
}

func (wp *WorkerPool) untrack(jobID string) {
	wp.mu.Lock()
	delete(wp.running, jobID)
	wp.mu.Unlock()
}

// cleanupLoop periodically recovers stuck jobs and deletes old finished ones.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.cleanup()
		}
	}
}

func (wp *WorkerPool) cleanup() {
	if wp.cfg.ClaimTimeout > 0 {
		recovered, err := wp.store.CleanupStuckJobs(wp.cfg.ClaimTimeout + time.Minute)
		if err != nil {
			wp.logger.Error("failed to cleanup stuck jobs", "error", err)
		} else if recovered > 0 {
			wp.logger.Info("recovered stuck jobs", "count", recovered)
		}
	}

	if wp.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
		deleted, err := wp.store.DeleteOlderThan(cutoff)
		if err != nil {
			wp.logger.Error("failed to delete old jobs", "error", err)
		} else if deleted > 0 {
			wp.logger.Info("deleted old jobs", "count", deleted)
		}
	}
}
