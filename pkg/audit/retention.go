package audit

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes records older than a cutoff. SnapshotStore, the telemetry
// EventStore and the job store all satisfy it.
type Pruner interface {
	DeleteOlderThan(cutoff time.Time) (int64, error)
}

// RetentionWorker prunes one history table on a fixed schedule.
type RetentionWorker struct {
	target    string
	store     Pruner
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRetentionWorker keeps retentionDays of target's history, pruning daily.
// A zero retention keeps everything.
func NewRetentionWorker(target string, store Pruner, retentionDays int, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		target:    target,
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		logger:    logger.With("target", target),
		now:       time.Now,
	}
}

func (w *RetentionWorker) days() int { return int(w.retention / (24 * time.Hour)) }

// Run prunes once immediately and then on every tick until ctx is done.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.retention <= 0 {
		w.logger.Info("retention disabled", "hasStore", w.store != nil, "retentionDays", w.days())
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("retention worker started", "retentionDays", w.days(), "interval", w.interval.String())
	for {
		w.prune()
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *RetentionWorker) prune() int64 {
	cutoff := w.now().Add(-w.retention)
	n, err := w.store.DeleteOlderThan(cutoff)
	switch {
	case err != nil:
		w.logger.Error("pruning failed", "error", err)
		return 0
	case n > 0:
		w.logger.Info("pruned history", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n
}
