package worker

import (
	"context"
	"log/slog"
	"time"
)

// AppliedStore defines the store operation needed by the cleaner.
type AppliedStore interface {
	CleanExpiredApplied(ctx context.Context, now time.Time) (int64, error)
}

// IdempotencyCleaner periodically purges expired applied-inbound records.
type IdempotencyCleaner struct {
	store    AppliedStore
	interval time.Duration
}

// DefaultCleanupInterval is used when no positive interval is configured.
const DefaultCleanupInterval = time.Hour

// NewIdempotencyCleaner creates a cleaner running every interval.
func NewIdempotencyCleaner(store AppliedStore, interval time.Duration) *IdempotencyCleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &IdempotencyCleaner{store: store, interval: interval}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *IdempotencyCleaner) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "idempotency-cleaner",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "idempotency-cleaner",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.clean(ctx)
		}
	}
}

func (w *IdempotencyCleaner) clean(ctx context.Context) {
	start := time.Now()
	removed, err := w.store.CleanExpiredApplied(ctx, start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("applied inbound cleanup failed",
			"component", "worker",
			"action", "cleanup_failed",
			"error", err,
		)
		return
	}
	if removed == 0 {
		return
	}
	slog.Info("applied inbound cleanup completed",
		"component", "worker",
		"action", "cleanup_complete",
		"removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
