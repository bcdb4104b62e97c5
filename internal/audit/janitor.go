package audit

import (
	"context"
	"log/slog"
	"time"
)

// Janitor prunes expired audit entries on an interval.
type Janitor struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a janitor. A zero interval defaults to one hour.
func NewJanitor(store Store, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, retention: retention, interval: interval, logger: logger}
}

// Run blocks until ctx is done, pruning every interval.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := j.store.DeleteOlderThan(ctx, j.retention)
			if err != nil {
				j.logger.Warn("audit retention prune failed", "error", err)
				continue
			}
			if removed > 0 {
				j.logger.Info("pruned audit entries", "removed", removed, "retention", j.retention)
			}
		}
	}
}
