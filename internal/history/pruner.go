package history

import (
	"context"
	"time"
)

// Logger is the subset of the application logger the pruner uses.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// RunPruner deletes entries older than retention every interval until ctx
// is cancelled. A non-positive retention disables pruning and returns at once.
func (r *Repository) RunPruner(ctx context.Context, interval, retention time.Duration, logger Logger) {
	if retention <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			if logger != nil {
				logger.Warn("pruning channel history failed", "error", err)
			}
		case n > 0 && logger != nil:
			logger.Info("pruned channel history", "deleted", n, "retention", retention.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
