package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/livedeck/internal/shared"
)

// DefaultRetentionInterval is how often archived runs are pruned when no
// interval is configured.
const DefaultRetentionInterval = 10 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically keeps
// only the newest keepPerBlock archived runs of each code block. A
// non-positive keepPerBlock disables pruning.
func StartRetentionWorker(ctx context.Context, archive Archive, interval time.Duration, keepPerBlock int) {
	if keepPerBlock <= 0 {
		slog.Info("Retention worker disabled", "keep_per_block", keepPerBlock)
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "keep_per_block", keepPerBlock)

		for {
			select {
			case <-ticker.C:
				pruneArchive(ctx, archive, keepPerBlock)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneArchive(ctx context.Context, archive Archive, keepPerBlock int) {
	var pruned int64
	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		n, err := archive.PruneRuns(ctx, keepPerBlock)
		pruned = n
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker: context canceled during prune", "error", err)
			return
		}
		slog.Error("Retention worker failed to prune archive", "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("Retention worker pruned archived runs", "count", pruned, "keep_per_block", keepPerBlock)
	}
}
