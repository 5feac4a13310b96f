package store

import (
	"context"
	"log/slog"
	"time"
)

// cleanupInterval is how often the TTL worker scans for idle sessions.
const cleanupInterval = 10 * time.Minute

// StartTTLWorker starts a background goroutine that removes sessions idle
// longer than ttl. It stops when ctx is cancelled.
func StartTTLWorker(ctx context.Context, repo Repository, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := repo.CleanupExpiredSessions(ctx, ttl)
				if err != nil {
					slog.Error("session cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("expired sessions removed", "count", deleted, "ttl", ttl)
				}
			}
		}
	}()
}
