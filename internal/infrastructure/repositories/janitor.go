package repositories

import (
	"context"
	"log/slog"
	"time"

	domainrepos "github.com/buzzni/virtual-try-on/internal/domain/repositories"
)

// RunJanitor sweeps records older than retention every interval until ctx
// is done.
func RunJanitor(ctx context.Context, repo domainrepos.TryOnRepository, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := repo.Sweep(ctx, now.Add(-retention)); n > 0 {
				logger.Info("expired request records removed", "count", n)
			}
		}
	}
}
