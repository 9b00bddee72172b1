package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

// VersionWatcher polls the backends for their served version and rolls the
// registry over when one changes.
type VersionWatcher struct {
	registry *Registry
	sources  map[valueobjects.ModelKey]repositories.ModelBackend
	interval time.Duration
	logger   *slog.Logger
}

func NewVersionWatcher(
	registry *Registry,
	sources map[valueobjects.ModelKey]repositories.ModelBackend,
	interval time.Duration,
	logger *slog.Logger,
) *VersionWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionWatcher{
		registry: registry,
		sources:  sources,
		interval: interval,
		logger:   logger,
	}
}

// Poll checks every backend once. Backends that fail to answer keep their
// current version.
func (w *VersionWatcher) Poll(ctx context.Context) error {
	var errs []error
	for _, key := range valueobjects.ModelKeys {
		source, ok := w.sources[key]
		if !ok {
			continue
		}
		version, err := source.Version(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s version: %w", key, err))
			continue
		}
		if version == "" || version == w.registry.Version(key) {
			continue
		}
		if _, err := w.registry.Rollover(ctx, key, version); err != nil {
			errs = append(errs, fmt.Errorf("%s rollover: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Run polls until ctx is cancelled. A non-positive interval disables it.
func (w *VersionWatcher) Run(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.Warn("model version poll failed", "error", err)
			}
		}
	}
}
