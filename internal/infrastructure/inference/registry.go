package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

// RolloverFunc is called after a model's active version changes. It runs
// synchronously, so Rollover returns only once every listener is done.
type RolloverFunc func(ctx context.Context, key valueobjects.ModelKey, retired, active string)

// Registry holds the active model versions and remembers retired ones.
type Registry struct {
	mu        sync.RWMutex
	active    valueobjects.ModelVersionSet
	retired   map[valueobjects.ModelKey]map[string]struct{}
	listeners []RolloverFunc
	logger    *slog.Logger
}

func NewRegistry(initial valueobjects.ModelVersionSet, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active:  initial.Clone(),
		retired: make(map[valueobjects.ModelKey]map[string]struct{}),
		logger:  logger,
	}
}

func (r *Registry) Active() valueobjects.ModelVersionSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active.Clone()
}

func (r *Registry) Version(key valueobjects.ModelKey) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active.Version(key)
}

func (r *Registry) IsRetired(key valueobjects.ModelKey, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.retired[key][version]
	return ok
}

func (r *Registry) OnRollover(fn RolloverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Rollover makes version the active one for key and retires the previous
// version. Rolling back to a retired version reinstates it.
func (r *Registry) Rollover(ctx context.Context, key valueobjects.ModelKey, version string) (string, error) {
	if !key.Valid() {
		return "", fmt.Errorf("unknown model %q", key)
	}
	if version == "" {
		return "", fmt.Errorf("version is required")
	}

	r.mu.Lock()
	previous := r.active.Version(key)
	if previous == version {
		r.mu.Unlock()
		return previous, nil
	}
	if previous != "" {
		if r.retired[key] == nil {
			r.retired[key] = make(map[string]struct{})
		}
		r.retired[key][previous] = struct{}{}
	}
	delete(r.retired[key], version)
	r.active = r.active.With(key, version)
	listeners := append([]RolloverFunc(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Info("model rollover", "model", key, "retired", previous, "active", version)
	for _, fn := range listeners {
		fn(ctx, key, previous, version)
	}
	return previous, nil
}
