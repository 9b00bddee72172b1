package repositories

import (
	"context"
	"errors"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

// ErrRetiredVersion is returned by Put when a result references a model
// version that has been rolled over.
var ErrRetiredVersion = errors.New("result references a retired model version")

// ComputeFunc produces the result for a fingerprint. notify broadcasts stage
// transitions to every caller waiting on the computation.
type ComputeFunc func(ctx context.Context, notify entities.StageObserver) (*entities.CompositeResult, error)

type ResultCache interface {
	// Get returns a hit only if the stored entry was produced by versions.
	Get(ctx context.Context, fingerprint string, versions valueobjects.ModelVersionSet) (*entities.CompositeResult, bool, error)
	Put(ctx context.Context, fingerprint string, result *entities.CompositeResult) error
	// Do runs compute at most once per fingerprint across concurrent callers.
	// shared is true for callers that joined an existing computation.
	Do(ctx context.Context, fingerprint string, observe entities.StageObserver, compute ComputeFunc) (result *entities.CompositeResult, shared bool, err error)
	InvalidateVersion(ctx context.Context, key valueobjects.ModelKey, version string) int
}

// ResultStore is a persistent tier behind the in-memory cache.
type ResultStore interface {
	Load(ctx context.Context, fingerprint string) (*entities.CompositeResult, bool, error)
	Save(ctx context.Context, fingerprint string, result *entities.CompositeResult) error
	InvalidateVersion(ctx context.Context, key valueobjects.ModelKey, version string) (int, error)
}
