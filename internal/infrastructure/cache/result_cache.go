package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/observability"
)

const (
	tierMemory = "memory"
	tierStore  = "store"
)

// RetiredChecker reports versions that must no longer be cached.
type RetiredChecker interface {
	IsRetired(key valueobjects.ModelKey, version string) bool
}

type Options struct {
	Size    int
	Store   repositories.ResultStore
	Retired RetiredChecker
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// ResultCache is a content-addressed LRU of composite results with an
// optional persistent tier and single-flight computation.
type ResultCache struct {
	// mu serializes Put against InvalidateVersion so that an entry for a
	// version being retired cannot be added after the sweep.
	mu      sync.Mutex
	entries *lru.Cache[string, *entities.CompositeResult]

	store   repositories.ResultStore
	retired RetiredChecker
	flights *flightGroup
	metrics *observability.Metrics
	logger  *slog.Logger
}

var _ repositories.ResultCache = (*ResultCache)(nil)

func New(opts Options) (*ResultCache, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", opts.Size)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := lru.New[string, *entities.CompositeResult](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}
	return &ResultCache{
		entries: entries,
		store:   opts.Store,
		retired: opts.Retired,
		flights: newFlightGroup(logger),
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

func (c *ResultCache) Get(ctx context.Context, fingerprint string, versions valueobjects.ModelVersionSet) (*entities.CompositeResult, bool, error) {
	if result, ok := c.entries.Get(fingerprint); ok {
		if err := verify(fingerprint, versions, result); err != nil {
			c.entries.Remove(fingerprint)
			return nil, false, err
		}
		c.metrics.RecordCacheLookup(tierMemory, true)
		return result.Clone(), true, nil
	}
	c.metrics.RecordCacheLookup(tierMemory, false)

	if c.store == nil {
		return nil, false, nil
	}
	result, ok, err := c.store.Load(ctx, fingerprint)
	if err != nil {
		if isCorruption(err) {
			c.logger.Error("result store returned a corrupt entry", "fingerprint", fingerprint, "error", err)
			c.metrics.RecordCacheLookup(tierStore, false)
			return nil, false, err
		}
		// an unreachable store degrades to a miss
		c.logger.Warn("result store load failed", "fingerprint", fingerprint, "error", err)
		return nil, false, nil
	}
	if !ok || c.isRetired(result.ModelVersions) {
		c.metrics.RecordCacheLookup(tierStore, false)
		return nil, false, nil
	}
	if err := verify(fingerprint, versions, result); err != nil {
		return nil, false, err
	}
	c.metrics.RecordCacheLookup(tierStore, true)

	c.mu.Lock()
	if !c.isRetired(result.ModelVersions) {
		c.entries.Add(fingerprint, result.Clone())
	}
	c.mu.Unlock()
	return result, true, nil
}

// isCorruption separates integrity failures, which a store reports as
// InternalError, from transport errors.
func isCorruption(err error) bool {
	var fe *failures.Error
	return errors.As(err, &fe) && fe.Code == failures.InternalError
}

// verify rejects an entry whose recorded provenance does not match the key
// it was found under.
func verify(fingerprint string, versions valueobjects.ModelVersionSet, result *entities.CompositeResult) error {
	if result == nil || !result.HasImage() {
		return failures.New(failures.InternalError, "cache entry %s has no image", fingerprint)
	}
	if result.Fingerprint != fingerprint || !result.ModelVersions.Equal(versions) {
		return failures.New(failures.InternalError,
			"cache entry %s was produced by %s, expected %s", fingerprint, result.ModelVersions, versions)
	}
	return nil
}

func (c *ResultCache) Put(ctx context.Context, fingerprint string, result *entities.CompositeResult) error {
	if result == nil || fingerprint == "" {
		return errors.New("cache put requires a fingerprint and a result")
	}
	entry := result.Clone()
	entry.Fingerprint = fingerprint
	entry.CacheHit = false
	entry.Coalesced = false

	c.mu.Lock()
	if c.isRetired(entry.ModelVersions) {
		c.mu.Unlock()
		return ErrRetiredVersion
	}
	c.entries.Add(fingerprint, entry)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, fingerprint, entry); err != nil {
			c.logger.Warn("result store save failed", "fingerprint", fingerprint, "error", err)
		}
	}
	return nil
}

// ErrRetiredVersion is re-exported for callers that only import this package.
var ErrRetiredVersion = repositories.ErrRetiredVersion

func (c *ResultCache) isRetired(versions valueobjects.ModelVersionSet) bool {
	if c.retired == nil {
		return false
	}
	for key, version := range versions {
		if c.retired.IsRetired(key, version) {
			return true
		}
	}
	return false
}

func (c *ResultCache) Do(ctx context.Context, fingerprint string, observe entities.StageObserver, compute repositories.ComputeFunc) (*entities.CompositeResult, bool, error) {
	return c.flights.Do(ctx, fingerprint, observe, compute)
}

// InvalidateVersion drops every entry produced by version of key and returns
// how many in-memory entries were removed.
func (c *ResultCache) InvalidateVersion(ctx context.Context, key valueobjects.ModelKey, version string) int {
	c.mu.Lock()
	removed := 0
	for _, fingerprint := range c.entries.Keys() {
		entry, ok := c.entries.Peek(fingerprint)
		if ok && entry.ModelVersions.Version(key) == version {
			c.entries.Remove(fingerprint)
			removed++
		}
	}
	c.mu.Unlock()

	stored := 0
	if c.store != nil {
		n, err := c.store.InvalidateVersion(ctx, key, version)
		if err != nil {
			c.logger.Warn("result store invalidation failed", "model", key, "version", version, "error", err)
		}
		stored = n
	}

	c.logger.Info("cache invalidated", "model", key, "version", version, "memory", removed, "store", stored)
	return removed
}

// HandleRollover has the shape of an inference.RolloverFunc.
func (c *ResultCache) HandleRollover(ctx context.Context, key valueobjects.ModelKey, retired, _ string) {
	if retired == "" {
		return
	}
	c.metrics.RecordRollover(string(key))
	c.InvalidateVersion(ctx, key, retired)
}

func (c *ResultCache) Len() int {
	return c.entries.Len()
}

// InFlight is the number of computations currently running.
func (c *ResultCache) InFlight() int {
	return c.flights.inFlight()
}
