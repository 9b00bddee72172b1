package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
)

// flight is one in-progress computation shared by every caller that asked
// for the same fingerprint while it ran.
type flight struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *entities.CompositeResult
	err    error

	// waiters is guarded by flightGroup.mu.
	waiters int

	mu        sync.Mutex
	stages    []entities.Stage
	observers map[uint64]entities.StageObserver
	nextID    uint64
}

// subscribe registers observe and replays the stages seen so far, so a late
// joiner starts from the flight's current stage.
func (f *flight) subscribe(observe entities.StageObserver) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	if observe == nil {
		return id
	}
	for _, stage := range f.stages {
		observe(stage)
	}
	f.observers[id] = observe
	return id
}

// unsubscribe returns the last stage the flight reached.
func (f *flight) unsubscribe(id uint64) entities.Stage {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.observers, id)
	if len(f.stages) == 0 {
		return entities.StageReceived
	}
	return f.stages[len(f.stages)-1]
}

// broadcast holds the lock while observers run so that every observer sees
// stages in order, replay included. Observers must not call back into the
// flight.
func (f *flight) broadcast(stage entities.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stages = append(f.stages, stage)
	for _, observe := range f.observers {
		observe(stage)
	}
}

// flightGroup coalesces concurrent computations by key. Unlike
// x/sync/singleflight, the computation is cancelled once every caller has
// gone, and stage progress is fanned out to all callers.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
	logger  *slog.Logger
}

func newFlightGroup(logger *slog.Logger) *flightGroup {
	return &flightGroup{
		flights: make(map[string]*flight),
		logger:  logger,
	}
}

func (g *flightGroup) Do(
	ctx context.Context,
	key string,
	observe entities.StageObserver,
	compute repositories.ComputeFunc,
) (*entities.CompositeResult, bool, error) {
	g.mu.Lock()
	f, shared := g.flights[key]
	if !shared {
		// the computation outlives the caller that started it; it is
		// cancelled only when the last waiter leaves
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{
			cancel:    cancel,
			done:      make(chan struct{}),
			observers: make(map[uint64]entities.StageObserver),
		}
		g.flights[key] = f
		go g.run(runCtx, key, f, compute)
	}
	f.waiters++
	g.mu.Unlock()

	id := f.subscribe(observe)

	select {
	case <-f.done:
		f.unsubscribe(id)
		g.leave(key, f, false)
		return f.result, shared, f.err

	case <-ctx.Done():
		last := f.unsubscribe(id)
		if observe != nil && !last.Terminal() {
			observe(entities.StageFailed)
		}
		g.leave(key, f, true)
		return nil, shared, failures.At(string(last), ctx.Err())
	}
}

func (g *flightGroup) leave(key string, f *flight, abandoned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.waiters--
	if !abandoned || f.waiters > 0 {
		return
	}
	if g.flights[key] == f {
		delete(g.flights, key)
	}
	f.cancel()
	g.logger.Info("computation abandoned by every waiter", "fingerprint", key)
}

func (g *flightGroup) run(ctx context.Context, key string, f *flight, compute repositories.ComputeFunc) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("computation panicked", "fingerprint", key, "panic", r)
			f.result = nil
			f.err = failures.Wrap(failures.InternalError, fmt.Errorf("%v", r), "computation panicked")
			f.broadcast(entities.StageFailed)
		}

		g.mu.Lock()
		if g.flights[key] == f {
			delete(g.flights, key)
		}
		g.mu.Unlock()

		f.cancel()
		close(f.done)
	}()

	f.result, f.err = compute(ctx, f.broadcast)
}

func (g *flightGroup) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
