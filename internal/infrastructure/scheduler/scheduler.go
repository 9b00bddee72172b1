package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
)

// ClassConfig bounds one resource class.
type ClassConfig struct {
	MaxConcurrent int64
	// QueueTimeout is how long Acquire may wait. Zero waits until the
	// caller's context ends.
	QueueTimeout time.Duration
	// MaxQueueDepth rejects new waiters outright once this many are queued.
	// Zero means unbounded.
	MaxQueueDepth int64
}

type Stats struct {
	Capacity int64
	InUse    int64
	Waiting  int64
	Rejected uint64
	TimedOut uint64
}

type class struct {
	config   ClassConfig
	sem      *semaphore.Weighted
	inUse    atomic.Int64
	waiting  atomic.Int64
	rejected atomic.Uint64
	timedOut atomic.Uint64
}

// Scheduler hands out permits per resource class. Waiters are admitted in
// FIFO order within a class.
type Scheduler struct {
	classes map[repositories.ResourceClass]*class
	nextID  atomic.Uint64
	logger  *slog.Logger
}

func New(configs map[repositories.ResourceClass]ClassConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		classes: make(map[repositories.ResourceClass]*class, len(configs)),
		logger:  logger,
	}
	for name, cfg := range configs {
		if cfg.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("scheduler class %s: max_concurrent must be positive", name)
		}
		s.classes[name] = &class{config: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrent)}
	}
	return s, nil
}

func (s *Scheduler) Acquire(ctx context.Context, name repositories.ResourceClass) (*repositories.Permit, error) {
	c, ok := s.classes[name]
	if !ok {
		return nil, failures.New(failures.InternalError, "unknown resource class %q", name)
	}

	// TryAcquire fails whenever someone is already queued, so the fast path
	// cannot overtake waiters.
	if !c.sem.TryAcquire(1) {
		if err := s.wait(ctx, name, c); err != nil {
			return nil, err
		}
	}

	c.inUse.Add(1)
	return &repositories.Permit{Class: name, ID: s.nextID.Add(1)}, nil
}

func (s *Scheduler) wait(ctx context.Context, name repositories.ResourceClass, c *class) error {
	depth := c.waiting.Add(1)
	defer c.waiting.Add(-1)

	if c.config.MaxQueueDepth > 0 && depth > c.config.MaxQueueDepth {
		c.rejected.Add(1)
		s.logger.Warn("scheduler queue full", "class", name, "depth", depth-1)
		return failures.New(failures.QueueTimeout, "%s queue is full (%d waiting)", name, depth-1)
	}

	waitCtx := ctx
	if c.config.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.config.QueueTimeout)
		defer cancel()
	}

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.timedOut.Add(1)
		return failures.New(failures.QueueTimeout, "waited %s for a %s permit", c.config.QueueTimeout, name)
	}
	return nil
}

func (s *Scheduler) Release(permit *repositories.Permit) {
	if permit == nil || !permit.MarkReleased() {
		return
	}
	c, ok := s.classes[permit.Class]
	if !ok {
		s.logger.Error("release of permit for unknown class", "class", permit.Class, "permit", permit.ID)
		return
	}
	c.inUse.Add(-1)
	c.sem.Release(1)
}

func (s *Scheduler) Stats(name repositories.ResourceClass) Stats {
	c, ok := s.classes[name]
	if !ok {
		return Stats{}
	}
	return Stats{
		Capacity: c.config.MaxConcurrent,
		InUse:    c.inUse.Load(),
		Waiting:  c.waiting.Load(),
		Rejected: c.rejected.Load(),
		TimedOut: c.timedOut.Load(),
	}
}

func (s *Scheduler) Classes() []repositories.ResourceClass {
	out := make([]repositories.ResourceClass, 0, len(s.classes))
	for name := range s.classes {
		out = append(out, name)
	}
	return out
}
