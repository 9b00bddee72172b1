package repositories

import (
	"context"
	"sync/atomic"
)

// ResourceClass groups stages that compete for the same hardware.
type ResourceClass string

const (
	GPUClass ResourceClass = "gpu"
	CPUClass ResourceClass = "cpu"
)

// Permit is one unit of admission for a resource class.
type Permit struct {
	Class ResourceClass
	ID    uint64

	released atomic.Bool
}

// MarkReleased flips the permit to released and reports whether this call
// did it. Only the first call returns true.
func (p *Permit) MarkReleased() bool {
	return p.released.CompareAndSwap(false, true)
}

func (p *Permit) Released() bool {
	return p.released.Load()
}

type Scheduler interface {
	Acquire(ctx context.Context, class ResourceClass) (*Permit, error)
	// Release is idempotent and accepts nil.
	Release(permit *Permit)
}
