package repositories

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	domainrepos "github.com/buzzni/virtual-try-on/internal/domain/repositories"
)

type MemoryTryOnRepository struct {
	records map[entities.TryOnRequestID]*entities.RequestRecord
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMemoryTryOnRepository() *MemoryTryOnRepository {
	return &MemoryTryOnRepository{
		records: make(map[entities.TryOnRequestID]*entities.RequestRecord),
		now:     time.Now,
	}
}

var _ domainrepos.TryOnRepository = (*MemoryTryOnRepository)(nil)

func (r *MemoryTryOnRepository) Save(ctx context.Context, request *entities.TryOnRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[request.ID()]; exists {
		return fmt.Errorf("request already exists: %s", request.ID())
	}
	r.records[request.ID()] = &entities.RequestRecord{
		Request:   request,
		State:     entities.StageReceived,
		UpdatedAt: r.now(),
	}
	return nil
}

func (r *MemoryTryOnRepository) FindByID(ctx context.Context, id entities.TryOnRequestID) (*entities.TryOnRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domainrepos.ErrRequestNotFound, id)
	}
	return record.Request, nil
}

// UpdateState records progress. Terminal states are only set by SaveResult,
// so that a terminal record always carries its outcome; updates after that
// are ignored.
func (r *MemoryTryOnRepository) UpdateState(ctx context.Context, id entities.TryOnRequestID, state entities.Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records[id]
	if !exists {
		return fmt.Errorf("%w: %s", domainrepos.ErrRequestNotFound, id)
	}
	if record.Terminal() || state.Terminal() {
		return nil
	}
	record.State = state
	record.UpdatedAt = r.now()
	return nil
}

func (r *MemoryTryOnRepository) SaveResult(ctx context.Context, id entities.TryOnRequestID, result *entities.CompositeResult, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records[id]
	if !exists {
		return fmt.Errorf("%w: %s", domainrepos.ErrRequestNotFound, id)
	}

	now := r.now()
	record.Result = result
	record.Err = err
	record.State = entities.StageDone
	if err != nil {
		record.State = entities.StageFailed
		record.Result = nil
	}
	record.UpdatedAt = now
	record.CompletedAt = now
	return nil
}

// FindRecord returns a copy of the record.
func (r *MemoryTryOnRepository) FindRecord(ctx context.Context, id entities.TryOnRequestID) (*entities.RequestRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domainrepos.ErrRequestNotFound, id)
	}
	out := *record
	return &out, nil
}

func (r *MemoryTryOnRepository) Sweep(ctx context.Context, cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, record := range r.records {
		if record.Terminal() && record.CompletedAt.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}

func (r *MemoryTryOnRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
