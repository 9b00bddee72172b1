package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
)

var ErrRequestNotFound = errors.New("request not found")

type TryOnRepository interface {
	Save(ctx context.Context, request *entities.TryOnRequest) error
	FindByID(ctx context.Context, id entities.TryOnRequestID) (*entities.TryOnRequest, error)
	UpdateState(ctx context.Context, id entities.TryOnRequestID, state entities.Stage) error
	// SaveResult records the terminal outcome. Exactly one of result and err
	// is non-nil.
	SaveResult(ctx context.Context, id entities.TryOnRequestID, result *entities.CompositeResult, err error) error
	FindRecord(ctx context.Context, id entities.TryOnRequestID) (*entities.RequestRecord, error)
	// Sweep drops terminal records completed before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) int
}
