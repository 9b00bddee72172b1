package repositories

import (
	"context"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

// InferenceClient is the orchestrator's typed view of the model backends.
// Implementations own retries, timeouts, confidence thresholds and scheduler
// admission.
type InferenceClient interface {
	EstimatePose(ctx context.Context, body *entities.NormalizedAsset) (*entities.PoseResult, error)
	WarpGarment(ctx context.Context, garment *entities.NormalizedAsset, pose *entities.PoseEstimate) (*entities.WarpedGarment, error)
	Blend(ctx context.Context, input BlendInput) (*entities.BlendedImage, error)
	ActiveVersions() valueobjects.ModelVersionSet
}
