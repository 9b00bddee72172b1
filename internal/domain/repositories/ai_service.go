package repositories

import (
	"context"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

// ModelBackend is any external model server. Version returns the semantic
// version currently served; a change is a cache-invalidating event.
type ModelBackend interface {
	Version(ctx context.Context) (string, error)
}

// PoseEstimator finds people and their landmarks in a body photo.
type PoseEstimator interface {
	ModelBackend
	EstimatePose(ctx context.Context, body *entities.NormalizedAsset) ([]entities.PoseCandidate, error)
}

// GarmentWarper fits a garment photo to a pose.
type GarmentWarper interface {
	ModelBackend
	WarpGarment(ctx context.Context, garment *entities.NormalizedAsset, pose *entities.PoseEstimate) (*entities.WarpedGarment, error)
}

// Blender composites the garment onto the body.
type Blender interface {
	ModelBackend
	Blend(ctx context.Context, input BlendInput) (*entities.BlendedImage, error)
}

// BlendInput carries everything a blend backend may need. Generative
// backends use the original garment; warp-based ones use Warped and Pose.
type BlendInput struct {
	Body    *entities.NormalizedAsset
	Garment *entities.NormalizedAsset
	Warped  *entities.WarpedGarment
	Pose    *entities.PoseEstimate
	Options *valueobjects.TryOnOptions
}
