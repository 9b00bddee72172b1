package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

type TryOnRequestID string

// TryOnRequest is immutable once created.
type TryOnRequest struct {
	id           TryOnRequestID
	bodyImage    *valueobjects.ImageData
	garmentImage *valueobjects.ImageData
	options      *valueobjects.TryOnOptions
	createdAt    time.Time
}

func NewTryOnRequest(
	bodyImage *valueobjects.ImageData,
	garmentImage *valueobjects.ImageData,
	options *valueobjects.TryOnOptions,
) (*TryOnRequest, error) {
	if bodyImage == nil {
		return nil, fmt.Errorf("body image is required")
	}

	if garmentImage == nil {
		return nil, fmt.Errorf("garment image is required")
	}

	if options == nil {
		options = valueobjects.DefaultTryOnOptions()
	}

	return &TryOnRequest{
		id:           TryOnRequestID(uuid.NewString()),
		bodyImage:    bodyImage,
		garmentImage: garmentImage,
		options:      options,
		createdAt:    time.Now(),
	}, nil
}

func (r *TryOnRequest) ID() TryOnRequestID {
	return r.id
}

func (r *TryOnRequest) BodyImage() *valueobjects.ImageData {
	return r.bodyImage
}

func (r *TryOnRequest) GarmentImage() *valueobjects.ImageData {
	return r.garmentImage
}

func (r *TryOnRequest) Options() *valueobjects.TryOnOptions {
	return r.options
}

func (r *TryOnRequest) CreatedAt() time.Time {
	return r.createdAt
}
