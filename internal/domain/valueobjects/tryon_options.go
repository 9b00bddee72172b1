package valueobjects

import (
	"fmt"
	"strconv"
	"strings"
)

type MimeType string

const (
	MimeTypePNG  MimeType = "image/png"
	MimeTypeJPEG MimeType = "image/jpeg"
)

const (
	minOutputSide = 64
	maxOutputSide = 4096
)

// TryOnOptions are the caller-controlled knobs of a request. A zero output
// size means "use the canonical normalized resolution".
type TryOnOptions struct {
	modelPins          map[ModelKey]string
	outputWidth        int
	outputHeight       int
	outputMimeType     MimeType
	compressionQuality int
	temperature        float64
	garment            *GarmentAttributes
}

func NewTryOnOptions(
	modelPins map[ModelKey]string,
	outputWidth int,
	outputHeight int,
	outputMimeType MimeType,
	compressionQuality int,
	temperature float64,
) (*TryOnOptions, error) {
	for key := range modelPins {
		if !key.Valid() {
			return nil, fmt.Errorf("unknown model %q in version pins", key)
		}
	}

	if (outputWidth == 0) != (outputHeight == 0) {
		return nil, fmt.Errorf("outputWidth and outputHeight must be set together, got %dx%d", outputWidth, outputHeight)
	}

	if outputWidth != 0 {
		if outputWidth < minOutputSide || outputWidth > maxOutputSide {
			return nil, fmt.Errorf("outputWidth must be between %d and %d, got %d", minOutputSide, maxOutputSide, outputWidth)
		}
		if outputHeight < minOutputSide || outputHeight > maxOutputSide {
			return nil, fmt.Errorf("outputHeight must be between %d and %d, got %d", minOutputSide, maxOutputSide, outputHeight)
		}
	}

	if outputMimeType != MimeTypePNG && outputMimeType != MimeTypeJPEG {
		return nil, fmt.Errorf("outputMimeType must be %s or %s, got %q", MimeTypePNG, MimeTypeJPEG, outputMimeType)
	}

	if compressionQuality < 0 || compressionQuality > 100 {
		return nil, fmt.Errorf("compressionQuality must be between 0 and 100, got %d", compressionQuality)
	}

	if !(temperature >= 0 && temperature <= 2) {
		return nil, fmt.Errorf("temperature must be between 0 and 2, got %v", temperature)
	}

	pins := make(map[ModelKey]string, len(modelPins))
	for k, v := range modelPins {
		if v != "" {
			pins[k] = v
		}
	}

	return &TryOnOptions{
		modelPins:          pins,
		outputWidth:        outputWidth,
		outputHeight:       outputHeight,
		outputMimeType:     outputMimeType,
		compressionQuality: compressionQuality,
		temperature:        temperature,
		garment:            DefaultGarmentAttributes(),
	}, nil
}

// WithGarment returns a copy of o describing garment. A nil garment resets
// to the generic default.
func (o *TryOnOptions) WithGarment(garment *GarmentAttributes) *TryOnOptions {
	out := *o
	out.modelPins = o.ModelPins()
	if garment == nil {
		garment = DefaultGarmentAttributes()
	}
	out.garment = garment
	return &out
}

func DefaultTryOnOptions() *TryOnOptions {
	options, _ := NewTryOnOptions(nil, 0, 0, MimeTypePNG, 0, 1.0)
	return options
}

// ModelPin returns the version the caller pinned for key, if any.
func (o *TryOnOptions) ModelPin(key ModelKey) (string, bool) {
	v, ok := o.modelPins[key]
	return v, ok
}

func (o *TryOnOptions) ModelPins() map[ModelKey]string {
	out := make(map[ModelKey]string, len(o.modelPins))
	for k, v := range o.modelPins {
		out[k] = v
	}
	return out
}

func (o *TryOnOptions) OutputWidth() int {
	return o.outputWidth
}

func (o *TryOnOptions) OutputHeight() int {
	return o.outputHeight
}

func (o *TryOnOptions) OutputMimeType() MimeType {
	return o.outputMimeType
}

func (o *TryOnOptions) CompressionQuality() int {
	return o.compressionQuality
}

func (o *TryOnOptions) Temperature() float64 {
	return o.temperature
}

func (o *TryOnOptions) Garment() *GarmentAttributes {
	if o.garment == nil {
		return DefaultGarmentAttributes()
	}
	return o.garment
}

// RenderDigest covers every option that changes the output bytes. It is
// folded into the cache fingerprint.
func (o *TryOnOptions) RenderDigest() string {
	parts := []string{
		strconv.Itoa(o.outputWidth) + "x" + strconv.Itoa(o.outputHeight),
		string(o.outputMimeType),
		strconv.Itoa(o.compressionQuality),
		strconv.FormatFloat(o.temperature, 'f', -1, 64),
		o.Garment().Digest(),
	}
	return strings.Join(parts, "|")
}
