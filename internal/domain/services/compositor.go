package services

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

const defaultJPEGQuality = 90

// Compositor does the local, CPU-only image work of the pipeline.
type Compositor struct{}

func NewCompositor() *Compositor {
	return &Compositor{}
}

// Overlay pastes the warped garment onto the body. When a segmentation mask
// is available the garment is only drawn where the mask is set; otherwise
// the garment's own alpha channel decides.
func (c *Compositor) Overlay(body *entities.NormalizedAsset, warped *entities.WarpedGarment, mask []byte) ([]byte, error) {
	bodyImg, err := imaging.Decode(bytes.NewReader(body.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode body image: %w", err)
	}
	garmentImg, err := imaging.Decode(bytes.NewReader(warped.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode warped garment: %w", err)
	}

	bounds := bodyImg.Bounds()
	if garmentImg.Bounds().Size() != bounds.Size() {
		garmentImg = imaging.Resize(garmentImg, bounds.Dx(), bounds.Dy(), imaging.Lanczos)
	}

	var out *image.NRGBA
	if len(mask) == 0 {
		out = imaging.Overlay(bodyImg, garmentImg, image.Pt(0, 0), 1.0)
	} else {
		alpha, err := decodeMask(mask, bounds.Dx(), bounds.Dy())
		if err != nil {
			return nil, err
		}
		out = imaging.Clone(bodyImg)
		draw.DrawMask(out, out.Bounds(), garmentImg, garmentImg.Bounds().Min, alpha, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

// Render resizes the blended image to the requested output size and encodes
// it in the requested format.
func (c *Compositor) Render(data []byte, options *valueobjects.TryOnOptions) ([]byte, int, int, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode blended image: %w", err)
	}

	if w, h := options.OutputWidth(), options.OutputHeight(); w > 0 && h > 0 {
		if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
			img = imaging.Resize(img, w, h, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	switch options.OutputMimeType() {
	case valueobjects.MimeTypeJPEG:
		quality := options.CompressionQuality()
		if quality == 0 {
			quality = defaultJPEGQuality
		}
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		err = imaging.Encode(&buf, img, imaging.PNG)
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode output: %w", err)
	}

	b := img.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

// decodeMask reads a grayscale mask image and turns luminance into alpha.
func decodeMask(data []byte, w, h int) (*image.Alpha, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode segmentation mask: %w", err)
	}
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		img = imaging.Resize(img, w, h, imaging.NearestNeighbor)
	}

	gray := imaging.Grayscale(img)
	alpha := image.NewAlpha(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			alpha.Pix[y*alpha.Stride+x] = gray.Pix[y*gray.Stride+x*4]
		}
	}
	return alpha, nil
}
