package services

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

type FitPolicy string

const (
	// FitPad scales the whole image into the canvas and fills the borders.
	FitPad FitPolicy = "pad"
	// FitCrop scales to cover the canvas and crops the overflow, centered.
	FitCrop FitPolicy = "crop"
)

type NormalizerConfig struct {
	Width      int
	Height     int
	Fit        FitPolicy
	Background color.NRGBA
	MaxBytes   int
	MaxPixels  int
	MemoSize   int
}

func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		Width:      768,
		Height:     1024,
		Fit:        FitPad,
		Background: color.NRGBA{R: 255, G: 255, B: 255, A: 255},
		MaxBytes:   10 * 1024 * 1024,
		MaxPixels:  40_000_000,
		MemoSize:   256,
	}
}

// AssetNormalizer turns submitted images into canonical PNGs. It never
// blocks on shared resources.
type AssetNormalizer struct {
	config NormalizerConfig
	memo   *lru.Cache[string, *entities.NormalizedAsset]
}

func NewAssetNormalizer(config NormalizerConfig) (*AssetNormalizer, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("canonical size must be positive, got %dx%d", config.Width, config.Height)
	}
	if config.Fit != FitPad && config.Fit != FitCrop {
		return nil, fmt.Errorf("unknown fit policy %q", config.Fit)
	}

	n := &AssetNormalizer{config: config}
	if config.MemoSize > 0 {
		memo, err := lru.New[string, *entities.NormalizedAsset](config.MemoSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create normalizer memo: %w", err)
		}
		n.memo = memo
	}
	return n, nil
}

func (n *AssetNormalizer) Config() NormalizerConfig {
	return n.config
}

// Normalize validates data and resizes it to the canonical resolution. The
// same bytes always produce the same NormalizedAsset.
func (n *AssetNormalizer) Normalize(data []byte, kind valueobjects.AssetKind) (*entities.NormalizedAsset, error) {
	if len(data) == 0 {
		return nil, failures.New(failures.InvalidAsset, "%s image is empty", kind)
	}
	if n.config.MaxBytes > 0 && len(data) > n.config.MaxBytes {
		return nil, failures.New(failures.InvalidAsset, "%s image is %d bytes, limit is %d", kind, len(data), n.config.MaxBytes)
	}

	hash := valueobjects.ContentHash(data)
	memoKey := string(kind) + ":" + hash
	if n.memo != nil {
		if asset, ok := n.memo.Get(memoKey); ok {
			return asset, nil
		}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, failures.Wrap(failures.InvalidAsset, err, "%s image cannot be decoded", kind)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, failures.New(failures.InvalidAsset, "%s image has zero dimension %dx%d", kind, cfg.Width, cfg.Height)
	}
	if n.config.MaxPixels > 0 && cfg.Width*cfg.Height > n.config.MaxPixels {
		return nil, failures.New(failures.InvalidAsset, "%s image is %dx%d, limit is %d pixels", kind, cfg.Width, cfg.Height, n.config.MaxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, failures.Wrap(failures.InvalidAsset, err, "%s image is corrupt", kind)
	}

	canonical := n.fit(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canonical, imaging.PNG); err != nil {
		return nil, failures.Wrap(failures.InternalError, err, "failed to encode canonical %s image", kind)
	}

	asset := &entities.NormalizedAsset{
		SourceRef:    hash,
		Kind:         kind,
		Data:         buf.Bytes(),
		Width:        n.config.Width,
		Height:       n.config.Height,
		ColorProfile: entities.ColorProfileSRGB,
		ContentHash:  hash,
	}
	if n.memo != nil {
		n.memo.Add(memoKey, asset)
	}
	return asset, nil
}

func (n *AssetNormalizer) fit(img image.Image) *image.NRGBA {
	w, h := n.config.Width, n.config.Height

	if n.config.Fit == FitCrop {
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	}

	// imaging.Fit never enlarges, so the scale is computed here to bring
	// small inputs up to the canonical size as well.
	b := img.Bounds()
	scale := math.Min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	sw := max(1, int(math.Round(float64(b.Dx())*scale)))
	sh := max(1, int(math.Round(float64(b.Dy())*scale)))

	scaled := imaging.Resize(img, min(sw, w), min(sh, h), imaging.Lanczos)
	canvas := imaging.New(w, h, n.config.Background)
	return imaging.PasteCenter(canvas, scaled)
}
