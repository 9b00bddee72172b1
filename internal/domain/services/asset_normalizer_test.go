package services

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

func newTestNormalizer(t *testing.T, fit FitPolicy) *AssetNormalizer {
	cfg := DefaultNormalizerConfig()
	cfg.Width, cfg.Height = 48, 64
	cfg.Fit = fit
	cfg.MaxBytes = 64 * 1024
	cfg.MaxPixels = 1000 * 1000
	n, err := NewAssetNormalizer(cfg)
	if err != nil {
		t.Fatalf("NewAssetNormalizer() error = %v", err)
	}
	return n
}

func TestAssetNormalizer_Normalize(t *testing.T) {
	n := newTestNormalizer(t, FitPad)

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, image.NewRGBA(image.Rect(0, 0, 20, 10)), nil); err != nil {
		t.Fatalf("Failed to create jpeg: %v", err)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{name: "png portrait", data: testPNG(t, 30, 90, color.NRGBA{R: 10, A: 255})},
		{name: "png smaller than canvas", data: testPNG(t, 4, 4, color.White)},
		{name: "jpeg landscape", data: jpg.Bytes()},
		{name: "empty", data: nil, wantErr: true},
		{name: "not an image", data: []byte("definitely not an image"), wantErr: true},
		{name: "truncated png", data: testPNG(t, 30, 30, color.White)[:40], wantErr: true},
		{name: "oversized bytes", data: make([]byte, 64*1024+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset, err := n.Normalize(tt.data, valueobjects.BodyAsset)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, failures.ErrInvalidAsset) {
					t.Errorf("Expected InvalidAsset, got %v", err)
				}
				return
			}

			if asset.Width != 48 || asset.Height != 64 {
				t.Errorf("canonical size = %dx%d, want 48x64", asset.Width, asset.Height)
			}
			cfg, format, err := image.DecodeConfig(bytes.NewReader(asset.Data))
			if err != nil {
				t.Fatalf("canonical bytes do not decode: %v", err)
			}
			if format != "png" || cfg.Width != 48 || cfg.Height != 64 {
				t.Errorf("canonical image = %s %dx%d", format, cfg.Width, cfg.Height)
			}
			if asset.ContentHash != valueobjects.ContentHash(tt.data) {
				t.Errorf("ContentHash does not match source bytes")
			}
			if asset.ColorProfile != "sRGB" {
				t.Errorf("ColorProfile = %q", asset.ColorProfile)
			}
		})
	}
}

func TestAssetNormalizer_Deterministic(t *testing.T) {
	data := testPNG(t, 37, 81, color.NRGBA{R: 120, G: 30, B: 200, A: 255})

	for _, fit := range []FitPolicy{FitPad, FitCrop} {
		t.Run(string(fit), func(t *testing.T) {
			// separate instances so the memo cannot hide nondeterminism
			a, err := newTestNormalizer(t, fit).Normalize(data, valueobjects.GarmentAsset)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			b, err := newTestNormalizer(t, fit).Normalize(data, valueobjects.GarmentAsset)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if !bytes.Equal(a.Data, b.Data) || a.ContentHash != b.ContentHash {
				t.Errorf("normalization is not deterministic")
			}
		})
	}
}

func TestAssetNormalizer_PixelLimit(t *testing.T) {
	cfg := DefaultNormalizerConfig()
	cfg.MaxPixels = 100
	n, err := NewAssetNormalizer(cfg)
	if err != nil {
		t.Fatalf("NewAssetNormalizer() error = %v", err)
	}

	_, err = n.Normalize(testPNG(t, 20, 20, color.White), valueobjects.BodyAsset)
	if !errors.Is(err, failures.ErrInvalidAsset) {
		t.Errorf("Expected InvalidAsset for 400 pixel image, got %v", err)
	}
}

func TestNewAssetNormalizer_InvalidConfig(t *testing.T) {
	cfg := DefaultNormalizerConfig()
	cfg.Fit = "stretch"
	if _, err := NewAssetNormalizer(cfg); err == nil {
		t.Errorf("Expected error for unknown fit policy")
	}

	cfg = DefaultNormalizerConfig()
	cfg.Width = 0
	if _, err := NewAssetNormalizer(cfg); err == nil {
		t.Errorf("Expected error for zero width")
	}
}
