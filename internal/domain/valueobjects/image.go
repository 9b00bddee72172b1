package valueobjects

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

type ImageFormat string

const (
	JPEG ImageFormat = "jpeg"
	PNG  ImageFormat = "png"
	GIF  ImageFormat = "gif"
	WEBP ImageFormat = "webp"
)

// AssetKind tells the normalizer which input slot an image came from.
type AssetKind string

const (
	BodyAsset    AssetKind = "body"
	GarmentAsset AssetKind = "garment"
)

// ImageData is a raw submitted image. It is immutable once created.
type ImageData struct {
	data   []byte
	format ImageFormat
	hash   string
}

func NewImageData(data []byte) (*ImageData, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image data cannot be empty")
	}

	format, err := detectFormat(data)
	if err != nil {
		return nil, fmt.Errorf("unsupported image format: %w", err)
	}

	return &ImageData{
		data:   data,
		format: format,
		hash:   ContentHash(data),
	}, nil
}

// RawImage wraps submitted bytes without validating them. Validation is the
// normalizer's job so that bad input still gets a request ID and an outcome.
func RawImage(data []byte) *ImageData {
	format, _ := detectFormat(data)
	return &ImageData{
		data:   data,
		format: format,
		hash:   ContentHash(data),
	}
}

func (i *ImageData) Data() []byte {
	return i.data
}

func (i *ImageData) Format() ImageFormat {
	return i.format
}

func (i *ImageData) MimeType() string {
	if i.format == "" {
		return "application/octet-stream"
	}
	return "image/" + string(i.format)
}

// Hash is the hex SHA-256 of the submitted bytes.
func (i *ImageData) Hash() string {
	return i.hash
}

func (i *ImageData) Size() int {
	return len(i.data)
}

func (i *ImageData) ToBase64() string {
	return base64.StdEncoding.EncodeToString(i.data)
}

// ContentHash returns the hex SHA-256 digest of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func detectFormat(data []byte) (ImageFormat, error) {
	reader := bytes.NewReader(data)
	_, format, err := image.DecodeConfig(reader)
	if err != nil {
		return "", err
	}

	switch format {
	case "jpeg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "gif":
		return GIF, nil
	case "webp":
		return WEBP, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}
