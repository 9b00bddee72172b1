package entities

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

// Fingerprint is the cache key of a composite. Two requests share an entry
// only when both source images, every model version and the render options
// are identical.
func Fingerprint(bodyHash, garmentHash string, versions valueobjects.ModelVersionSet, renderDigest string) string {
	h := sha256.New()
	for _, part := range []string{bodyHash, garmentHash, versions.String(), renderDigest} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RequestFingerprint computes the fingerprint of request under versions.
func RequestFingerprint(request *TryOnRequest, versions valueobjects.ModelVersionSet) string {
	return Fingerprint(
		request.BodyImage().Hash(),
		request.GarmentImage().Hash(),
		versions,
		request.Options().RenderDigest(),
	)
}
