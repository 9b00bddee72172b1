package entities

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

const ColorProfileSRGB = "sRGB"

// NormalizedAsset is an input image in canonical form: fixed resolution,
// 8-bit NRGBA, sRGB, encoded as PNG.
type NormalizedAsset struct {
	SourceRef    string
	Kind         valueobjects.AssetKind
	Data         []byte
	Width        int
	Height       int
	ColorProfile string
	ContentHash  string
}

// Landmark is one keypoint in canonical image coordinates.
type Landmark struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// BBox is an axis-aligned box in canonical image coordinates.
type BBox struct {
	X1 float64 `json:"x1" msgpack:"x1"`
	Y1 float64 `json:"y1" msgpack:"y1"`
	X2 float64 `json:"x2" msgpack:"x2"`
	Y2 float64 `json:"y2" msgpack:"y2"`
}

func (b BBox) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU is the intersection-over-union of two boxes.
func (b BBox) IoU(o BBox) float64 {
	inter := BBox{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// PoseCandidate is one body hypothesis returned by a pose estimator.
type PoseCandidate struct {
	Box        BBox
	Landmarks  []Landmark
	Mask       []byte
	Confidence float64

	// LowConfidence is set by the inference client when Confidence falls
	// under the stage threshold.
	LowConfidence bool
}

// PoseEstimate is the selected single-person pose for a body asset.
type PoseEstimate struct {
	BodyHash             string
	ModelVersion         string
	Box                  BBox
	Landmarks            []Landmark
	BodySegmentationMask []byte
	Confidence           float64
	LowConfidence        bool

	hash string
}

func NewPoseEstimate(bodyHash, modelVersion string, candidate PoseCandidate) *PoseEstimate {
	p := &PoseEstimate{
		BodyHash:             bodyHash,
		ModelVersion:         modelVersion,
		Box:                  candidate.Box,
		Landmarks:            candidate.Landmarks,
		BodySegmentationMask: candidate.Mask,
		Confidence:           candidate.Confidence,
		LowConfidence:        candidate.LowConfidence,
	}
	p.hash = p.digest()
	return p
}

// Hash identifies this pose instance. Warps are only valid for the pose hash
// they were computed against.
func (p *PoseEstimate) Hash() string {
	return p.hash
}

func (p *PoseEstimate) digest() string {
	h := sha256.New()
	h.Write([]byte(p.BodyHash))
	h.Write([]byte{0})
	h.Write([]byte(p.ModelVersion))
	h.Write([]byte{0})
	var buf [8]byte
	for _, lm := range p.Landmarks {
		for _, f := range []float64{lm.X, lm.Y, lm.Confidence} {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
			h.Write(buf[:])
		}
	}
	h.Write(p.BodySegmentationMask)
	return hex.EncodeToString(h.Sum(nil))
}

// WarpedGarment is a garment image deformed to fit one specific pose.
type WarpedGarment struct {
	GarmentRef     string
	TargetPoseHash string
	Data           []byte
	WarpConfidence float64
	LowConfidence  bool
}

// Usage is token accounting reported by generative blend backends.
type Usage struct {
	PromptTokens    int     `json:"prompt_tokens" msgpack:"prompt_tokens"`
	CandidateTokens int     `json:"candidate_tokens" msgpack:"candidate_tokens"`
	TotalTokens     int     `json:"total_tokens" msgpack:"total_tokens"`
	CostUSD         float64 `json:"cost_usd" msgpack:"cost_usd"`
}

// BlendedImage is the output of the blend stage, before post-processing.
type BlendedImage struct {
	Data          []byte
	Confidence    float64
	LowConfidence bool
	Usage         *Usage
	Fallback      bool
}
