package model

import "github.com/buzzni/virtual-try-on/internal/domain/entities"

// Tasks understood by a remote model server.
const (
	TaskPose  = "pose"
	TaskWarp  = "warp"
	TaskBlend = "blend"
)

// InferenceRequest is the body of POST {endpoint}/infer. It is encoded with
// the backend's configured codec (json or msgpack).
type InferenceRequest struct {
	Task       string             `json:"task" msgpack:"task"`
	Images     []InferenceImage   `json:"images" msgpack:"images"`
	Pose       *PosePayload       `json:"pose,omitempty" msgpack:"pose,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty" msgpack:"parameters,omitempty"`
	// Garment carries the garment attributes (category, target, fit, ...)
	// for blend requests.
	Garment map[string]string `json:"garment,omitempty" msgpack:"garment,omitempty"`
}

// InferenceImage is one input image. Role is body, garment or warped.
type InferenceImage struct {
	Role     string `json:"role" msgpack:"role"`
	MimeType string `json:"mime_type" msgpack:"mime_type"`
	Data     []byte `json:"data" msgpack:"data"`
}

type PosePayload struct {
	Box        entities.BBox       `json:"box" msgpack:"box"`
	Landmarks  []entities.Landmark `json:"landmarks" msgpack:"landmarks"`
	Mask       []byte              `json:"mask,omitempty" msgpack:"mask,omitempty"`
	Confidence float64             `json:"confidence" msgpack:"confidence"`
}

// InferenceResponse carries either pose candidates or an image, depending
// on the task.
type InferenceResponse struct {
	ModelVersion string             `json:"model_version" msgpack:"model_version"`
	Candidates   []PosePayload      `json:"candidates,omitempty" msgpack:"candidates,omitempty"`
	Image        []byte             `json:"image,omitempty" msgpack:"image,omitempty"`
	Confidence   float64            `json:"confidence" msgpack:"confidence"`
	Usage        *entities.Usage    `json:"usage,omitempty" msgpack:"usage,omitempty"`
	Error        *InferenceErrorDTO `json:"error,omitempty" msgpack:"error,omitempty"`
}

type InferenceErrorDTO struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// VersionResponse is the body of GET {endpoint}/version.
type VersionResponse struct {
	Model   string `json:"model" msgpack:"model"`
	Version string `json:"version" msgpack:"version"`
}
