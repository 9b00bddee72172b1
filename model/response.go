package model

// VirtualTryOnRequest is the :predict body of the Vertex AI Virtual Try-On model.
type VirtualTryOnRequest struct {
	Instances  []VirtualTryOnInstance `json:"instances"`
	Parameters VirtualTryOnParameters `json:"parameters"`
}

type VirtualTryOnInstance struct {
	PersonImage   ImageInstance   `json:"personImage"`
	ProductImages []ImageInstance `json:"productImages"`
}

type ImageInstance struct {
	Image EncodedImage `json:"image"`
}

type EncodedImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
}

type VirtualTryOnParameters struct {
	SampleCount   int           `json:"sampleCount"`
	AddWatermark  bool          `json:"addWatermark"`
	BaseSteps     int           `json:"baseSteps,omitempty"`
	Seed          int64         `json:"seed,omitempty"`
	OutputOptions OutputOptions `json:"outputOptions"`
}

type OutputOptions struct {
	MimeType           string `json:"mimeType"`
	CompressionQuality int    `json:"compressionQuality,omitempty"`
}

// VirtualTryOnResponse represents the response structure from Google's Virtual Try-On API
type VirtualTryOnResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// Prediction represents a single prediction result
type Prediction struct {
	MimeType           string `json:"mimeType"`
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	// remaining metadata fields
	SafetyAttributes map[string]interface{} `json:"safetyAttributes,omitempty"`
}
