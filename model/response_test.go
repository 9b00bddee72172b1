package model

import (
	"encoding/json"
	"testing"
)

const virtualTryOnResponseJSON = `{
  "predictions": [
    {
      "mimeType": "image/png",
      "bytesBase64Encoded": "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChAI9jz22jQAAAABJRU5ErkJggg=="
    }
  ]
}`

func TestVirtualTryOnResponseParsing(t *testing.T) {
	var response VirtualTryOnResponse
	err := json.Unmarshal([]byte(virtualTryOnResponseJSON), &response)
	if err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}

	if len(response.Predictions) == 0 {
		t.Fatal("Expected at least one prediction in response")
	}

	firstPrediction := response.Predictions[0]

	expectedMimeType := "image/png"
	if firstPrediction.MimeType != expectedMimeType {
		t.Errorf("Expected MimeType to be %s, got %s", expectedMimeType, firstPrediction.MimeType)
	}

	if len(firstPrediction.BytesBase64Encoded) < 10 {
		t.Error("Expected BytesBase64Encoded to contain substantial data")
	}
}

func TestVirtualTryOnRequestOmitsUnsetOptions(t *testing.T) {
	req := VirtualTryOnRequest{
		Instances: []VirtualTryOnInstance{{
			PersonImage:   ImageInstance{Image: EncodedImage{BytesBase64Encoded: "cGVyc29u"}},
			ProductImages: []ImageInstance{{Image: EncodedImage{BytesBase64Encoded: "Z2FybWVudA=="}}},
		}},
		Parameters: VirtualTryOnParameters{
			SampleCount:   1,
			OutputOptions: OutputOptions{MimeType: "image/png"},
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal JSON: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}

	var params map[string]interface{}
	if err := json.Unmarshal(raw["parameters"], &params); err != nil {
		t.Fatalf("parameters is not an object: %v", err)
	}
	if _, ok := params["seed"]; ok {
		t.Error("seed should be omitted when zero")
	}
	outputOptions := params["outputOptions"].(map[string]interface{})
	if _, ok := outputOptions["compressionQuality"]; ok {
		t.Error("compressionQuality should be omitted when zero")
	}
}
