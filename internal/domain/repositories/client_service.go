package repositories

import (
	"context"

	"cloud.google.com/go/vertexai/genai"
	genai_std "google.golang.org/genai"
)

// AIClientConfig is shared by every AI client pool.
type AIClientConfig struct {
	ProjectID    string
	Location     string
	GeminiAPIKey string
}

// VertexAIClientPool serves the Vertex try-on blend in SDK mode.
type VertexAIClientPool interface {
	GetVertexAIClient(ctx context.Context) (*genai.Client, error)

	Close() error
}

// GenAIClientPool serves the Gemini blend.
type GenAIClientPool interface {
	GetGenAIClient(ctx context.Context) (*genai_std.Client, error)

	Close() error
}

// ClientPoolService owns every AI client pool.
type ClientPoolService interface {
	VertexAIPool() VertexAIClientPool

	GenAIPool() GenAIClientPool

	Config() *AIClientConfig

	Close() error
}
