package external

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/model"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// vertexConfidence is reported for every Vertex result; the API returns no
// quality score.
const vertexConfidence = 1.0

type VertexAIConfig struct {
	ProjectID string
	Location  string
	VTOModel  string
	UseSDK    bool
	Timeout   time.Duration
	// BaseURL overrides the regional endpoint.
	BaseURL string
}

// VertexAIService blends with the Vertex AI Virtual Try-On model, either by
// calling :predict over REST or through the Vertex AI SDK.
type VertexAIService struct {
	config VertexAIConfig
	pool   repositories.VertexAIClientPool
	http   *resty.Client
	logger *slog.Logger

	tokenMu     sync.Mutex
	tokenSource oauth2.TokenSource
}

var _ repositories.Blender = (*VertexAIService)(nil)

func NewVertexAIService(config VertexAIConfig, pool repositories.VertexAIClientPool, logger *slog.Logger) (*VertexAIService, error) {
	if config.ProjectID == "" || config.Location == "" || config.VTOModel == "" {
		return nil, fmt.Errorf("vertex blend requires project, location and model")
	}
	if config.UseSDK && pool == nil {
		return nil, fmt.Errorf("vertex SDK mode requires a client pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", config.Location)
	}
	client := resty.New().SetBaseURL(baseURL)
	if config.Timeout > 0 {
		client.SetTimeout(config.Timeout)
	}

	return &VertexAIService{
		config: config,
		pool:   pool,
		http:   client,
		logger: logger.With("backend", "vertex", "vto_model", config.VTOModel),
	}, nil
}

// Version is the model ID; Vertex versions its models by name.
func (s *VertexAIService) Version(context.Context) (string, error) {
	return s.config.VTOModel, nil
}

func (s *VertexAIService) Blend(ctx context.Context, input repositories.BlendInput) (*entities.BlendedImage, error) {
	if s.config.UseSDK {
		return s.blendWithSDK(ctx, input)
	}
	return s.blendWithREST(ctx, input)
}

func (s *VertexAIService) blendWithSDK(ctx context.Context, input repositories.BlendInput) (*entities.BlendedImage, error) {
	client, err := s.pool.GetVertexAIClient(ctx)
	if err != nil {
		return nil, failures.Wrap(failures.ModelUnavailable, err, "vertex client unavailable")
	}
	gm := client.GenerativeModel(s.config.VTOModel)

	prompt := []genai.Part{
		genai.Text("person:"),
		genai.ImageData("png", input.Body.Data),
		genai.Text("garment:"),
		genai.ImageData("png", input.Garment.Data),
	}

	gm.SetTemperature(temperature(input.Options, 0.4))
	gm.SetTopK(32)
	gm.SetTopP(1)
	gm.ResponseMIMEType = string(valueobjects.MimeTypePNG)

	resp, err := gm.GenerateContent(ctx, prompt...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failures.Wrap(failures.ModelUnavailable, err, "failed to generate content")
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, failures.New(failures.ModelUnavailable, "no candidates in response")
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if blob, ok := part.(genai.Blob); ok && len(blob.Data) > 0 {
			return &entities.BlendedImage{Data: blob.Data, Confidence: vertexConfidence}, nil
		}
	}
	return nil, failures.New(failures.ModelUnavailable, "no image found in response")
}

func (s *VertexAIService) blendWithREST(ctx context.Context, input repositories.BlendInput) (*entities.BlendedImage, error) {
	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, failures.Wrap(failures.ModelUnavailable, err, "failed to get access token")
	}

	outputOptions := model.OutputOptions{MimeType: string(valueobjects.MimeTypePNG)}
	request := model.VirtualTryOnRequest{
		Instances: []model.VirtualTryOnInstance{{
			PersonImage: model.ImageInstance{Image: model.EncodedImage{
				BytesBase64Encoded: base64.StdEncoding.EncodeToString(input.Body.Data),
			}},
			ProductImages: []model.ImageInstance{{Image: model.EncodedImage{
				BytesBase64Encoded: base64.StdEncoding.EncodeToString(input.Garment.Data),
			}}},
		}},
		Parameters: model.VirtualTryOnParameters{
			SampleCount:   1,
			AddWatermark:  false,
			OutputOptions: outputOptions,
		},
	}

	path := fmt.Sprintf("/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		s.config.ProjectID, s.config.Location, s.config.VTOModel)

	var predictions model.VirtualTryOnResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(request).
		SetResult(&predictions).
		Post(path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failures.Wrap(failures.ModelUnavailable, err, "failed to send request")
	}
	if resp.StatusCode() != http.StatusOK {
		s.logger.Warn("vertex predict failed", "status", resp.StatusCode())
		return nil, statusError(valueobjects.BlendModel, resp.StatusCode(), truncate(resp.String(), 256))
	}

	for _, prediction := range predictions.Predictions {
		if prediction.BytesBase64Encoded == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(prediction.BytesBase64Encoded)
		if err != nil {
			continue
		}
		return &entities.BlendedImage{Data: data, Confidence: vertexConfidence}, nil
	}
	return nil, failures.New(failures.ModelUnavailable, "no valid image data found in response")
}

func (s *VertexAIService) accessToken(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.tokenSource == nil {
		creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
		if err != nil {
			return "", fmt.Errorf("failed to find default credentials: %w", err)
		}
		s.tokenSource = creds.TokenSource
	}

	token, err := s.tokenSource.Token()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// SetTokenSource replaces the default credentials lookup.
func (s *VertexAIService) SetTokenSource(ts oauth2.TokenSource) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.tokenSource = ts
}

func temperature(options *valueobjects.TryOnOptions, fallback float32) float32 {
	if options == nil || options.Temperature() == 0 {
		return fallback
	}
	return float32(options.Temperature())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
