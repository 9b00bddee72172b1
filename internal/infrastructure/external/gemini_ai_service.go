package external

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

const defaultGeminiImageModel = "gemini-2.5-flash-image"

// product photos of swimwear and underwear trip the default filters
var geminiSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdOff},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdOff},
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdOff},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdOff},
}

// GeminiPricing is USD per million tokens.
type GeminiPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

type GeminiAIConfig struct {
	Model   string
	Pricing GeminiPricing
	// Confidence is reported for every result; the API returns no quality
	// score.
	Confidence float64
}

// GeminiAIService blends with a Gemini image model through google.golang.org/genai.
type GeminiAIService struct {
	config GeminiAIConfig
	pool   repositories.GenAIClientPool
	logger *slog.Logger
}

var _ repositories.Blender = (*GeminiAIService)(nil)

func NewGeminiAIService(config GeminiAIConfig, pool repositories.GenAIClientPool, logger *slog.Logger) *GeminiAIService {
	if config.Model == "" {
		config.Model = defaultGeminiImageModel
	}
	if config.Confidence == 0 {
		config.Confidence = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiAIService{
		config: config,
		pool:   pool,
		logger: logger.With("backend", "gemini", "gemini_model", config.Model),
	}
}

func (s *GeminiAIService) Version(context.Context) (string, error) {
	return s.config.Model, nil
}

func (s *GeminiAIService) Blend(ctx context.Context, input repositories.BlendInput) (*entities.BlendedImage, error) {
	client, err := s.pool.GetGenAIClient(ctx)
	if err != nil {
		return nil, failures.Wrap(failures.ModelUnavailable, err, "genai client unavailable")
	}

	contents, config := s.buildRequest(input)

	resp, err := client.Models.GenerateContent(ctx, s.config.Model, contents, config)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failures.Wrap(failures.ModelUnavailable, err, "failed to generate content")
	}

	return s.parseResponse(resp)
}

func (s *GeminiAIService) buildRequest(input repositories.BlendInput) ([]*genai.Content, *genai.GenerateContentConfig) {
	var garment *valueobjects.GarmentAttributes
	if input.Options != nil {
		garment = input.Options.Garment()
	}
	prompt := assembleBlendPrompt(garment, aspectRatio(input.Options))

	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(input.Body.Data, "image/png"),
		genai.NewPartFromBytes(input.Garment.Data, "image/png"),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
		SafetySettings:     geminiSafetySettings,
	}
	if input.Options != nil && input.Options.Temperature() > 0 {
		config.Temperature = genai.Ptr(float32(input.Options.Temperature()))
	}
	return contents, config
}

func (s *GeminiAIService) parseResponse(resp *genai.GenerateContentResponse) (*entities.BlendedImage, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, failures.New(failures.ModelUnavailable, "no candidates in response")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			s.logger.Debug("gemini image received", "mime_type", part.InlineData.MIMEType, "size", len(part.InlineData.Data))
			return &entities.BlendedImage{
				Data:       part.InlineData.Data,
				Confidence: s.config.Confidence,
				Usage:      s.usage(resp.UsageMetadata),
			}, nil
		}
		if part.Text != "" {
			text = part.Text
		}
	}

	// a text-only answer is the model refusing this input
	s.logger.Warn("no image data in response", "response_text", text)
	return nil, failures.New(failures.InvalidAsset, "model returned no image: %s", truncate(text, 200))
}

func (s *GeminiAIService) usage(meta *genai.GenerateContentResponseUsageMetadata) *entities.Usage {
	if meta == nil {
		return nil
	}
	u := &entities.Usage{
		PromptTokens:    int(meta.PromptTokenCount),
		CandidateTokens: int(meta.CandidatesTokenCount),
		TotalTokens:     int(meta.TotalTokenCount),
	}
	u.CostUSD = (float64(u.PromptTokens)*s.config.Pricing.InputPerMillion +
		float64(u.CandidateTokens)*s.config.Pricing.OutputPerMillion) / 1e6
	return u
}

func (p GeminiPricing) String() string {
	return fmt.Sprintf("in=$%.2f/M out=$%.2f/M", p.InputPerMillion, p.OutputPerMillion)
}
