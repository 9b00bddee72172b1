package external

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/model"
)

type RemoteModelConfig struct {
	Key      valueobjects.ModelKey
	Endpoint string
	Codec    string
	// Timeout caps a single HTTP exchange. The inference client applies the
	// per-stage timeout on top of it.
	Timeout time.Duration
}

// RemoteModelService talks to a generic HTTP model server. One instance
// serves whichever stage it is configured for.
type RemoteModelService struct {
	key    valueobjects.ModelKey
	client *resty.Client
	codec  Codec
	logger *slog.Logger
}

var (
	_ repositories.PoseEstimator = (*RemoteModelService)(nil)
	_ repositories.GarmentWarper = (*RemoteModelService)(nil)
	_ repositories.Blender       = (*RemoteModelService)(nil)
)

func NewRemoteModelService(cfg RemoteModelConfig, logger *slog.Logger) (*RemoteModelService, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%s model: endpoint is required", cfg.Key)
	}
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("%s model: %w", cfg.Key, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetHeader("Accept", codec.ContentType())
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &RemoteModelService{
		key:    cfg.Key,
		client: client,
		codec:  codec,
		logger: logger.With("model", cfg.Key, "endpoint", cfg.Endpoint),
	}, nil
}

func (s *RemoteModelService) Version(ctx context.Context) (string, error) {
	resp, err := s.client.R().SetContext(ctx).Get("/version")
	if err != nil {
		return "", failures.Wrap(failures.ModelUnavailable, err, "%s version request failed", s.key)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", statusError(s.key, resp.StatusCode(), s.errorMessage(resp.Body()))
	}

	var version model.VersionResponse
	if err := s.codec.Unmarshal(resp.Body(), &version); err != nil {
		return "", failures.Wrap(failures.ModelUnavailable, err, "%s version response is malformed", s.key)
	}
	return version.Version, nil
}

func (s *RemoteModelService) EstimatePose(ctx context.Context, body *entities.NormalizedAsset) ([]entities.PoseCandidate, error) {
	resp, err := s.infer(ctx, &model.InferenceRequest{
		Task:   model.TaskPose,
		Images: []model.InferenceImage{inferenceImage("body", body)},
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]entities.PoseCandidate, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		candidates = append(candidates, entities.PoseCandidate{
			Box:        c.Box,
			Landmarks:  c.Landmarks,
			Mask:       c.Mask,
			Confidence: c.Confidence,
		})
	}
	return candidates, nil
}

func (s *RemoteModelService) WarpGarment(ctx context.Context, garment *entities.NormalizedAsset, pose *entities.PoseEstimate) (*entities.WarpedGarment, error) {
	resp, err := s.infer(ctx, &model.InferenceRequest{
		Task:   model.TaskWarp,
		Images: []model.InferenceImage{inferenceImage("garment", garment)},
		Pose:   posePayload(pose),
	})
	if err != nil {
		return nil, err
	}
	return &entities.WarpedGarment{Data: resp.Image, WarpConfidence: resp.Confidence}, nil
}

func (s *RemoteModelService) Blend(ctx context.Context, input repositories.BlendInput) (*entities.BlendedImage, error) {
	req := &model.InferenceRequest{
		Task: model.TaskBlend,
		Images: []model.InferenceImage{inferenceImage("body", input.Body)},
		Pose:   posePayload(input.Pose),
	}
	if input.Warped != nil {
		req.Images = append(req.Images, model.InferenceImage{
			Role:     "warped",
			MimeType: string(valueobjects.MimeTypePNG),
			Data:     input.Warped.Data,
		})
	}
	if input.Options != nil {
		if input.Options.Temperature() > 0 {
			req.Parameters = map[string]float64{"temperature": input.Options.Temperature()}
		}
		req.Garment = input.Options.Garment().Map()
	}

	resp, err := s.infer(ctx, req)
	if err != nil {
		return nil, err
	}
	return &entities.BlendedImage{Data: resp.Image, Confidence: resp.Confidence, Usage: resp.Usage}, nil
}

func (s *RemoteModelService) infer(ctx context.Context, req *model.InferenceRequest) (*model.InferenceResponse, error) {
	payload, err := s.codec.Marshal(req)
	if err != nil {
		return nil, failures.Wrap(failures.InternalError, err, "failed to encode %s request", req.Task)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", s.codec.ContentType()).
		SetBody(payload).
		Post("/infer")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failures.Wrap(failures.ModelUnavailable, err, "%s request failed", s.key)
	}

	if resp.StatusCode() != http.StatusOK {
		s.logger.Warn("model server returned an error", "status", resp.StatusCode(), "task", req.Task)
		return nil, statusError(s.key, resp.StatusCode(), s.errorMessage(resp.Body()))
	}

	var out model.InferenceResponse
	if err := s.codec.Unmarshal(resp.Body(), &out); err != nil {
		return nil, failures.Wrap(failures.ModelUnavailable, err, "%s response is malformed", s.key)
	}
	if out.Error != nil {
		return nil, failures.New(codeFromString(out.Error.Code), "%s: %s", s.key, out.Error.Message)
	}
	return &out, nil
}

func (s *RemoteModelService) errorMessage(body []byte) string {
	var out model.InferenceResponse
	if err := s.codec.Unmarshal(body, &out); err == nil && out.Error != nil {
		return out.Error.Message
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}

// statusError maps a model server's HTTP status onto a reason code.
func statusError(key valueobjects.ModelKey, status int, message string) error {
	var code failures.ReasonCode
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = failures.InvalidAsset
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = failures.ModelTimeout
	default:
		code = failures.ModelUnavailable
	}
	return failures.New(code, "%s model returned %d: %s", key, status, message)
}

func codeFromString(code string) failures.ReasonCode {
	switch failures.ReasonCode(code) {
	case failures.InvalidAsset, failures.ModelTimeout, failures.ModelUnavailable:
		return failures.ReasonCode(code)
	}
	return failures.ModelUnavailable
}

func inferenceImage(role string, asset *entities.NormalizedAsset) model.InferenceImage {
	return model.InferenceImage{Role: role, MimeType: string(valueobjects.MimeTypePNG), Data: asset.Data}
}

func posePayload(pose *entities.PoseEstimate) *model.PosePayload {
	if pose == nil {
		return nil
	}
	return &model.PosePayload{
		Box:        pose.Box,
		Landmarks:  pose.Landmarks,
		Mask:       pose.BodySegmentationMask,
		Confidence: pose.Confidence,
	}
}
