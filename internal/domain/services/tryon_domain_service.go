package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

// PipelinePolicy is the per-deployment behavior of the orchestrator.
type PipelinePolicy struct {
	PoseSelection entities.PoseSelectionPolicy
	BlendFallback bool
	PoseMemoSize  int
}

func DefaultPipelinePolicy() PipelinePolicy {
	return PipelinePolicy{
		PoseSelection: entities.DefaultPoseSelectionPolicy(),
		PoseMemoSize:  256,
	}
}

// TryOnDomainService sequences the compositing pipeline for one request:
// cache lookup, then normalize, pose, warp, blend and post-process.
type TryOnDomainService struct {
	normalizer *AssetNormalizer
	compositor *Compositor
	inference  repositories.InferenceClient
	cache      repositories.ResultCache
	scheduler  repositories.Scheduler
	policy     PipelinePolicy
	poseMemo   *lru.Cache[string, *entities.PoseEstimate]
	logger     *slog.Logger
}

func NewTryOnDomainService(
	normalizer *AssetNormalizer,
	compositor *Compositor,
	inference repositories.InferenceClient,
	cache repositories.ResultCache,
	scheduler repositories.Scheduler,
	policy PipelinePolicy,
	logger *slog.Logger,
) (*TryOnDomainService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TryOnDomainService{
		normalizer: normalizer,
		compositor: compositor,
		inference:  inference,
		cache:      cache,
		scheduler:  scheduler,
		policy:     policy,
		logger:     logger,
	}
	if policy.PoseMemoSize > 0 {
		memo, err := lru.New[string, *entities.PoseEstimate](policy.PoseMemoSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create pose memo: %w", err)
		}
		s.poseMemo = memo
	}
	return s, nil
}

// ProcessTryOn runs request to a terminal outcome. observe, if not nil, sees
// every stage the request enters, including Done or Failed.
func (s *TryOnDomainService) ProcessTryOn(ctx context.Context, request *entities.TryOnRequest, observe entities.StageObserver) (*entities.CompositeResult, error) {
	if observe == nil {
		observe = func(entities.Stage) {}
	}
	logger := s.logger.With("request_id", request.ID())

	versions := s.inference.ActiveVersions()
	if err := checkPins(request.Options(), versions); err != nil {
		observe(entities.StageFailed)
		return nil, failures.At(string(entities.StageReceived), err)
	}

	fingerprint := entities.RequestFingerprint(request, versions)

	cached, hit, err := s.cache.Get(ctx, fingerprint, versions)
	if err != nil {
		logger.Error("result cache corrupt", "fingerprint", fingerprint, "error", err)
		observe(entities.StageFailed)
		return nil, failures.At(string(entities.StageReceived), err)
	}
	if hit {
		result := cached.Clone()
		result.RequestID = request.ID()
		result.CacheHit = true
		result.Coalesced = false
		observe(entities.StageDone)
		logger.Info("try-on served from cache", "fingerprint", fingerprint)
		return result, nil
	}

	compute := func(ctx context.Context, notify entities.StageObserver) (*entities.CompositeResult, error) {
		return s.runPipeline(ctx, request, versions, fingerprint, notify)
	}

	result, shared, err := s.cache.Do(ctx, fingerprint, observe, compute)
	if err != nil {
		return nil, err
	}

	out := result.Clone()
	out.RequestID = request.ID()
	out.Coalesced = shared
	return out, nil
}

func checkPins(options *valueobjects.TryOnOptions, active valueobjects.ModelVersionSet) error {
	for key, pinned := range options.ModelPins() {
		if current := active.Version(key); current != pinned {
			return failures.New(failures.ModelUnavailable,
				"%s model %s is not served (active version %s)", key, pinned, current)
		}
	}
	return nil
}

type pipelineRun struct {
	machine     *entities.StageMachine
	notify      entities.StageObserver
	timings     map[entities.Stage]time.Duration
	warnings    []string
	confidences []float64
	logger      *slog.Logger
}

func (r *pipelineRun) enter(stage entities.Stage) error {
	if err := r.machine.Advance(stage); err != nil {
		return failures.Wrap(failures.InternalError, err, "orchestrator state machine violated")
	}
	r.notify(stage)
	return nil
}

func (r *pipelineRun) fail(err error) error {
	stage := r.machine.Current()
	ferr := failures.At(string(stage), err)
	_ = r.machine.Advance(entities.StageFailed)
	r.notify(entities.StageFailed)

	if ferr.Code == failures.InternalError {
		r.logger.Error("try-on failed", "stage", stage, "error", ferr)
	} else {
		r.logger.Warn("try-on failed", "stage", stage, "reason", ferr.Code, "error", ferr)
	}
	return ferr
}

// timed runs fn inside stage and records its duration.
func (r *pipelineRun) timed(stage entities.Stage, fn func() error) error {
	if err := r.enter(stage); err != nil {
		return err
	}
	start := time.Now()
	err := fn()
	r.timings[stage] = time.Since(start)
	return err
}

func (r *pipelineRun) flag(stage entities.Stage, lowConfidence bool, confidence float64) {
	r.confidences = append(r.confidences, confidence)
	if lowConfidence {
		r.warnings = append(r.warnings, entities.LowConfidenceWarning(stage))
		r.logger.Warn("low confidence stage output", "stage", stage, "confidence", confidence)
	}
}

func (s *TryOnDomainService) runPipeline(
	ctx context.Context,
	request *entities.TryOnRequest,
	versions valueobjects.ModelVersionSet,
	fingerprint string,
	notify entities.StageObserver,
) (*entities.CompositeResult, error) {
	run := &pipelineRun{
		machine: entities.NewStageMachine(),
		notify:  notify,
		timings: make(map[entities.Stage]time.Duration),
		logger:  s.logger.With("request_id", request.ID(), "fingerprint", fingerprint),
	}

	var body, garment *entities.NormalizedAsset
	err := run.timed(entities.StageNormalizing, func() error {
		var err error
		if body, err = s.normalizer.Normalize(request.BodyImage().Data(), valueobjects.BodyAsset); err != nil {
			return err
		}
		garment, err = s.normalizer.Normalize(request.GarmentImage().Data(), valueobjects.GarmentAsset)
		return err
	})
	if err != nil {
		return nil, run.fail(err)
	}

	var pose *entities.PoseEstimate
	err = run.timed(entities.StagePoseEstimating, func() error {
		var err error
		pose, err = s.estimatePose(ctx, body, versions.Version(valueobjects.PoseModel))
		return err
	})
	if err != nil {
		return nil, run.fail(err)
	}
	run.flag(entities.StagePoseEstimating, pose.LowConfidence, pose.Confidence)

	var warped *entities.WarpedGarment
	err = run.timed(entities.StageWarping, func() error {
		var err error
		if warped, err = s.inference.WarpGarment(ctx, garment, pose); err != nil {
			return err
		}
		if warped.TargetPoseHash != pose.Hash() {
			return failures.New(failures.InternalError, "warped garment computed for pose %s, expected %s", warped.TargetPoseHash, pose.Hash())
		}
		return nil
	})
	if err != nil {
		return nil, run.fail(err)
	}
	run.flag(entities.StageWarping, warped.LowConfidence, warped.WarpConfidence)

	var blended *entities.BlendedImage
	err = run.timed(entities.StageBlending, func() error {
		var err error
		blended, err = s.blend(ctx, run, body, garment, warped, pose, request.Options())
		return err
	})
	if err != nil {
		return nil, run.fail(err)
	}
	run.flag(entities.StageBlending, blended.LowConfidence, blended.Confidence)

	var result *entities.CompositeResult
	err = run.timed(entities.StagePostProcessing, func() error {
		permit, err := s.scheduler.Acquire(ctx, repositories.CPUClass)
		if err != nil {
			return err
		}
		defer s.scheduler.Release(permit)

		image, width, height, err := s.compositor.Render(blended.Data, request.Options())
		if err != nil {
			return failures.Wrap(failures.InternalError, err, "post-processing failed")
		}

		result = &entities.CompositeResult{
			RequestID:         request.ID(),
			Image:             image,
			MimeType:          request.Options().OutputMimeType(),
			Width:             width,
			Height:            height,
			OverallConfidence: minConfidence(run.confidences),
			Warnings:          run.warnings,
			ModelVersions:     versions.Clone(),
			Fingerprint:       fingerprint,
			Usage:             blended.Usage,
		}
		return nil
	})
	if err != nil {
		return nil, run.fail(err)
	}
	result.StageTimings = run.timings

	// A cancelled run must never write the cache.
	if err := ctx.Err(); err != nil {
		return nil, run.fail(err)
	}
	if !blended.Fallback {
		if err := s.cache.Put(ctx, fingerprint, result); err != nil {
			run.logger.Warn("result not cached", "error", err)
		}
	}

	if err := run.enter(entities.StageDone); err != nil {
		return nil, run.fail(err)
	}
	run.logger.Info("try-on completed",
		"confidence", result.OverallConfidence,
		"warnings", result.Warnings,
		"versions", versions.String())
	return result, nil
}

func (s *TryOnDomainService) estimatePose(ctx context.Context, body *entities.NormalizedAsset, version string) (*entities.PoseEstimate, error) {
	memoKey := body.ContentHash + "|" + version
	if s.poseMemo != nil {
		if pose, ok := s.poseMemo.Get(memoKey); ok {
			return pose, nil
		}
	}

	raw, err := s.inference.EstimatePose(ctx, body)
	if err != nil {
		return nil, err
	}
	candidate, err := entities.SelectPose(raw.Candidates, s.policy.PoseSelection)
	if err != nil {
		return nil, err
	}

	pose := entities.NewPoseEstimate(body.ContentHash, raw.ModelVersion, candidate)
	if s.poseMemo != nil && raw.ModelVersion == version {
		s.poseMemo.Add(memoKey, pose)
	}
	return pose, nil
}

func (s *TryOnDomainService) blend(
	ctx context.Context,
	run *pipelineRun,
	body, garment *entities.NormalizedAsset,
	warped *entities.WarpedGarment,
	pose *entities.PoseEstimate,
	options *valueobjects.TryOnOptions,
) (*entities.BlendedImage, error) {
	if warped.TargetPoseHash != pose.Hash() {
		return nil, failures.New(failures.InternalError, "refusing to blend a garment warped for another pose")
	}

	blended, err := s.inference.Blend(ctx, repositories.BlendInput{
		Body:    body,
		Garment: garment,
		Warped:  warped,
		Pose:    pose,
		Options: options,
	})
	if err == nil {
		return blended, nil
	}

	var ferr *failures.Error
	if !s.policy.BlendFallback || ctx.Err() != nil || !errors.As(err, &ferr) || !ferr.Transient() {
		return nil, err
	}

	run.logger.Warn("blend backend failed, compositing locally", "error", err)
	data, overlayErr := s.compositor.Overlay(body, warped, pose.BodySegmentationMask)
	if overlayErr != nil {
		return nil, failures.Wrap(failures.InternalError, overlayErr, "blend fallback failed after %v", err)
	}
	run.warnings = append(run.warnings, entities.WarningBlendFallback)
	return &entities.BlendedImage{
		Data:       data,
		Confidence: warped.WarpConfidence,
		Fallback:   true,
	}, nil
}

func minConfidence(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := math.Inf(1)
	for _, v := range values {
		m = math.Min(m, v)
	}
	return m
}
