package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/observability"
)

// StagePolicy is the call policy of one model stage.
type StagePolicy struct {
	Class               repositories.ResourceClass
	Timeout             time.Duration
	ConfidenceThreshold float64
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
}

func DefaultStagePolicy() StagePolicy {
	return StagePolicy{
		Class:               repositories.GPUClass,
		Timeout:             30 * time.Second,
		ConfidenceThreshold: 0.5,
		MaxAttempts:         3,
		InitialBackoff:      200 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
	}
}

type Backends struct {
	Pose  repositories.PoseEstimator
	Warp  repositories.GarmentWarper
	Blend repositories.Blender
}

// Client implements repositories.InferenceClient on top of the configured
// backends, the scheduler and the version registry.
type Client struct {
	backends  Backends
	policies  map[valueobjects.ModelKey]StagePolicy
	scheduler repositories.Scheduler
	registry  *Registry
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewClient(
	backends Backends,
	policies map[valueobjects.ModelKey]StagePolicy,
	scheduler repositories.Scheduler,
	registry *Registry,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backends:  backends,
		policies:  policies,
		scheduler: scheduler,
		registry:  registry,
		metrics:   metrics,
		logger:    logger,
	}
}

func (c *Client) ActiveVersions() valueobjects.ModelVersionSet {
	return c.registry.Active()
}

func (c *Client) EstimatePose(ctx context.Context, body *entities.NormalizedAsset) (*entities.PoseResult, error) {
	version := c.registry.Version(valueobjects.PoseModel)
	candidates, err := invoke(ctx, c, valueobjects.PoseModel, func(ctx context.Context) ([]entities.PoseCandidate, error) {
		return c.backends.Pose.EstimatePose(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	threshold := c.policy(valueobjects.PoseModel).ConfidenceThreshold
	for i := range candidates {
		candidates[i].LowConfidence = candidates[i].Confidence < threshold
	}
	return &entities.PoseResult{ModelVersion: version, Candidates: candidates}, nil
}

func (c *Client) WarpGarment(ctx context.Context, garment *entities.NormalizedAsset, pose *entities.PoseEstimate) (*entities.WarpedGarment, error) {
	warped, err := invoke(ctx, c, valueobjects.WarpModel, func(ctx context.Context) (*entities.WarpedGarment, error) {
		return c.backends.Warp.WarpGarment(ctx, garment, pose)
	})
	if err != nil {
		return nil, err
	}
	if warped == nil || len(warped.Data) == 0 {
		return nil, failures.New(failures.ModelUnavailable, "warp backend returned no image")
	}

	warped.GarmentRef = garment.ContentHash
	warped.TargetPoseHash = pose.Hash()
	warped.LowConfidence = warped.WarpConfidence < c.policy(valueobjects.WarpModel).ConfidenceThreshold
	return warped, nil
}

func (c *Client) Blend(ctx context.Context, input repositories.BlendInput) (*entities.BlendedImage, error) {
	blended, err := invoke(ctx, c, valueobjects.BlendModel, func(ctx context.Context) (*entities.BlendedImage, error) {
		return c.backends.Blend.Blend(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	if blended == nil || len(blended.Data) == 0 {
		return nil, failures.New(failures.ModelUnavailable, "blend backend returned no image")
	}

	blended.LowConfidence = blended.Confidence < c.policy(valueobjects.BlendModel).ConfidenceThreshold
	return blended, nil
}

func (c *Client) policy(key valueobjects.ModelKey) StagePolicy {
	if p, ok := c.policies[key]; ok {
		return p
	}
	return DefaultStagePolicy()
}

func (p StagePolicy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(eb, uint64(attempts-1))
}

// invoke runs call under the stage policy: one scheduler permit and one
// timeout per attempt, with exponential backoff between transient failures.
// The permit is returned before the backoff sleep.
func invoke[T any](ctx context.Context, c *Client, key valueobjects.ModelKey, call func(ctx context.Context) (T, error)) (T, error) {
	policy := c.policy(key)
	logger := c.logger.With("model", key)

	var (
		out     T
		attempt int
	)
	operation := func() error {
		attempt++
		permit, err := c.scheduler.Acquire(ctx, policy.Class)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.metrics.RecordInferenceAttempt(string(key), string(failures.CodeOf(err)))
			var ferr *failures.Error
			if !errors.As(err, &ferr) || !ferr.Transient() {
				logger.Error("scheduler admission failed", "class", policy.Class, "error", err)
				return backoff.Permanent(err)
			}
			logger.Warn("scheduler admission failed", "attempt", attempt, "error", err)
			return err
		}
		defer c.scheduler.Release(permit)

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		defer cancel()

		res, err := call(callCtx)
		if err != nil {
			err = classify(ctx, callCtx, key, policy, err)
			c.metrics.RecordInferenceAttempt(string(key), string(failures.CodeOf(err)))

			var ferr *failures.Error
			if errors.As(err, &ferr) && ferr.Transient() {
				logger.Warn("model call failed", "attempt", attempt, "reason", ferr.Code, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}

		c.metrics.RecordInferenceAttempt(string(key), "ok")
		out = res
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(policy.backOff(), ctx))
	if err != nil {
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt > 1 {
			err = fmt.Errorf("%s model failed after %d attempts: %w", key, attempt, err)
		}
		return zero, err
	}
	return out, nil
}

func classify(parent, callCtx context.Context, key valueobjects.ModelKey, policy StagePolicy, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return failures.Wrap(failures.ModelTimeout, err, "%s model did not answer within %s", key, policy.Timeout)
	}
	var ferr *failures.Error
	if errors.As(err, &ferr) {
		return err
	}
	return failures.Wrap(failures.ModelUnavailable, err, "%s model call failed", key)
}
