package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/scheduler"
)

type poseFunc func(ctx context.Context, body *entities.NormalizedAsset) ([]entities.PoseCandidate, error)

func (f poseFunc) Version(context.Context) (string, error) { return "pose-test", nil }

func (f poseFunc) EstimatePose(ctx context.Context, body *entities.NormalizedAsset) ([]entities.PoseCandidate, error) {
	return f(ctx, body)
}

type warpFunc func(ctx context.Context, garment *entities.NormalizedAsset, pose *entities.PoseEstimate) (*entities.WarpedGarment, error)

func (f warpFunc) Version(context.Context) (string, error) { return "warp-test", nil }

func (f warpFunc) WarpGarment(ctx context.Context, garment *entities.NormalizedAsset, pose *entities.PoseEstimate) (*entities.WarpedGarment, error) {
	return f(ctx, garment, pose)
}

func testVersions() valueobjects.ModelVersionSet {
	return valueobjects.ModelVersionSet{
		valueobjects.PoseModel:  "pose-1",
		valueobjects.WarpModel:  "warp-1",
		valueobjects.BlendModel: "blend-1",
	}
}

func fastPolicy() StagePolicy {
	return StagePolicy{
		Class:               repositories.GPUClass,
		Timeout:             10 * time.Millisecond,
		ConfidenceThreshold: 0.5,
		MaxAttempts:         3,
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          2 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, backends Backends) (*Client, *scheduler.Scheduler) {
	t.Helper()
	s, err := scheduler.New(map[repositories.ResourceClass]scheduler.ClassConfig{
		repositories.GPUClass: {MaxConcurrent: 1},
	}, nil)
	require.NoError(t, err)

	policies := map[valueobjects.ModelKey]StagePolicy{
		valueobjects.PoseModel:  fastPolicy(),
		valueobjects.WarpModel:  fastPolicy(),
		valueobjects.BlendModel: fastPolicy(),
	}
	return NewClient(backends, policies, s, NewRegistry(testVersions(), nil), nil, nil), s
}

func body() *entities.NormalizedAsset {
	return &entities.NormalizedAsset{Kind: valueobjects.BodyAsset, Data: []byte("png"), ContentHash: "body-hash"}
}

func TestClient_TimeoutIsRetriedThenReported(t *testing.T) {
	var calls atomic.Int32
	client, sched := newTestClient(t, Backends{
		Pose: poseFunc(func(ctx context.Context, _ *entities.NormalizedAsset) ([]entities.PoseCandidate, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	_, err := client.EstimatePose(context.Background(), body())
	require.Error(t, err)
	assert.ErrorIs(t, err, failures.ErrModelTimeout)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(0), sched.Stats(repositories.GPUClass).InUse)
}

func TestClient_InvalidAssetIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, Backends{
		Pose: poseFunc(func(context.Context, *entities.NormalizedAsset) ([]entities.PoseCandidate, error) {
			calls.Add(1)
			return nil, failures.New(failures.InvalidAsset, "no person")
		}),
	})

	_, err := client.EstimatePose(context.Background(), body())
	assert.ErrorIs(t, err, failures.ErrInvalidAsset)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_AdmissionErrors(t *testing.T) {
	tests := []struct {
		name         string
		class        repositories.ResourceClass
		holdPermit   bool
		wantErr      error
		wantAttempts int
	}{
		{
			name:         "unknown class is not retried",
			class:        "tpu",
			wantErr:      failures.ErrInternal,
			wantAttempts: 1,
		},
		{
			name:         "queue timeout is retried",
			class:        repositories.GPUClass,
			holdPermit:   true,
			wantErr:      failures.ErrQueueTimeout,
			wantAttempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := scheduler.New(map[repositories.ResourceClass]scheduler.ClassConfig{
				repositories.GPUClass: {MaxConcurrent: 1, QueueTimeout: time.Millisecond},
			}, nil)
			require.NoError(t, err)

			policy := fastPolicy()
			policy.Class = tt.class
			var calls atomic.Int32
			client := NewClient(Backends{
				Pose: poseFunc(func(context.Context, *entities.NormalizedAsset) ([]entities.PoseCandidate, error) {
					calls.Add(1)
					return []entities.PoseCandidate{{Confidence: 0.9}}, nil
				}),
			}, map[valueobjects.ModelKey]StagePolicy{valueobjects.PoseModel: policy}, s, NewRegistry(testVersions(), nil), nil, nil)

			if tt.holdPermit {
				permit, err := s.Acquire(context.Background(), repositories.GPUClass)
				require.NoError(t, err)
				defer s.Release(permit)
			}

			_, err = client.EstimatePose(context.Background(), body())
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, calls.Load(), "backend must not be called without a permit")
			if tt.wantAttempts > 1 {
				assert.Contains(t, err.Error(), fmt.Sprintf("after %d attempts", tt.wantAttempts))
			} else {
				assert.NotContains(t, err.Error(), "attempts")
			}
		})
	}
}

func TestClient_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, Backends{
		Pose: poseFunc(func(context.Context, *entities.NormalizedAsset) ([]entities.PoseCandidate, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("connection reset")
			}
			return []entities.PoseCandidate{{Confidence: 0.3}, {Confidence: 0.9}}, nil
		}),
	})

	result, err := client.EstimatePose(context.Background(), body())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "pose-1", result.ModelVersion)
	require.Len(t, result.Candidates, 2)
	assert.True(t, result.Candidates[0].LowConfidence)
	assert.False(t, result.Candidates[1].LowConfidence)
}

func TestClient_UnclassifiedErrorBecomesModelUnavailable(t *testing.T) {
	client, _ := newTestClient(t, Backends{
		Pose: poseFunc(func(context.Context, *entities.NormalizedAsset) ([]entities.PoseCandidate, error) {
			return nil, errors.New("503 from backend")
		}),
	})

	_, err := client.EstimatePose(context.Background(), body())
	assert.ErrorIs(t, err, failures.ErrModelUnavailable)
}

func TestClient_CancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	client, sched := newTestClient(t, Backends{
		Pose: poseFunc(func(context.Context, *entities.NormalizedAsset) ([]entities.PoseCandidate, error) {
			calls.Add(1)
			cancel()
			return nil, errors.New("boom")
		}),
	})

	_, err := client.EstimatePose(ctx, body())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(0), sched.Stats(repositories.GPUClass).InUse)
}

func TestClient_WarpStampsProvenance(t *testing.T) {
	client, _ := newTestClient(t, Backends{
		Warp: warpFunc(func(context.Context, *entities.NormalizedAsset, *entities.PoseEstimate) (*entities.WarpedGarment, error) {
			return &entities.WarpedGarment{Data: []byte("warped"), WarpConfidence: 0.4}, nil
		}),
	})
	pose := entities.NewPoseEstimate("body-hash", "pose-1", entities.PoseCandidate{Confidence: 0.9})
	garment := &entities.NormalizedAsset{Kind: valueobjects.GarmentAsset, Data: []byte("g"), ContentHash: "garment-hash"}

	warped, err := client.WarpGarment(context.Background(), garment, pose)
	require.NoError(t, err)
	assert.Equal(t, "garment-hash", warped.GarmentRef)
	assert.Equal(t, pose.Hash(), warped.TargetPoseHash)
	assert.True(t, warped.LowConfidence)
}

func TestClient_EmptyWarpIsUnavailable(t *testing.T) {
	client, _ := newTestClient(t, Backends{
		Warp: warpFunc(func(context.Context, *entities.NormalizedAsset, *entities.PoseEstimate) (*entities.WarpedGarment, error) {
			return &entities.WarpedGarment{}, nil
		}),
	})
	pose := entities.NewPoseEstimate("body-hash", "pose-1", entities.PoseCandidate{Confidence: 0.9})

	_, err := client.WarpGarment(context.Background(), body(), pose)
	assert.ErrorIs(t, err, failures.ErrModelUnavailable)
}
