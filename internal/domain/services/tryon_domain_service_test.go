package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

var testVersions = valueobjects.ModelVersionSet{
	valueobjects.PoseModel:  "1.0.0",
	valueobjects.WarpModel:  "1.0.0",
	valueobjects.BlendModel: "1.0.0",
}

type mockInference struct {
	mu         sync.Mutex
	calls      int
	candidates []entities.PoseCandidate
	poseErr    error
	warpErr    error
	blendErr   error
	blendHook  func()
	lowBlend   bool
}

func (m *mockInference) EstimatePose(ctx context.Context, body *entities.NormalizedAsset) (*entities.PoseResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.poseErr != nil {
		return nil, m.poseErr
	}
	candidates := m.candidates
	if candidates == nil {
		candidates = []entities.PoseCandidate{{
			Box:        entities.BBox{X2: 32, Y2: 48},
			Landmarks:  []entities.Landmark{{X: 16, Y: 10, Confidence: 0.9}},
			Confidence: 0.9,
		}}
	}
	return &entities.PoseResult{ModelVersion: testVersions.Version(valueobjects.PoseModel), Candidates: candidates}, nil
}

func (m *mockInference) WarpGarment(ctx context.Context, garment *entities.NormalizedAsset, pose *entities.PoseEstimate) (*entities.WarpedGarment, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.warpErr != nil {
		return nil, m.warpErr
	}
	return &entities.WarpedGarment{
		GarmentRef:     garment.ContentHash,
		TargetPoseHash: pose.Hash(),
		Data:           garment.Data,
		WarpConfidence: 0.8,
	}, nil
}

func (m *mockInference) Blend(ctx context.Context, input repositories.BlendInput) (*entities.BlendedImage, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.blendHook != nil {
		m.blendHook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.blendErr != nil {
		return nil, m.blendErr
	}
	return &entities.BlendedImage{Data: input.Body.Data, Confidence: 0.7, LowConfidence: m.lowBlend}, nil
}

func (m *mockInference) ActiveVersions() valueobjects.ModelVersionSet {
	return testVersions.Clone()
}

func (m *mockInference) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCache struct {
	mu      sync.Mutex
	entries map[string]*entities.CompositeResult
	puts    int
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]*entities.CompositeResult)}
}

func (c *mockCache) Get(ctx context.Context, fp string, versions valueobjects.ModelVersionSet) (*entities.CompositeResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[fp]
	if ok && !r.ModelVersions.Equal(versions) {
		return nil, false, failures.New(failures.InternalError, "version mismatch")
	}
	return r, ok, nil
}

func (c *mockCache) Put(ctx context.Context, fp string, result *entities.CompositeResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entries[fp] = result.Clone()
	return nil
}

func (c *mockCache) Do(ctx context.Context, fp string, observe entities.StageObserver, compute repositories.ComputeFunc) (*entities.CompositeResult, bool, error) {
	r, err := compute(ctx, observe)
	return r, false, err
}

func (c *mockCache) InvalidateVersion(ctx context.Context, key valueobjects.ModelKey, version string) int {
	return 0
}

type mockScheduler struct {
	mu       sync.Mutex
	acquired int
	held     int
}

func (s *mockScheduler) Acquire(ctx context.Context, class repositories.ResourceClass) (*repositories.Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	s.held++
	return &repositories.Permit{Class: class}, nil
}

func (s *mockScheduler) Release(p *repositories.Permit) {
	if p == nil || !p.MarkReleased() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held--
}

type fixture struct {
	svc       *TryOnDomainService
	inference *mockInference
	cache     *mockCache
	scheduler *mockScheduler
}

func newFixture(t *testing.T, policy PipelinePolicy) *fixture {
	t.Helper()
	cfg := DefaultNormalizerConfig()
	cfg.Width, cfg.Height = 32, 48

	normalizer, err := NewAssetNormalizer(cfg)
	require.NoError(t, err)

	f := &fixture{
		inference: &mockInference{},
		cache:     newMockCache(),
		scheduler: &mockScheduler{},
	}
	f.svc, err = NewTryOnDomainService(normalizer, NewCompositor(), f.inference, f.cache, f.scheduler, policy, nil)
	require.NoError(t, err)
	return f
}

func testPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newRequest(t *testing.T, body, garment []byte, options *valueobjects.TryOnOptions) *entities.TryOnRequest {
	t.Helper()
	req, err := entities.NewTryOnRequest(valueobjects.RawImage(body), valueobjects.RawImage(garment), options)
	require.NoError(t, err)
	return req
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []entities.Stage
}

func (r *stageRecorder) observe(s entities.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *stageRecorder) all() []entities.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entities.Stage(nil), r.stages...)
}

func TestTryOnDomainService_FirstRunAndResubmission(t *testing.T) {
	f := newFixture(t, DefaultPipelinePolicy())
	body := testPNG(t, 40, 60, color.NRGBA{R: 200, A: 255})
	garment := testPNG(t, 30, 30, color.NRGBA{B: 200, A: 255})

	rec := &stageRecorder{}
	req := newRequest(t, body, garment, nil)
	result, err := f.svc.ProcessTryOn(context.Background(), req, rec.observe)
	require.NoError(t, err)

	assert.Equal(t, []entities.Stage{
		entities.StageNormalizing,
		entities.StagePoseEstimating,
		entities.StageWarping,
		entities.StageBlending,
		entities.StagePostProcessing,
		entities.StageDone,
	}, rec.all())
	assert.False(t, result.CacheHit)
	assert.Equal(t, req.ID(), result.RequestID)
	assert.Equal(t, 32, result.Width)
	assert.Equal(t, 48, result.Height)
	assert.InDelta(t, 0.7, result.OverallConfidence, 1e-9)
	assert.Len(t, result.StageTimings, len(entities.PipelineStages))

	fp := entities.Fingerprint(
		valueobjects.ContentHash(body),
		valueobjects.ContentHash(garment),
		testVersions,
		valueobjects.DefaultTryOnOptions().RenderDigest(),
	)
	assert.Equal(t, fp, result.Fingerprint)
	assert.Contains(t, f.cache.entries, fp)
	assert.Equal(t, 1, f.cache.puts)

	callsAfterFirst := f.inference.callCount()
	assert.Equal(t, 3, callsAfterFirst)

	again := &stageRecorder{}
	req2 := newRequest(t, body, garment, nil)
	cached, err := f.svc.ProcessTryOn(context.Background(), req2, again.observe)
	require.NoError(t, err)
	assert.True(t, cached.CacheHit)
	assert.Equal(t, req2.ID(), cached.RequestID)
	assert.Equal(t, callsAfterFirst, f.inference.callCount(), "resubmission must not call inference")
	assert.Equal(t, []entities.Stage{entities.StageDone}, again.all())
	assert.Equal(t, result.Image, cached.Image)
}

func TestTryOnDomainService_ZeroByteGarment(t *testing.T) {
	f := newFixture(t, DefaultPipelinePolicy())
	body := testPNG(t, 40, 60, color.White)

	rec := &stageRecorder{}
	_, err := f.svc.ProcessTryOn(context.Background(), newRequest(t, body, nil, nil), rec.observe)
	require.Error(t, err)

	assert.ErrorIs(t, err, failures.ErrInvalidAsset)
	assert.Equal(t, string(entities.StageNormalizing), failures.StageOf(err))
	assert.Equal(t, 0, f.scheduler.acquired, "no scheduler permit may be requested")
	assert.Equal(t, 0, f.inference.callCount())
	assert.Equal(t, []entities.Stage{entities.StageNormalizing, entities.StageFailed}, rec.all())
	assert.Empty(t, f.cache.entries)
}

func TestTryOnDomainService_PoseTimeout(t *testing.T) {
	f := newFixture(t, DefaultPipelinePolicy())
	f.inference.poseErr = failures.New(failures.ModelTimeout, "pose estimator timed out after 3 attempts")

	_, err := f.svc.ProcessTryOn(context.Background(),
		newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), nil), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, failures.ErrModelTimeout)
	assert.Equal(t, string(entities.StagePoseEstimating), failures.StageOf(err))
	assert.Equal(t, 0, f.cache.puts)
}

func TestTryOnDomainService_MultiPerson(t *testing.T) {
	f := newFixture(t, DefaultPipelinePolicy())
	f.inference.candidates = []entities.PoseCandidate{
		{Box: entities.BBox{X2: 10, Y2: 40}, Confidence: 0.9},
		{Box: entities.BBox{X1: 20, X2: 32, Y2: 40}, Confidence: 0.8},
	}

	_, err := f.svc.ProcessTryOn(context.Background(),
		newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), nil), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, failures.ErrInvalidAsset)
	assert.Equal(t, string(entities.StagePoseEstimating), failures.StageOf(err))
}

func TestTryOnDomainService_BlendFailure(t *testing.T) {
	t.Run("without fallback", func(t *testing.T) {
		f := newFixture(t, DefaultPipelinePolicy())
		f.inference.blendErr = failures.New(failures.ModelUnavailable, "blend backend down")

		_, err := f.svc.ProcessTryOn(context.Background(),
			newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), nil), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, failures.ErrModelUnavailable)
		assert.Equal(t, string(entities.StageBlending), failures.StageOf(err))
	})

	t.Run("with fallback", func(t *testing.T) {
		policy := DefaultPipelinePolicy()
		policy.BlendFallback = true
		f := newFixture(t, policy)
		f.inference.blendErr = failures.New(failures.ModelUnavailable, "blend backend down")

		result, err := f.svc.ProcessTryOn(context.Background(),
			newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), nil), nil)
		require.NoError(t, err)
		assert.True(t, result.Partial())
		assert.Contains(t, result.Warnings, entities.WarningBlendFallback)
		assert.Equal(t, entities.OutcomePartial, entities.OutcomeOf(result, nil))
		assert.Equal(t, 0, f.cache.puts, "fallback results are not cached")
	})

	t.Run("invalid input is never replaced by fallback", func(t *testing.T) {
		policy := DefaultPipelinePolicy()
		policy.BlendFallback = true
		f := newFixture(t, policy)
		f.inference.blendErr = failures.New(failures.InvalidAsset, "garment rejected")

		_, err := f.svc.ProcessTryOn(context.Background(),
			newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), nil), nil)
		assert.ErrorIs(t, err, failures.ErrInvalidAsset)
	})
}

func TestTryOnDomainService_LowConfidenceIsCachedWithWarning(t *testing.T) {
	f := newFixture(t, DefaultPipelinePolicy())
	f.inference.lowBlend = true

	result, err := f.svc.ProcessTryOn(context.Background(),
		newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), nil), nil)
	require.NoError(t, err)
	assert.Contains(t, result.Warnings, entities.LowConfidenceWarning(entities.StageBlending))
	assert.Equal(t, entities.OutcomeSuccess, entities.OutcomeOf(result, nil))
	assert.Equal(t, 1, f.cache.puts)
}

func TestTryOnDomainService_Cancellation(t *testing.T) {
	f := newFixture(t, DefaultPipelinePolicy())
	ctx, cancel := context.WithCancel(context.Background())
	f.inference.blendHook = cancel

	rec := &stageRecorder{}
	_, err := f.svc.ProcessTryOn(ctx,
		newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), nil), rec.observe)
	require.Error(t, err)

	assert.ErrorIs(t, err, failures.ErrCancelled)
	assert.Equal(t, string(entities.StageBlending), failures.StageOf(err))
	assert.Equal(t, 0, f.cache.puts)
	assert.Empty(t, f.cache.entries)
	assert.Equal(t, 0, f.scheduler.held)
	assert.Equal(t, entities.StageFailed, rec.all()[len(rec.all())-1])
}

func TestTryOnDomainService_VersionPin(t *testing.T) {
	f := newFixture(t, DefaultPipelinePolicy())
	options, err := valueobjects.NewTryOnOptions(map[valueobjects.ModelKey]string{valueobjects.BlendModel: "0.9.0"}, 0, 0, valueobjects.MimeTypePNG, 0, 1)
	require.NoError(t, err)

	_, err = f.svc.ProcessTryOn(context.Background(),
		newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), options), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, failures.ErrModelUnavailable)
	assert.Equal(t, string(entities.StageReceived), failures.StageOf(err))
	assert.Equal(t, 0, f.inference.callCount())

	matching, err := valueobjects.NewTryOnOptions(map[valueobjects.ModelKey]string{valueobjects.BlendModel: "1.0.0"}, 0, 0, valueobjects.MimeTypePNG, 0, 1)
	require.NoError(t, err)
	_, err = f.svc.ProcessTryOn(context.Background(),
		newRequest(t, testPNG(t, 40, 60, color.White), testPNG(t, 20, 20, color.Black), matching), nil)
	assert.NoError(t, err)
}

func TestTryOnDomainService_PoseMemo(t *testing.T) {
	f := newFixture(t, DefaultPipelinePolicy())
	body := testPNG(t, 40, 60, color.White)

	_, err := f.svc.ProcessTryOn(context.Background(), newRequest(t, body, testPNG(t, 20, 20, color.Black), nil), nil)
	require.NoError(t, err)
	_, err = f.svc.ProcessTryOn(context.Background(), newRequest(t, body, testPNG(t, 20, 20, color.Gray{Y: 80}), nil), nil)
	require.NoError(t, err)

	// second garment on the same body reuses the pose: warp + blend only
	assert.Equal(t, 5, f.inference.callCount())
}
