package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	appservices "github.com/buzzni/virtual-try-on/internal/application/services"
	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/model"
)

var (
	ErrShuttingDown    = errors.New("service is shutting down")
	ErrAlreadyFinished = errors.New("request already finished")
)

// TryOnProcessor runs one request to its terminal outcome.
type TryOnProcessor interface {
	ProcessTryOn(ctx context.Context, request *entities.TryOnRequest, observe entities.StageObserver) (*entities.CompositeResult, error)
}

type MetricsRecorder interface {
	ObserveStage(stage string, d time.Duration)
	RecordOutcome(outcome, reason string)
}

type ErrorReporter interface {
	Report(err error, tags map[string]string)
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// TryOnUseCase accepts requests, runs each on its own goroutine and keeps
// their status in the repository.
type TryOnUseCase struct {
	tryOnRepo repositories.TryOnRepository
	processor TryOnProcessor
	delivery  *appservices.DeliveryService
	metrics   MetricsRecorder
	reporter  ErrorReporter
	logger    *slog.Logger

	baseCtx context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	running map[entities.TryOnRequestID]*execution
	closed  bool
	wg      sync.WaitGroup
}

func NewTryOnUseCase(
	tryOnRepo repositories.TryOnRepository,
	processor TryOnProcessor,
	delivery *appservices.DeliveryService,
	metrics MetricsRecorder,
	reporter ErrorReporter,
	logger *slog.Logger,
) *TryOnUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	if delivery == nil {
		delivery = appservices.NewDeliveryService(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TryOnUseCase{
		tryOnRepo: tryOnRepo,
		processor: processor,
		delivery:  delivery,
		metrics:   metrics,
		reporter:  reporter,
		logger:    logger,
		baseCtx:   ctx,
		stopAll:   cancel,
		running:   make(map[entities.TryOnRequestID]*execution),
	}
}

type TryOnInput struct {
	BodyImage    []byte
	GarmentImage []byte
	Options      *valueobjects.TryOnOptions
}

// Submit registers the request and starts processing it. Image validation
// happens in the pipeline, so malformed input still gets an ID and a failed
// outcome.
func (uc *TryOnUseCase) Submit(ctx context.Context, input TryOnInput) (entities.TryOnRequestID, error) {
	request, err := entities.NewTryOnRequest(
		valueobjects.RawImage(input.BodyImage),
		valueobjects.RawImage(input.GarmentImage),
		input.Options,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.closed {
		return "", ErrShuttingDown
	}

	if err := uc.tryOnRepo.Save(ctx, request); err != nil {
		return "", fmt.Errorf("failed to save request: %w", err)
	}

	runCtx, cancel := context.WithCancel(uc.baseCtx)
	exec := &execution{cancel: cancel, done: make(chan struct{})}
	uc.running[request.ID()] = exec
	uc.wg.Add(1)
	go uc.run(runCtx, request, exec)

	uc.logger.Info("try-on request accepted", "request_id", request.ID(),
		"body_bytes", len(input.BodyImage), "garment_bytes", len(input.GarmentImage))
	return request.ID(), nil
}

// Execute submits and waits for the terminal envelope.
func (uc *TryOnUseCase) Execute(ctx context.Context, input TryOnInput, includeImage bool) (*model.Envelope, error) {
	id, err := uc.Submit(ctx, input)
	if err != nil {
		return nil, err
	}
	record, err := uc.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	envelope := uc.delivery.Package(id, record.Result, record.Err, includeImage)
	return &envelope, nil
}

// Wait blocks until the request is terminal or ctx ends. Leaving early does
// not cancel the request.
func (uc *TryOnUseCase) Wait(ctx context.Context, id entities.TryOnRequestID) (*entities.RequestRecord, error) {
	uc.mu.Lock()
	exec, running := uc.running[id]
	uc.mu.Unlock()

	if running {
		select {
		case <-exec.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return uc.tryOnRepo.FindRecord(ctx, id)
}

func (uc *TryOnUseCase) Status(ctx context.Context, id entities.TryOnRequestID) (*entities.RequestRecord, error) {
	return uc.tryOnRepo.FindRecord(ctx, id)
}

// Envelope packages the current outcome of a finished request.
func (uc *TryOnUseCase) Envelope(record *entities.RequestRecord, includeImage bool) model.Envelope {
	return uc.delivery.Package(record.Request.ID(), record.Result, record.Err, includeImage)
}

// Cancel stops a running request. It reaches Failed(Cancelled) at whatever
// stage it was in; its permits are released and nothing is cached.
func (uc *TryOnUseCase) Cancel(ctx context.Context, id entities.TryOnRequestID) error {
	uc.mu.Lock()
	exec, running := uc.running[id]
	uc.mu.Unlock()

	if !running {
		if _, err := uc.tryOnRepo.FindRecord(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyFinished
	}

	exec.cancel()
	uc.logger.Info("try-on request cancelled", "request_id", id)
	return nil
}

func (uc *TryOnUseCase) run(ctx context.Context, request *entities.TryOnRequest, exec *execution) {
	id := request.ID()
	defer uc.wg.Done()
	defer close(exec.done)
	defer func() {
		uc.mu.Lock()
		delete(uc.running, id)
		uc.mu.Unlock()
		exec.cancel()
	}()

	observe := func(stage entities.Stage) {
		if err := uc.tryOnRepo.UpdateState(context.Background(), id, stage); err != nil {
			uc.logger.Warn("failed to record stage", "request_id", id, "stage", stage, "error", err)
		}
	}

	start := time.Now()
	result, err := uc.processor.ProcessTryOn(ctx, request, observe)
	if err != nil {
		result = nil
	}

	if saveErr := uc.tryOnRepo.SaveResult(context.Background(), id, result, err); saveErr != nil {
		uc.logger.Error("failed to save result", "request_id", id, "error", saveErr)
	}

	outcome := entities.OutcomeOf(result, err)
	uc.record(outcome, result, err)

	logger := uc.logger.With("request_id", id, "outcome", outcome, "elapsed", time.Since(start))
	if err != nil {
		logger.Info("try-on finished", "reason", failures.CodeOf(err), "stage", failures.StageOf(err))
		if uc.reporter != nil {
			uc.reporter.Report(err, map[string]string{"request_id": string(id)})
		}
	} else {
		logger.Info("try-on finished", "cache_hit", result.CacheHit, "coalesced", result.Coalesced,
			"confidence", result.OverallConfidence)
	}

	uc.delivery.Publish(context.WithoutCancel(ctx), uc.delivery.Package(id, result, err, false))
}

func (uc *TryOnUseCase) record(outcome entities.Outcome, result *entities.CompositeResult, err error) {
	if uc.metrics == nil {
		return
	}
	reason := ""
	if err != nil {
		reason = string(failures.CodeOf(err))
	}
	uc.metrics.RecordOutcome(string(outcome), reason)

	// timings of a cache hit or a coalesced result belong to another request
	if result != nil && !result.CacheHit && !result.Coalesced {
		for stage, d := range result.StageTimings {
			uc.metrics.ObserveStage(string(stage), d)
		}
	}
}

// Running is the number of requests not yet terminal.
func (uc *TryOnUseCase) Running() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.running)
}

// Shutdown stops accepting requests and waits for running ones. When ctx
// ends first, the remaining requests are cancelled.
func (uc *TryOnUseCase) Shutdown(ctx context.Context) error {
	uc.mu.Lock()
	uc.closed = true
	uc.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		uc.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		uc.stopAll()
		return nil
	case <-ctx.Done():
		uc.stopAll()
		<-drained
		return ctx.Err()
	}
}
