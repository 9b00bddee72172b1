package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/model"
)

// ResultNotifier receives every terminal envelope. Notifications never
// carry image bytes.
type ResultNotifier interface {
	Notify(ctx context.Context, envelope model.Envelope) error
}

type DeliveryService struct {
	notifiers []ResultNotifier
	logger    *slog.Logger
}

func NewDeliveryService(logger *slog.Logger, notifiers ...ResultNotifier) *DeliveryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryService{notifiers: notifiers, logger: logger}
}

// Package formats the terminal outcome of a request. It always echoes
// requestID, whatever the result says.
func (s *DeliveryService) Package(requestID entities.TryOnRequestID, result *entities.CompositeResult, err error, includeImage bool) model.Envelope {
	envelope := model.Envelope{
		RequestID: string(requestID),
		Outcome:   string(entities.OutcomeOf(result, err)),
	}

	if err != nil || result == nil {
		if err == nil {
			err = errors.New("no result produced")
		}
		envelope.Error = &model.ErrorDetail{
			Reason:  string(failures.CodeOf(err)),
			Stage:   failures.StageOf(err),
			Message: err.Error(),
		}
		return envelope
	}

	if includeImage {
		envelope.Image = result.Image
	}
	envelope.MimeType = string(result.MimeType)
	envelope.Width = result.Width
	envelope.Height = result.Height
	envelope.Diagnostics = diagnostics(result)
	return envelope
}

func diagnostics(result *entities.CompositeResult) *model.Diagnostics {
	d := &model.Diagnostics{
		StageTimingsMS:    make(map[string]int64, len(result.StageTimings)),
		OverallConfidence: result.OverallConfidence,
		CacheHit:          result.CacheHit,
		Coalesced:         result.Coalesced,
		ModelVersions:     make(map[string]string, len(result.ModelVersions)),
		Fingerprint:       result.Fingerprint,
	}
	for stage, elapsed := range result.StageTimings {
		d.StageTimingsMS[string(stage)] = elapsed.Milliseconds()
	}
	for key, version := range result.ModelVersions {
		d.ModelVersions[string(key)] = version
	}
	if len(result.Warnings) > 0 {
		d.Warnings = append([]string(nil), result.Warnings...)
		sort.Strings(d.Warnings)
	}
	if result.Usage != nil {
		d.Usage = &model.UsageDetail{
			PromptTokens:    result.Usage.PromptTokens,
			CandidateTokens: result.Usage.CandidateTokens,
			TotalTokens:     result.Usage.TotalTokens,
			CostUSD:         result.Usage.CostUSD,
		}
	}
	return d
}

// Publish sends the envelope, without its image, to every notifier.
// Notifier failures are logged and otherwise ignored.
func (s *DeliveryService) Publish(ctx context.Context, envelope model.Envelope) {
	envelope.Image = nil
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, envelope); err != nil {
			s.logger.Warn("result notification failed", "request_id", envelope.RequestID, "error", err)
		}
	}
}
