package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/model"
)

func compositeResult() *entities.CompositeResult {
	return &entities.CompositeResult{
		RequestID: "someone-else",
		Image:     []byte("png"),
		MimeType:  valueobjects.MimeTypePNG,
		Width:     768,
		Height:    1024,
		StageTimings: map[entities.Stage]time.Duration{
			entities.StageBlending: 1500 * time.Millisecond,
		},
		OverallConfidence: 0.6,
		Warnings:          []string{entities.LowConfidenceWarning(entities.StageWarping)},
		ModelVersions:     valueobjects.ModelVersionSet{valueobjects.PoseModel: "p1"},
		Fingerprint:       "fp",
	}
}

func TestDeliveryService_PackageSuccess(t *testing.T) {
	s := NewDeliveryService(nil)

	env := s.Package("req-1", compositeResult(), nil, true)
	assert.Equal(t, "req-1", env.RequestID, "the request ID is always echoed")
	assert.Equal(t, string(entities.OutcomeSuccess), env.Outcome)
	assert.Equal(t, []byte("png"), env.Image)
	require.NotNil(t, env.Diagnostics)
	assert.Equal(t, int64(1500), env.Diagnostics.StageTimingsMS["Blending"])
	assert.Equal(t, []string{"low_confidence:Warping"}, env.Diagnostics.Warnings)
	assert.Equal(t, "p1", env.Diagnostics.ModelVersions["pose"])
	assert.Nil(t, env.Error)

	env = s.Package("req-1", compositeResult(), nil, false)
	assert.Nil(t, env.Image)
}

func TestDeliveryService_PackagePartial(t *testing.T) {
	result := compositeResult()
	result.Warnings = append(result.Warnings, entities.WarningBlendFallback)

	env := NewDeliveryService(nil).Package("req-2", result, nil, false)
	assert.Equal(t, string(entities.OutcomePartial), env.Outcome)
}

func TestDeliveryService_PackageFailure(t *testing.T) {
	err := failures.At(string(entities.StagePoseEstimating), failures.New(failures.ModelTimeout, "no answer"))

	env := NewDeliveryService(nil).Package("req-3", nil, err, true)
	assert.Equal(t, string(entities.OutcomeFailed), env.Outcome)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ModelTimeout", env.Error.Reason)
	assert.Equal(t, "PoseEstimating", env.Error.Stage)
	assert.Nil(t, env.Diagnostics)
	assert.Nil(t, env.Image)
}

type recordingNotifier struct {
	got []model.Envelope
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, env model.Envelope) error {
	n.got = append(n.got, env)
	return n.err
}

func TestDeliveryService_PublishStripsImage(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("broker down")}
	ok := &recordingNotifier{}
	s := NewDeliveryService(nil, failing, ok)

	env := s.Package("req-4", compositeResult(), nil, true)
	s.Publish(context.Background(), env)

	require.Len(t, ok.got, 1)
	assert.Nil(t, ok.got[0].Image)
	assert.Equal(t, "req-4", ok.got[0].RequestID)
	assert.NotNil(t, env.Image, "the caller keeps its image")
}
