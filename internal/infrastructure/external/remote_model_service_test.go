package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/model"
)

func newRemote(t *testing.T, codec string, handler http.HandlerFunc) *RemoteModelService {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := NewRemoteModelService(RemoteModelConfig{
		Key:      valueobjects.PoseModel,
		Endpoint: server.URL,
		Codec:    codec,
	}, nil)
	require.NoError(t, err)
	return svc
}

func asset() *entities.NormalizedAsset {
	return &entities.NormalizedAsset{Kind: valueobjects.BodyAsset, Data: []byte("png-bytes"), ContentHash: "h"}
}

func TestRemoteModel_EstimatePoseJSON(t *testing.T) {
	svc := newRemote(t, "json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/infer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req model.InferenceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, model.TaskPose, req.Task)
		require.Len(t, req.Images, 1)
		assert.Equal(t, []byte("png-bytes"), req.Images[0].Data)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.InferenceResponse{
			ModelVersion: "pose-1",
			Candidates: []model.PosePayload{{
				Box:        entities.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40},
				Landmarks:  []entities.Landmark{{X: 5, Y: 6, Confidence: 0.9}},
				Confidence: 0.88,
			}},
		})
	})

	candidates, err := svc.EstimatePose(context.Background(), asset())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 0.88, candidates[0].Confidence)
	assert.Equal(t, 40.0, candidates[0].Box.Y2)
}

func TestRemoteModel_BlendMsgpack(t *testing.T) {
	svc := newRemote(t, "msgpack", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/msgpack", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req model.InferenceRequest
		require.NoError(t, msgpack.Unmarshal(body, &req))
		assert.Equal(t, model.TaskBlend, req.Task)
		assert.Len(t, req.Images, 2)
		assert.Equal(t, map[string]float64{"temperature": 0.8}, req.Parameters)
		assert.Equal(t, "bottom", req.Garment["category"])
		assert.Equal(t, "in", req.Garment["tuck"])
		assert.Equal(t, "man", req.Garment["gender"])

		out, _ := msgpack.Marshal(model.InferenceResponse{
			Image:      []byte("blended"),
			Confidence: 0.7,
			Usage:      &entities.Usage{TotalTokens: 12},
		})
		_, _ = w.Write(out)
	})

	attrs, err := valueobjects.NewGarmentAttributes(valueobjects.GarmentSpec{Category: "bottom", Gender: "man", Tuck: "in"})
	require.NoError(t, err)
	options, err := valueobjects.NewTryOnOptions(nil, 0, 0, valueobjects.MimeTypePNG, 0, 0.8)
	require.NoError(t, err)

	pose := entities.NewPoseEstimate("h", "pose-1", entities.PoseCandidate{Confidence: 0.9})
	blended, err := svc.Blend(context.Background(), repositories.BlendInput{
		Body:    asset(),
		Warped:  &entities.WarpedGarment{Data: []byte("warped")},
		Pose:    pose,
		Options: options.WithGarment(attrs),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("blended"), blended.Data)
	assert.Equal(t, 12, blended.Usage.TotalTokens)
}

func TestRemoteModel_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, failures.ErrInvalidAsset},
		{http.StatusUnprocessableEntity, failures.ErrInvalidAsset},
		{http.StatusRequestTimeout, failures.ErrModelTimeout},
		{http.StatusGatewayTimeout, failures.ErrModelTimeout},
		{http.StatusTooManyRequests, failures.ErrModelUnavailable},
		{http.StatusInternalServerError, failures.ErrModelUnavailable},
		{http.StatusServiceUnavailable, failures.ErrModelUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			svc := newRemote(t, "json", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(model.InferenceResponse{
					Error: &model.InferenceErrorDTO{Code: "x", Message: "nope"},
				})
			})
			_, err := svc.EstimatePose(context.Background(), asset())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRemoteModel_ErrorBodyWithOK(t *testing.T) {
	svc := newRemote(t, "json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.InferenceResponse{
			Error: &model.InferenceErrorDTO{Code: "InvalidAsset", Message: "no person found"},
		})
	})
	_, err := svc.EstimatePose(context.Background(), asset())
	assert.ErrorIs(t, err, failures.ErrInvalidAsset)
}

func TestRemoteModel_TransportFailure(t *testing.T) {
	svc, err := NewRemoteModelService(RemoteModelConfig{
		Key:      valueobjects.WarpModel,
		Endpoint: "http://127.0.0.1:1",
	}, nil)
	require.NoError(t, err)

	_, err = svc.Version(context.Background())
	assert.ErrorIs(t, err, failures.ErrModelUnavailable)
}

func TestRemoteModel_Version(t *testing.T) {
	svc := newRemote(t, "json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/version", r.URL.Path)
		_ = json.NewEncoder(w).Encode(model.VersionResponse{Model: "pose", Version: "2.1.0"})
	})
	version, err := svc.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", version)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = CodecByName("protobuf")
	assert.Error(t, err)
}
