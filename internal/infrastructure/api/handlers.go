package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/buzzni/virtual-try-on/internal/application/services"
	"github.com/buzzni/virtual-try-on/internal/application/usecases"
	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/model"
)

const defaultMaxUploadSize = 2*10*1024*1024 + 1024*1024 // two 10MB images plus form fields

// ModelRegistry is the admin view of the active model versions.
type ModelRegistry interface {
	Active() valueobjects.ModelVersionSet
	Rollover(ctx context.Context, key valueobjects.ModelKey, version string) (string, error)
}

type TryOnHandler struct {
	tryOnUseCase     *usecases.TryOnUseCase
	parameterService *services.ParameterService
	registry         ModelRegistry
	backends         map[string]string
	maxUploadSize    int64
	waitTimeout      time.Duration
	logger           *slog.Logger
}

type HandlerConfig struct {
	MaxUploadSize int64
	// WaitTimeout bounds ?wait=true requests.
	WaitTimeout time.Duration
	// Backends names the backend serving each model, for GET /v1/models.
	Backends map[string]string
}

func NewTryOnHandler(
	tryOnUseCase *usecases.TryOnUseCase,
	parameterService *services.ParameterService,
	registry ModelRegistry,
	config HandlerConfig,
	logger *slog.Logger,
) *TryOnHandler {
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = defaultMaxUploadSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TryOnHandler{
		tryOnUseCase:     tryOnUseCase,
		parameterService: parameterService,
		registry:         registry,
		backends:         config.Backends,
		maxUploadSize:    config.MaxUploadSize,
		waitTimeout:      config.WaitTimeout,
		logger:           logger,
	}
}

// NewRouter wires every endpoint. metrics may be nil.
func NewRouter(h *TryOnHandler, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/tryon", h.HandleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/tryon/{id}", h.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/tryon/{id}/image", h.HandleImage).Methods(http.MethodGet)
	r.HandleFunc("/v1/tryon/{id}", h.HandleCancel).Methods(http.MethodDelete)
	r.HandleFunc("/v1/models", h.HandleModels).Methods(http.MethodGet)
	r.HandleFunc("/v1/models/{model}/rollover", h.HandleRollover).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	r.Use(h.logRequests)
	return r
}

func (h *TryOnHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.sendError(w, "multipart form with body_image and garment_image is required", http.StatusBadRequest)
		return
	}

	bodyData, err := readFormFile(r, "body_image")
	if err != nil {
		h.sendError(w, "body_image is required", http.StatusBadRequest)
		return
	}
	garmentData, err := readFormFile(r, "garment_image")
	if err != nil {
		h.sendError(w, "garment_image is required", http.StatusBadRequest)
		return
	}

	options, err := h.parameterService.ParseFromRequest(r)
	if err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	input := usecases.TryOnInput{
		BodyImage:    bodyData,
		GarmentImage: garmentData,
		Options:      options,
	}

	id, err := h.tryOnUseCase.Submit(r.Context(), input)
	if err != nil {
		if errors.Is(err, usecases.ErrShuttingDown) {
			h.sendError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("failed to submit try-on", "error", err)
		h.sendError(w, "failed to submit request", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/v1/tryon/"+string(id))

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		h.sendJSON(w, http.StatusAccepted, model.SubmitResponse{RequestID: string(id), State: string(entities.StageReceived)})
		return
	}

	ctx := r.Context()
	if h.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.waitTimeout)
		defer cancel()
	}
	record, err := h.tryOnUseCase.Wait(ctx, id)
	if err != nil {
		// still running; the caller polls the Location
		h.sendJSON(w, http.StatusAccepted, model.SubmitResponse{RequestID: string(id), State: h.currentState(r.Context(), id)})
		return
	}

	includeImage, _ := strconv.ParseBool(r.URL.Query().Get("include_image"))
	envelope := h.tryOnUseCase.Envelope(record, includeImage)
	h.sendJSON(w, outcomeStatus(record.Err), envelope)
}

func (h *TryOnHandler) currentState(ctx context.Context, id entities.TryOnRequestID) string {
	record, err := h.tryOnUseCase.Status(ctx, id)
	if err != nil {
		return ""
	}
	return string(record.State)
}

func (h *TryOnHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	record, ok := h.findRecord(w, r)
	if !ok {
		return
	}

	response := model.StatusResponse{
		RequestID: string(record.Request.ID()),
		State:     string(record.State),
		UpdatedAt: record.UpdatedAt,
	}
	if record.Terminal() {
		completed := record.CompletedAt
		response.CompletedAt = &completed
		includeImage, _ := strconv.ParseBool(r.URL.Query().Get("include_image"))
		envelope := h.tryOnUseCase.Envelope(record, includeImage)
		response.Envelope = &envelope
	}

	w.Header().Set("Cache-Control", "no-store, max-age=0")
	h.sendJSON(w, http.StatusOK, response)
}

func (h *TryOnHandler) HandleImage(w http.ResponseWriter, r *http.Request) {
	record, ok := h.findRecord(w, r)
	if !ok {
		return
	}

	if !record.Terminal() {
		h.sendError(w, "request is still running", http.StatusConflict)
		return
	}
	if record.Err != nil || record.Result == nil || !record.Result.HasImage() {
		h.sendError(w, "request produced no image", outcomeStatus(record.Err))
		return
	}

	w.Header().Set("Content-Type", string(record.Result.MimeType))
	w.Header().Set("Content-Length", strconv.Itoa(len(record.Result.Image)))
	w.Header().Set("X-Outcome", string(record.Outcome()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(record.Result.Image); err != nil {
		h.logger.Warn("failed to write image", "request_id", record.Request.ID(), "error", err)
	}
}

func (h *TryOnHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := entities.TryOnRequestID(mux.Vars(r)["id"])

	err := h.tryOnUseCase.Cancel(r.Context(), id)
	switch {
	case err == nil:
		h.sendJSON(w, http.StatusAccepted, model.SubmitResponse{RequestID: string(id), State: "Cancelling"})
	case errors.Is(err, repositories.ErrRequestNotFound):
		h.sendError(w, "request not found", http.StatusNotFound)
	case errors.Is(err, usecases.ErrAlreadyFinished):
		h.sendError(w, err.Error(), http.StatusConflict)
	default:
		h.sendError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *TryOnHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	active := h.registry.Active()
	response := model.ModelsResponse{
		Active:  make(map[string]string, len(active)),
		Backend: h.backends,
	}
	for key, version := range active {
		response.Active[string(key)] = version
	}
	h.sendJSON(w, http.StatusOK, response)
}

func (h *TryOnHandler) HandleRollover(w http.ResponseWriter, r *http.Request) {
	key := valueobjects.ModelKey(mux.Vars(r)["model"])
	if !key.Valid() {
		h.sendError(w, "unknown model "+string(key), http.StatusNotFound)
		return
	}

	var req model.RolloverRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || req.Version == "" {
		h.sendError(w, `body must be {"version": "..."}`, http.StatusBadRequest)
		return
	}

	previous, err := h.registry.Rollover(r.Context(), key, req.Version)
	if err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("model rolled over via api", "model", key, "previous", previous, "active", req.Version)
	h.sendJSON(w, http.StatusOK, model.RolloverResponse{Model: string(key), Previous: previous, Active: req.Version})
}

func (h *TryOnHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *TryOnHandler) findRecord(w http.ResponseWriter, r *http.Request) (*entities.RequestRecord, bool) {
	id := entities.TryOnRequestID(mux.Vars(r)["id"])
	record, err := h.tryOnUseCase.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrRequestNotFound) {
			h.sendError(w, "request not found", http.StatusNotFound)
			return nil, false
		}
		h.sendError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return record, true
}

// outcomeStatus is the HTTP status of a terminal outcome.
func outcomeStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch failures.CodeOf(err) {
	case failures.InvalidAsset:
		return http.StatusUnprocessableEntity
	case failures.ModelUnavailable, failures.QueueTimeout:
		return http.StatusServiceUnavailable
	case failures.ModelTimeout:
		return http.StatusGatewayTimeout
	case failures.Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer func(f multipart.File) { _ = f.Close() }(file)
	return io.ReadAll(file)
}

func (h *TryOnHandler) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode JSON response", "error", err)
	}
}

func (h *TryOnHandler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, statusCode, model.ErrorResponse{Error: message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *TryOnHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "elapsed", time.Since(start))
	})
}
