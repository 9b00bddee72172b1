package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/buzzni/virtual-try-on/model"
)

// apiClient talks to the try-on server's HTTP API.
type apiClient struct {
	http *resty.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

type submitInput struct {
	BodyPath    string
	GarmentPath string
	Options     map[string]string
	Wait        bool
}

// Submit returns the envelope when wait is set and the server finished in
// time; otherwise only the accepted request ID.
func (c *apiClient) Submit(ctx context.Context, in submitInput) (*model.SubmitResponse, *model.Envelope, error) {
	req := c.http.R().
		SetContext(ctx).
		SetFile("body_image", in.BodyPath).
		SetFile("garment_image", in.GarmentPath).
		SetFormData(in.Options)
	if in.Wait {
		req.SetQueryParam("wait", "true")
	}

	resp, err := req.Post("/v1/tryon")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to submit: %w", err)
	}

	// 202 means accepted or still running, anything else with an outcome
	// body is a finished request
	if resp.StatusCode() == http.StatusAccepted {
		var accepted model.SubmitResponse
		if err := decodeBody(resp, &accepted); err != nil {
			return nil, nil, err
		}
		return &accepted, nil, nil
	}

	var envelope model.Envelope
	if err := decodeBody(resp, &envelope); err != nil || envelope.Outcome == "" {
		return nil, nil, apiError(resp)
	}
	return &model.SubmitResponse{RequestID: envelope.RequestID, State: envelope.Outcome}, &envelope, nil
}

func (c *apiClient) Status(ctx context.Context, id string) (*model.StatusResponse, error) {
	var out model.StatusResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/v1/tryon/" + id)
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func (c *apiClient) Image(ctx context.Context, id string) ([]byte, string, error) {
	resp, err := c.http.R().SetContext(ctx).SetHeader("Accept", "image/*").Get("/v1/tryon/" + id + "/image")
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	if resp.IsError() {
		return nil, "", apiError(resp)
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

func (c *apiClient) Cancel(ctx context.Context, id string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/v1/tryon/" + id)
	if err != nil {
		return fmt.Errorf("failed to cancel: %w", err)
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func (c *apiClient) Models(ctx context.Context) (*model.ModelsResponse, error) {
	var out model.ModelsResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/v1/models")
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func (c *apiClient) Rollover(ctx context.Context, modelKey, version string) (*model.RolloverResponse, error) {
	var out model.RolloverResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(model.RolloverRequest{Version: version}).
		SetResult(&out).
		Post("/v1/models/" + modelKey + "/rollover")
	if err != nil {
		return nil, fmt.Errorf("failed to roll over: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func decodeBody(resp *resty.Response, v any) error {
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("unexpected response (%s): %w", resp.Status(), err)
	}
	return nil
}

func apiError(resp *resty.Response) error {
	var body model.ErrorResponse
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode(), body.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status())
}
