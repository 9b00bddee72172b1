package model

import "time"

// Envelope is the delivered outcome of a try-on request.
type Envelope struct {
	RequestID   string       `json:"request_id"`
	Outcome     string       `json:"outcome"`
	Image       []byte       `json:"image,omitempty"`
	MimeType    string       `json:"mime_type,omitempty"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
}

type Diagnostics struct {
	StageTimingsMS    map[string]int64  `json:"stage_timings_ms"`
	OverallConfidence float64           `json:"overall_confidence"`
	CacheHit          bool              `json:"cache_hit"`
	Coalesced         bool              `json:"coalesced"`
	Warnings          []string          `json:"warnings,omitempty"`
	ModelVersions     map[string]string `json:"model_versions"`
	Fingerprint       string            `json:"fingerprint"`
	Usage             *UsageDetail      `json:"usage,omitempty"`
}

type UsageDetail struct {
	PromptTokens    int     `json:"prompt_tokens"`
	CandidateTokens int     `json:"candidate_tokens"`
	TotalTokens     int     `json:"total_tokens"`
	CostUSD         float64 `json:"cost_usd"`
}

type ErrorDetail struct {
	Reason  string `json:"reason"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

type SubmitResponse struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
}

type StatusResponse struct {
	RequestID   string     `json:"request_id"`
	State       string     `json:"state"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Envelope    *Envelope  `json:"envelope,omitempty"`
}

type ModelsResponse struct {
	Active  map[string]string `json:"active"`
	Backend map[string]string `json:"backend,omitempty"`
}

type RolloverRequest struct {
	Version string `json:"version"`
}

type RolloverResponse struct {
	Model    string `json:"model"`
	Previous string `json:"previous"`
	Active   string `json:"active"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
