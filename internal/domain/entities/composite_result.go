package entities

import (
	"time"

	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

// Warning flags attached to a result.
const (
	WarningBlendFallback = "blend_fallback"

	warningLowConfidencePrefix = "low_confidence:"
)

func LowConfidenceWarning(stage Stage) string {
	return warningLowConfidencePrefix + string(stage)
}

// CompositeResult is the final output of one pipeline run. Results stored in
// the cache are shared between requests; use Clone before mutating.
type CompositeResult struct {
	RequestID         TryOnRequestID                `json:"request_id" msgpack:"request_id"`
	Image             []byte                        `json:"image" msgpack:"image"`
	MimeType          valueobjects.MimeType         `json:"mime_type" msgpack:"mime_type"`
	Width             int                           `json:"width" msgpack:"width"`
	Height            int                           `json:"height" msgpack:"height"`
	StageTimings      map[Stage]time.Duration       `json:"stage_timings" msgpack:"stage_timings"`
	OverallConfidence float64                       `json:"overall_confidence" msgpack:"overall_confidence"`
	CacheHit          bool                          `json:"cache_hit" msgpack:"cache_hit"`
	Coalesced         bool                          `json:"coalesced" msgpack:"coalesced"`
	Warnings          []string                      `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
	ModelVersions     valueobjects.ModelVersionSet  `json:"model_versions" msgpack:"model_versions"`
	Fingerprint       string                        `json:"fingerprint" msgpack:"fingerprint"`
	Usage             *Usage                        `json:"usage,omitempty" msgpack:"usage,omitempty"`
}

// Partial reports whether the result was produced with a fallback path.
func (r *CompositeResult) Partial() bool {
	for _, w := range r.Warnings {
		if w == WarningBlendFallback {
			return true
		}
	}
	return false
}

func (r *CompositeResult) HasImage() bool {
	return len(r.Image) > 0
}

// Clone deep-copies everything except the image bytes, which are never
// mutated after encoding.
func (r *CompositeResult) Clone() *CompositeResult {
	out := *r
	if r.StageTimings != nil {
		out.StageTimings = make(map[Stage]time.Duration, len(r.StageTimings))
		for k, v := range r.StageTimings {
			out.StageTimings[k] = v
		}
	}
	if r.Warnings != nil {
		out.Warnings = append([]string(nil), r.Warnings...)
	}
	if r.ModelVersions != nil {
		out.ModelVersions = r.ModelVersions.Clone()
	}
	if r.Usage != nil {
		u := *r.Usage
		out.Usage = &u
	}
	return &out
}

// Outcome is the terminal classification reported to callers.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

func OutcomeOf(result *CompositeResult, err error) Outcome {
	if err != nil || result == nil {
		return OutcomeFailed
	}
	if result.Partial() {
		return OutcomePartial
	}
	return OutcomeSuccess
}
