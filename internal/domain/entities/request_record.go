package entities

import "time"

// RequestRecord is the status view of a submitted request, kept until the
// retention window after its terminal outcome expires.
type RequestRecord struct {
	Request     *TryOnRequest
	State       Stage
	Result      *CompositeResult
	Err         error
	UpdatedAt   time.Time
	CompletedAt time.Time
}

func (r *RequestRecord) Terminal() bool {
	return r.State.Terminal()
}

func (r *RequestRecord) Outcome() Outcome {
	if !r.Terminal() {
		return ""
	}
	return OutcomeOf(r.Result, r.Err)
}
