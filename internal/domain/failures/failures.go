package failures

import (
	"context"
	"errors"
	"fmt"
)

// ReasonCode identifies why a try-on request failed.
type ReasonCode string

const (
	InvalidAsset     ReasonCode = "InvalidAsset"
	ModelUnavailable ReasonCode = "ModelUnavailable"
	ModelTimeout     ReasonCode = "ModelTimeout"
	QueueTimeout     ReasonCode = "QueueTimeout"
	InternalError    ReasonCode = "InternalError"
	Cancelled        ReasonCode = "Cancelled"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrInvalidAsset     = &Error{Code: InvalidAsset}
	ErrModelUnavailable = &Error{Code: ModelUnavailable}
	ErrModelTimeout     = &Error{Code: ModelTimeout}
	ErrQueueTimeout     = &Error{Code: QueueTimeout}
	ErrInternal         = &Error{Code: InternalError}
	ErrCancelled        = &Error{Code: Cancelled}
)

// Error is a classified failure. Stage is empty until the orchestrator
// attributes the failure to a pipeline stage.
type Error struct {
	Code    ReasonCode
	Stage   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s at %s: %s", e.Code, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Transient reports whether the failure may succeed on retry.
func (e *Error) Transient() bool {
	switch e.Code {
	case ModelUnavailable, ModelTimeout, QueueTimeout:
		return true
	}
	return false
}

func New(code ReasonCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code ReasonCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// At attributes err to stage. Unclassified errors become InternalError and
// context cancellation becomes Cancelled.
func At(stage string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Stage == stage {
			return fe
		}
		out := *fe
		out.Stage = stage
		return &out
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: Cancelled, Stage: stage, Message: "request cancelled", Cause: err}
	}
	return &Error{Code: InternalError, Stage: stage, Cause: err}
}

// CodeOf extracts the reason code, defaulting to InternalError.
func CodeOf(err error) ReasonCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return InternalError
}

// StageOf extracts the failing stage, if recorded.
func StageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}
