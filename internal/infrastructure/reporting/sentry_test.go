package reporting

import (
	"errors"
	"testing"

	"github.com/buzzni/virtual-try-on/internal/domain/failures"
)

func TestReporterWithoutDSN(t *testing.T) {
	r, err := NewSentryReporter("", "test", "dev", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Enabled() {
		t.Error("reporter without a DSN must be disabled")
	}

	// must not panic
	r.Report(failures.At("Blending", errors.New("boom")), map[string]string{"request_id": "r"})
	r.Report(nil, nil)
	r.Close()
}

func TestReporterInvalidDSN(t *testing.T) {
	if _, err := NewSentryReporter("::not a dsn", "test", "dev", nil); err == nil {
		t.Error("expected an error for a malformed DSN")
	}
}
