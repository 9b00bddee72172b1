package reporting

import (
	"log/slog"

	"github.com/getsentry/raven-go"

	"github.com/buzzni/virtual-try-on/internal/domain/failures"
)

// SentryReporter forwards internal errors to Sentry. A reporter without a
// DSN only logs.
type SentryReporter struct {
	client *raven.Client
	logger *slog.Logger
}

func NewSentryReporter(dsn, environment, release string, logger *slog.Logger) (*SentryReporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &SentryReporter{logger: logger}
	if dsn == "" {
		return r, nil
	}

	client, err := raven.New(dsn)
	if err != nil {
		return nil, err
	}
	client.SetEnvironment(environment)
	client.SetRelease(release)
	r.client = client
	return r, nil
}

func (r *SentryReporter) Enabled() bool {
	return r != nil && r.client != nil
}

// Report sends err when it is an InternalError. Other reason codes are
// expected outcomes and are not reported.
func (r *SentryReporter) Report(err error, tags map[string]string) {
	if err == nil || failures.CodeOf(err) != failures.InternalError {
		return
	}
	if !r.Enabled() {
		return
	}

	merged := map[string]string{"reason": string(failures.InternalError)}
	if stage := failures.StageOf(err); stage != "" {
		merged["stage"] = stage
	}
	for k, v := range tags {
		merged[k] = v
	}
	eventID := r.client.CaptureError(err, merged)
	r.logger.Debug("internal error reported", "event_id", eventID)
}

func (r *SentryReporter) Close() {
	if r.Enabled() {
		r.client.Wait()
		r.client.Close()
	}
}
