package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teemow/mailsession/internal/instrumentation"
	"github.com/teemow/mailsession/internal/logging"
)

// RetryPolicy governs automatic reattempts of failed requests. Only server
// errors (5xx) and transient transport faults are retried; rate limiting
// (429) and client errors are final on the first response.
type RetryPolicy struct {
	// MaxRetries is how many extra attempts follow the initial one.
	MaxRetries int
	// Interval is the constant pause between attempts.
	Interval time.Duration

	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// DefaultRetryPolicy returns the production policy: two extra attempts with
// a half-second pause.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 2,
		Interval:   500 * time.Millisecond,
		logger:     slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (p *RetryPolicy) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

// SetMetrics sets the metrics recorder.
func (p *RetryPolicy) SetMetrics(metrics *instrumentation.Metrics) {
	p.metrics = metrics
}

// Execute runs attempt until it yields a non-retryable outcome or the retry
// budget is spent. The last response is returned even when it is still a
// server error, so callers always see what the final attempt produced.
func (p *RetryPolicy) Execute(ctx context.Context, endpoint string, attempt func() (*http.Response, error)) (*http.Response, error) {
	tries := 0
	operation := func() (*http.Response, error) {
		tries++
		resp, err := attempt()
		if err != nil {
			if isRetryableNetError(err) && tries <= p.MaxRetries {
				p.recordRetry(ctx, endpoint, err, nil)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if retryableStatus(resp.StatusCode) && tries <= p.MaxRetries {
			drainBody(resp)
			p.recordRetry(ctx, endpoint, nil, resp)
			return nil, &Error{Op: "request", Status: resp.StatusCode, Message: "server error"}
		}
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
		backoff.WithMaxTries(uint(p.MaxRetries)+1))
}

func (p *RetryPolicy) recordRetry(ctx context.Context, endpoint string, err error, resp *http.Response) {
	attrs := []any{logging.Endpoint(endpoint)}
	if err != nil {
		attrs = append(attrs, logging.Err(err))
	}
	if resp != nil {
		attrs = append(attrs, slog.Int("status_code", resp.StatusCode))
	}
	p.logger.Warn("retrying request", attrs...)
	p.metrics.RecordRetry(ctx)
}

// drainBody discards and closes a response body that is about to be replaced
// by a retry, keeping the underlying connection reusable.
func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
