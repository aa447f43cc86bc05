package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/teemow/mailsession/internal/instrumentation"
)

// Transport is the http.RoundTripper composing the whole request pipeline:
// retry around a single attempt, header stamping, response observation, and
// the 401 re-authentication hook. Retry and re-authentication stay
// orthogonal: a 401 is resolved inside one attempt, never by the retry loop.
type Transport struct {
	base      http.RoundTripper
	injector  *Injector
	validator *Validator
	auth      *Authenticator
	retry     *RetryPolicy

	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewTransport assembles the pipeline. base may be nil, in which case
// http.DefaultTransport executes the requests.
func NewTransport(base http.RoundTripper, injector *Injector, validator *Validator, auth *Authenticator, retry *RetryPolicy) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:      base,
		injector:  injector,
		validator: validator,
		auth:      auth,
		retry:     retry,
		logger:    slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (t *Transport) SetLogger(logger *slog.Logger) {
	t.logger = logger
}

// SetMetrics sets the metrics recorder.
func (t *Transport) SetMetrics(metrics *instrumentation.Metrics) {
	t.metrics = metrics
}

// SetAuthenticator installs the 401 hook. The authenticator needs the
// client as its refresher and the client needs the transport, so the hook
// is wired after construction.
func (t *Transport) SetAuthenticator(auth *Authenticator) {
	t.auth = auth
}

// RoundTrip executes the request under the retry policy. Each attempt stamps
// a fresh copy, so retries never reuse a consumed body or stale headers.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.retry.Execute(req.Context(), req.URL.Path, func() (*http.Response, error) {
		return t.attempt(req)
	})
}

// attempt performs one stamped execution, resolving 401s through the
// authenticator before handing the response to the validator.
func (t *Transport) attempt(req *http.Request) (*http.Response, error) {
	ctx, span := instrumentation.StartRequestSpan(req.Context(), req.Method, req.URL.Path)
	defer span.End()

	resp, err := t.attemptWithContext(ctx, req)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	instrumentation.SetSpanStatusCode(span, resp.StatusCode)
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (t *Transport) attemptWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	fresh := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		fresh.Body = body
	}

	stamped, err := t.injector.Stamp(fresh)
	if err != nil {
		return nil, err
	}

	resp, err := t.execute(stamped)
	if err != nil {
		return nil, err
	}

	for resp.StatusCode == http.StatusUnauthorized && t.auth != nil {
		replay, err := t.auth.Reauthenticate(resp)
		if err != nil {
			return nil, err
		}
		if replay == nil {
			break
		}
		drainBody(resp)
		resp, err = t.execute(replay)
		if err != nil {
			return nil, err
		}
	}

	if t.validator != nil {
		t.validator.Observe(resp)
	}
	return resp, nil
}

func (t *Transport) execute(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.Request == nil {
		resp.Request = req
	}
	t.metrics.RecordAPIRequest(req.Context(), resp.StatusCode, time.Since(start))
	return resp, nil
}
