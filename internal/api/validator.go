package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/teemow/mailsession/internal/instrumentation"
	"github.com/teemow/mailsession/internal/logging"
)

// EventKind classifies a noteworthy API response.
type EventKind int

const (
	// EventGatewayTimeout is a 504 from the API gateway.
	EventGatewayTimeout EventKind = iota
	// EventRateLimited is a 429. Rate-limited requests are never retried.
	EventRateLimited
	// EventMaintenance is a 503: the backend is down for maintenance.
	EventMaintenance
	// EventSemanticError is a 422 carrying a machine-readable error body.
	EventSemanticError
)

func (k EventKind) String() string {
	switch k {
	case EventGatewayTimeout:
		return "gateway_timeout"
	case EventRateLimited:
		return "rate_limited"
	case EventMaintenance:
		return "maintenance"
	case EventSemanticError:
		return "semantic_error"
	default:
		return "unknown"
	}
}

// Event describes a response condition surfaced to the observer.
type Event struct {
	Kind EventKind
	Tag  Tag

	// Code and Message are filled for EventSemanticError when the body
	// could be parsed.
	Code    int
	Message string
}

// errorBody is the wire shape of a 422 response.
type errorBody struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// Validator inspects responses for conditions that need application-level
// reactions. It is side-effect only: the response passes through unchanged,
// with its body intact and readable by the caller.
type Validator struct {
	fallback *ProxyFallback
	observer func(Event)
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// NewValidator creates a validator. The observer may be nil; events are
// still logged and counted.
func NewValidator(fallback *ProxyFallback, observer func(Event)) *Validator {
	return &Validator{
		fallback: fallback,
		observer: observer,
		logger:   slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (v *Validator) SetLogger(logger *slog.Logger) {
	v.logger = logger
}

// SetMetrics sets the metrics recorder.
func (v *Validator) SetMetrics(metrics *instrumentation.Metrics) {
	v.metrics = metrics
}

// Observe inspects a response. Proxy fallback is evaluated before any status
// classification; when the fallback deactivates a proxy all further handling
// of this response is skipped, so a stale proxy error never leaks status
// events into the session layer.
func (v *Validator) Observe(resp *http.Response) {
	if resp == nil {
		return
	}

	tag := RequestTag(resp.Request)
	if id, ok := tag.AccountID(); ok && v.fallback != nil && v.fallback.Evaluate(id) {
		return
	}

	var kind EventKind
	switch resp.StatusCode {
	case http.StatusGatewayTimeout:
		kind = EventGatewayTimeout
	case http.StatusTooManyRequests:
		kind = EventRateLimited
	case http.StatusServiceUnavailable:
		kind = EventMaintenance
	case http.StatusUnprocessableEntity:
		kind = EventSemanticError
	default:
		return
	}

	event := Event{Kind: kind, Tag: tag}
	if kind == EventSemanticError {
		event.Code, event.Message = v.parseErrorBody(resp)
	}

	v.logger.Warn("api response event",
		slog.Int("status_code", resp.StatusCode),
		logging.Endpoint(resp.Request.URL.Path),
		slog.String("event", kind.String()))
	v.metrics.RecordResponseEvent(resp.Request.Context(), kind.String())

	if v.observer != nil {
		v.observer(event)
	}
}

// parseErrorBody reads a 422 body and restores it so the caller can still
// consume the response. Parsing is best effort: an unreadable or malformed
// body degrades to the raw status message.
func (v *Validator) parseErrorBody(resp *http.Response) (int, string) {
	if resp.Body == nil {
		return 0, statusMessage(resp)
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return 0, statusMessage(resp)
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return 0, statusMessage(resp)
	}
	return body.Code, body.Error
}

func statusMessage(resp *http.Response) string {
	if resp.Status != "" {
		return resp.Status
	}
	return http.StatusText(resp.StatusCode)
}
