package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys - using constants for consistency and DRY
const (
	attrStatus    = "status"
	attrResult    = "result"
	attrEvent     = "event"
	attrState     = "state"
	attrAccountID = "account_id"
)

// Metrics provides methods for recording observability metrics.
type Metrics struct {
	// API request metrics
	apiRequestsTotal    metric.Int64Counter
	apiRequestDuration  metric.Float64Histogram
	requestRetriesTotal metric.Int64Counter

	// Auth metrics
	tokenRefreshTotal       metric.Int64Counter
	unauthenticatedFallback metric.Int64Counter

	// Response classification metrics
	responseEventsTotal metric.Int64Counter
	proxyFallbackTotal  metric.Int64Counter

	// Account lifecycle metrics
	accountTransitionsTotal metric.Int64Counter
	logoutCascadesTotal     metric.Int64Counter
	activeAccounts          metric.Int64UpDownCounter

	// Configuration
	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.apiRequestsTotal, err = meter.Int64Counter(
		"api_requests_total",
		metric.WithDescription("Total number of mail API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_requests_total counter: %w", err)
	}

	m.apiRequestDuration, err = meter.Float64Histogram(
		"api_request_duration_seconds",
		metric.WithDescription("Mail API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_request_duration_seconds histogram: %w", err)
	}

	m.requestRetriesTotal, err = meter.Int64Counter(
		"request_retries_total",
		metric.WithDescription("Total number of transient-failure request retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request_retries_total counter: %w", err)
	}

	m.tokenRefreshTotal, err = meter.Int64Counter(
		"token_refresh_total",
		metric.WithDescription("Total number of access token refresh attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_refresh_total counter: %w", err)
	}

	m.unauthenticatedFallback, err = meter.Int64Counter(
		"unauthenticated_fallback_total",
		metric.WithDescription("Requests sent unauthenticated because no credentials were stored for the tagged account"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unauthenticated_fallback_total counter: %w", err)
	}

	m.responseEventsTotal, err = meter.Int64Counter(
		"response_events_total",
		metric.WithDescription("Total number of classified response events (timeout, rate limited, unavailable, unprocessable)"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create response_events_total counter: %w", err)
	}

	m.proxyFallbackTotal, err = meter.Int64Counter(
		"proxy_fallback_total",
		metric.WithDescription("Total number of forced reverts from a proxy to the default API endpoint"),
		metric.WithUnit("{revert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_fallback_total counter: %w", err)
	}

	m.accountTransitionsTotal, err = meter.Int64Counter(
		"account_transitions_total",
		metric.WithDescription("Total number of account lifecycle state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_transitions_total counter: %w", err)
	}

	m.logoutCascadesTotal, err = meter.Int64Counter(
		"logout_cascades_total",
		metric.WithDescription("Total number of logout cleanup cascades executed"),
		metric.WithUnit("{cascade}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout_cascades_total counter: %w", err)
	}

	m.activeAccounts, err = meter.Int64UpDownCounter(
		"active_accounts",
		metric.WithDescription("Number of logged-in accounts"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_accounts gauge: %w", err)
	}

	return m, nil
}

// RecordAPIRequest records a mail API request with status code and duration.
func (m *Metrics) RecordAPIRequest(ctx context.Context, statusCode int, duration time.Duration) {
	if m == nil || m.apiRequestsTotal == nil || m.apiRequestDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.apiRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.apiRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRetry records one transient-failure retry attempt.
func (m *Metrics) RecordRetry(ctx context.Context) {
	if m == nil || m.requestRetriesTotal == nil {
		return // Instrumentation not initialized
	}
	m.requestRetriesTotal.Add(ctx, 1)
}

// RecordTokenRefresh records a token refresh attempt with result.
// Result should be one of: "success", "rate_limited", "logged_out", "short_circuit".
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.tokenRefreshTotal == nil {
		return // Instrumentation not initialized
	}
	m.tokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result),
	))
}

// RecordUnauthenticatedFallback records a request that went out without auth
// headers because no credentials were stored for its tagged account.
func (m *Metrics) RecordUnauthenticatedFallback(ctx context.Context) {
	if m == nil || m.unauthenticatedFallback == nil {
		return // Instrumentation not initialized
	}
	m.unauthenticatedFallback.Add(ctx, 1)
}

// RecordResponseEvent records a classified response event by name, e.g.
// "request_timeout", "rate_limited", "service_unavailable", "unprocessable_entity".
func (m *Metrics) RecordResponseEvent(ctx context.Context, event string) {
	if m == nil || m.responseEventsTotal == nil {
		return // Instrumentation not initialized
	}
	m.responseEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrEvent, event),
	))
}

// RecordProxyFallback records a forced revert to the default API endpoint.
func (m *Metrics) RecordProxyFallback(ctx context.Context, accountID string) {
	if m == nil || m.proxyFallbackTotal == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{}
	// Only add high-cardinality labels if explicitly enabled
	if m.detailedLabels && accountID != "" {
		attrs = append(attrs, attribute.String(attrAccountID, accountID))
	}
	m.proxyFallbackTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAccountTransition records an account lifecycle state transition.
func (m *Metrics) RecordAccountTransition(ctx context.Context, state string) {
	if m == nil || m.accountTransitionsTotal == nil {
		return // Instrumentation not initialized
	}
	m.accountTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrState, state),
	))
}

// RecordLogoutCascade records one executed logout cleanup cascade.
func (m *Metrics) RecordLogoutCascade(ctx context.Context, status string) {
	if m == nil || m.logoutCascadesTotal == nil {
		return // Instrumentation not initialized
	}
	m.logoutCascadesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrStatus, status),
	))
}

// IncrementActiveAccounts increments the logged-in accounts counter.
func (m *Metrics) IncrementActiveAccounts(ctx context.Context) {
	if m == nil || m.activeAccounts == nil {
		return // Instrumentation not initialized
	}
	m.activeAccounts.Add(ctx, 1)
}

// DecrementActiveAccounts decrements the logged-in accounts counter.
func (m *Metrics) DecrementActiveAccounts(ctx context.Context) {
	if m == nil || m.activeAccounts == nil {
		return // Instrumentation not initialized
	}
	m.activeAccounts.Add(ctx, -1)
}
