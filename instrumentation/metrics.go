package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationValidated metric.Int64Counter
	ConsentDecided         metric.Int64Counter
	TokenIssued            metric.Int64Counter
	TokenRevoked           metric.Int64Counter
	TokenIntrospected      metric.Int64Counter

	// Security Metrics
	RateLimitExceeded metric.Int64Counter
	CodeReuseDetected metric.Int64Counter

	// Storage Metrics
	StorageClientsCount metric.Int64ObservableGauge
	StorageTokensCount  metric.Int64ObservableGauge
	StorageCodesCount   metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationValidated, err = serverMeter.Int64Counter(
		"oauth.authorization.validated",
		metric.WithDescription("Number of authorization requests validated"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.validated counter: %w", err)
	}

	m.ConsentDecided, err = serverMeter.Int64Counter(
		"oauth.consent.decided",
		metric.WithDescription("Number of consent decisions (approve or deny)"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent.decided counter: %w", err)
	}

	m.TokenIssued, err = serverMeter.Int64Counter(
		"oauth.token.issued",
		metric.WithDescription("Number of access tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenRevoked, err = serverMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.TokenIntrospected, err = serverMeter.Int64Counter(
		"oauth.token.introspected",
		metric.WithDescription("Number of token introspection checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.introspected counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"oauth.code.reuse_detected",
		metric.WithDescription("Number of authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of registered clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.tokens.count",
		metric.WithDescription("Number of live access tokens"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens.count gauge: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"storage.codes.count",
		metric.WithDescription("Number of live authorization codes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationValidated records a validated authorization request
func (m *Metrics) RecordAuthorizationValidated(ctx context.Context, clientID string) {
	m.AuthorizationValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordConsentDecided records a consent decision
func (m *Metrics) RecordConsentDecided(ctx context.Context, clientID string, approved bool) {
	m.ConsentDecided.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("approved", approved),
	))
}

// RecordTokenIssued records an access token issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRevoked records a token revocation
func (m *Metrics) RecordTokenRevoked(ctx context.Context, clientID string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenIntrospected records an introspection check
func (m *Metrics) RecordTokenIntrospected(ctx context.Context, active bool) {
	m.TokenIntrospected.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("active", active),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}
