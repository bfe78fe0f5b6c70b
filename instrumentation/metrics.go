package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the library.
type Metrics struct {
	// Provider metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
	TokenRefreshed        metric.Int64Counter

	// Session metrics
	CodecOperationsTotal metric.Int64Counter
	CodecDuration        metric.Float64Histogram

	// Logout metrics
	LogoutTokensVerified metric.Int64Counter
	LogoutNoticesWritten metric.Int64Counter

	// Security metrics
	RateLimitExceeded metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	providerMeter := inst.Meter("provider")
	sessionMeter := inst.Meter("session")
	logoutMeter := inst.Meter("logout")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total number of identity provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Identity provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"provider.api.errors.total",
		metric.WithDescription("Total number of identity provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	m.TokenRefreshed, err = providerMeter.Int64Counter(
		"provider.token.refreshed",
		metric.WithDescription("Number of access tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.token.refreshed counter: %w", err)
	}

	m.CodecOperationsTotal, err = sessionMeter.Int64Counter(
		"session.codec.operations.total",
		metric.WithDescription("Total number of session token encrypt/decrypt operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.codec.operations.total counter: %w", err)
	}

	m.CodecDuration, err = sessionMeter.Float64Histogram(
		"session.codec.duration",
		metric.WithDescription("Session token encrypt/decrypt duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.codec.duration histogram: %w", err)
	}

	m.LogoutTokensVerified, err = logoutMeter.Int64Counter(
		"logout.tokens.verified",
		metric.WithDescription("Number of backchannel logout tokens processed, by result"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout.tokens.verified counter: %w", err)
	}

	m.LogoutNoticesWritten, err = logoutMeter.Int64Counter(
		"logout.notices.written",
		metric.WithDescription("Number of logout notices persisted or cleared"),
		metric.WithUnit("{notice}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout.notices.written counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"security.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.rate_limit.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of shared store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Shared store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordProviderAPICall records an identity provider API call.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, profile, operation string, statusCode int, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("profile", profile),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "transport"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("profile", profile),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordTokenRefresh records a token refresh operation.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, profile string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.Bool("rotated", rotated),
	))
}

// RecordCodecOperation records a session token encrypt or decrypt.
func (m *Metrics) RecordCodecOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{attribute.String("operation", operation)}

	m.CodecOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.CodecDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
}

// RecordLogoutVerification records a backchannel logout token verification.
func (m *Metrics) RecordLogoutVerification(ctx context.Context, result string) {
	m.LogoutTokensVerified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordLogoutNotice records a logout notice write or clear.
func (m *Metrics) RecordLogoutNotice(ctx context.Context, action string) {
	m.LogoutNoticesWritten.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStorageOperation records a shared store operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
