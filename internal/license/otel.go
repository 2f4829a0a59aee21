package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "licensecore/internal/errors"
)

const (
	TracerName = "licensecore/license"
	MeterName  = "licensecore/license"
)

// LicenseMetrics holds the license verifier's OpenTelemetry instruments
type LicenseMetrics struct {
	VerificationAttempts metric.Int64Counter
	VerificationSuccess  metric.Int64Counter
	VerificationFailures metric.Int64Counter
	VerificationDuration metric.Float64Histogram

	TimeSourceLookups metric.Int64Counter
	StateWrites       metric.Int64Counter
	StateCorruptions  metric.Int64Counter

	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	BlockedAttempts metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m := &LicenseMetrics{}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.VerificationAttempts, "license_verification_attempts_total", "Total number of license verifications"},
		{&m.VerificationSuccess, "license_verification_success_total", "Total number of successful license verifications"},
		{&m.VerificationFailures, "license_verification_failures_total", "Total number of rejected license verifications by kind"},
		{&m.TimeSourceLookups, "license_time_source_total", "Time lookups by source (network or local)"},
		{&m.StateWrites, "license_state_writes_total", "License state persist operations"},
		{&m.StateCorruptions, "license_state_corruptions_total", "License state files that failed to decrypt"},
		{&m.CacheHits, "license_status_cache_hits_total", "License status cache hits"},
		{&m.CacheMisses, "license_status_cache_misses_total", "License status cache misses"},
		{&m.BlockedAttempts, "license_blocked_attempts_total", "Requests refused by the failed-attempt guard"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.VerificationDuration, err = meter.Float64Histogram(
		"license_verification_duration_seconds",
		metric.WithDescription("License verification duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification duration histogram: %w", err)
	}

	return m, nil
}

func (m *LicenseMetrics) recordVerification(ctx context.Context, d Decision, duration time.Duration) {
	if m == nil {
		return
	}
	source := attribute.String("time_source", d.TimeSource)
	m.VerificationAttempts.Add(ctx, 1, metric.WithAttributes(source))
	m.VerificationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.Bool("valid", d.Valid),
	))
	if d.Valid {
		m.VerificationSuccess.Add(ctx, 1)
		return
	}
	m.VerificationFailures.Add(ctx, 1, metric.WithAttributes(kindAttr(d.Kind)))
}

func (m *LicenseMetrics) recordTimeSource(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.TimeSourceLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *LicenseMetrics) recordStateWrite(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.StateWrites.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
}

func (m *LicenseMetrics) recordStateCorruption(ctx context.Context) {
	if m == nil {
		return
	}
	m.StateCorruptions.Add(ctx, 1)
}

func (m *LicenseMetrics) recordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
	} else {
		m.CacheMisses.Add(ctx, 1)
	}
}

// RecordBlocked counts a request refused by the attempt guard.
func (m *LicenseMetrics) RecordBlocked(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.BlockedAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

func kindAttr(k apperrors.Kind) attribute.KeyValue {
	if k == apperrors.KindNone {
		return attribute.String("kind", "not_activated")
	}
	return attribute.String("kind", string(k))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
