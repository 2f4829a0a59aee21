package activation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "licensecore/internal/errors"
)

const (
	TracerName = "licensecore/activation"
	MeterName  = "licensecore/activation"
)

// LedgerMetrics holds the activation ledger's OpenTelemetry instruments
type LedgerMetrics struct {
	CodesIssued    metric.Int64Counter
	Redemptions    metric.Int64Counter
	Revocations    metric.Int64Counter
	Extensions     metric.Int64Counter
	LedgerWrites   metric.Int64Counter
	DamagedEntries metric.Int64Counter
}

// InitializeLedgerMetrics creates the ledger instruments
func InitializeLedgerMetrics(meter metric.Meter) (*LedgerMetrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m := &LedgerMetrics{}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.CodesIssued, "activation_codes_issued_total", "Activation codes issued"},
		{&m.Redemptions, "activation_redeem_total", "Activation code redemptions by outcome"},
		{&m.Revocations, "activation_revoke_total", "Activation codes revoked"},
		{&m.Extensions, "activation_extend_total", "Activation code extensions"},
		{&m.LedgerWrites, "activation_ledger_writes_total", "Ledger file writes"},
		{&m.DamagedEntries, "activation_ledger_damaged_entries_total", "Ledger entries that failed to decode on load"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}
	return m, nil
}

func (m *LedgerMetrics) recordIssued(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.CodesIssued.Add(ctx, int64(n))
}

func (m *LedgerMetrics) recordRedeem(ctx context.Context, err error) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	m.Redemptions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("kind", string(apperrors.KindOf(err))),
	))
}

func (m *LedgerMetrics) recordRevoke(ctx context.Context) {
	if m == nil {
		return
	}
	m.Revocations.Add(ctx, 1)
}

func (m *LedgerMetrics) recordExtend(ctx context.Context) {
	if m == nil {
		return
	}
	m.Extensions.Add(ctx, 1)
}

func (m *LedgerMetrics) recordWrite(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.LedgerWrites.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
}

func (m *LedgerMetrics) recordDamaged(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DamagedEntries.Add(ctx, int64(n))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
