package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"DeskChat/internal/session"
)

// Snapshot holds usage totals derived from one reconciled log. It is
// recomputed wholesale on every log change, never patched.
type Snapshot struct {
	TotalTokens int64
	TotalCost   float64
	TotalCarbon float64
}

// Totals sums usage facts over assistant messages. User messages never
// contribute; absent values count as zero.
func Totals(msgs []session.Message) Snapshot {
	var snap Snapshot
	for _, msg := range msgs {
		if msg.Sender != session.SenderAssistant {
			continue
		}
		if msg.TokenCount != nil {
			snap.TotalTokens += *msg.TokenCount
		}
		if msg.Cost != nil {
			snap.TotalCost += *msg.Cost
		}
		if msg.CarbonFootprint != nil {
			snap.TotalCarbon += *msg.CarbonFootprint
		}
	}
	return snap
}

// Recorder publishes per-message usage facts as OpenTelemetry counters
type Recorder struct {
	tokens metric.Int64Counter
	cost   metric.Float64Counter
	carbon metric.Float64Counter
	logger *slog.Logger
}

// NewRecorder creates the usage counters on the given meter. Instrument
// creation failures are logged and the affected counter is skipped.
func NewRecorder(meter metric.Meter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{logger: logger}

	var err error
	if r.tokens, err = meter.Int64Counter(
		"chat.usage.tokens",
		metric.WithDescription("Tokens consumed by assistant messages"),
	); err != nil {
		logger.Warn("failed to create token counter", "error", err)
	}
	if r.cost, err = meter.Float64Counter(
		"chat.usage.cost",
		metric.WithDescription("Estimated cost in USD"),
	); err != nil {
		logger.Warn("failed to create cost counter", "error", err)
	}
	if r.carbon, err = meter.Float64Counter(
		"chat.usage.carbon",
		metric.WithDescription("Estimated carbon footprint in kg CO2e"),
	); err != nil {
		logger.Warn("failed to create carbon counter", "error", err)
	}
	return r
}

// Record adds the message's usage facts to the counters. User messages
// carry none and are skipped.
func (r *Recorder) Record(ctx context.Context, msg session.Message) {
	if msg.Sender != session.SenderAssistant {
		return
	}
	if r.tokens != nil && msg.TokenCount != nil {
		r.tokens.Add(ctx, *msg.TokenCount)
	}
	if r.cost != nil && msg.Cost != nil {
		r.cost.Add(ctx, *msg.Cost)
	}
	if r.carbon != nil && msg.CarbonFootprint != nil {
		r.carbon.Add(ctx, *msg.CarbonFootprint)
	}
}
