package ingest

import (
	"context"
	"log/slog"

	"github.com/lancepay/escrowd/internal/metrics"
	"github.com/lancepay/escrowd/internal/traces"
)

// Notifier receives applied events for fan-out to live consumers.
type Notifier interface {
	Publish(eventType, escrowRef string, amountCents int64)
}

// Processor verifies, deduplicates, and applies inbound provider events.
type Processor struct {
	applier  Applier
	secret   string
	logger   *slog.Logger
	notifier Notifier
}

// NewProcessor creates an event processor. secret is the shared webhook
// signing secret; it must not be empty outside development.
func NewProcessor(applier Applier, secret string, logger *slog.Logger) *Processor {
	return &Processor{applier: applier, secret: secret, logger: logger}
}

// WithNotifier attaches a live-feed notifier for applied events.
func (p *Processor) WithNotifier(n Notifier) *Processor {
	p.notifier = n
	return p
}

// Process ingests one raw webhook body. The result distinguishes first-time
// application, idempotent replays, and rejected (unverifiable) events; err is
// non-nil only for malformed input, unknown escrows, or persistence failures.
func (p *Processor) Process(ctx context.Context, raw []byte) (Result, error) {
	payload, err := ParsePayload(raw)
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(string(ResultRejected)).Inc()
		return ResultRejected, err
	}

	// Signature failure is a hard reject. An event we cannot authenticate
	// never reaches the settlement engine.
	if !VerifySignature(p.secret, payload) {
		metrics.EventsIngestedTotal.WithLabelValues(string(ResultRejected)).Inc()
		p.logger.Warn("rejected event with bad signature",
			"event", payload.Event, "escrowRef", payload.Data.EscrowID)
		return ResultRejected, ErrBadSignature
	}

	ev, err := payload.ToEvent()
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(string(ResultRejected)).Inc()
		return ResultRejected, err
	}

	// Unknown event types are acknowledged, not errored, so the provider can
	// add types without breaking us.
	if ev.Kind == KindUnknown {
		p.logger.Warn("acknowledged unknown event type",
			"event", ev.RawType, "escrowRef", ev.EscrowRef)
		metrics.EventsIngestedTotal.WithLabelValues(string(ResultProcessed)).Inc()
		return ResultProcessed, nil
	}

	ctx, span := traces.StartSpan(ctx, "ingest.apply",
		traces.EventType(ev.RawType), traces.AmountCents(ev.Amount))
	defer span.End()

	result, err := p.applier.Apply(ctx, ev)
	if err != nil {
		p.logger.Error("event apply failed",
			"event", ev.RawType, "escrowRef", ev.EscrowRef, "error", err)
		return "", err
	}

	metrics.EventsIngestedTotal.WithLabelValues(string(result)).Inc()
	if result == ResultProcessed && p.notifier != nil {
		p.notifier.Publish(ev.RawType, ev.EscrowRef, ev.Amount)
	}
	return result, nil
}
