package billing

import (
	"context"
	"errors"
	"log/slog"
)

// Webhook delivery results.
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookRejected  = "rejected"
	WebhookFailed    = "failed"
)

// WebhookResult reports how a delivery was handled.
type WebhookResult struct {
	EventID   string           `json:"eventId,omitempty"`
	EventType string           `json:"eventType,omitempty"`
	Result    string           `json:"result"`
	Reconcile *ReconcileResult `json:"reconcile,omitempty"`
}

// Webhooks verifies, deduplicates and reconciles processor notifications.
type Webhooks struct {
	processor  Processor
	reconciler *Reconciler
	ledger     EventLedger

	logger  *slog.Logger
	metrics *Metrics
}

// NewWebhooks creates a Webhooks handler.
func NewWebhooks(processor Processor, reconciler *Reconciler, ledger EventLedger, opts ...Option) *Webhooks {
	if processor == nil {
		panic("billing: Processor is required")
	}
	if reconciler == nil {
		panic("billing: Reconciler is required")
	}
	if ledger == nil {
		panic("billing: EventLedger is required")
	}
	o := newOptions(opts)
	return &Webhooks{
		processor:  processor,
		reconciler: reconciler,
		ledger:     ledger,
		logger:     o.logger,
		metrics:    o.metrics,
	}
}

// Handle processes one delivery. Redelivered event IDs are acknowledged
// without reconciling again. On failure the claim is released so the
// processor's retry can succeed later.
func (w *Webhooks) Handle(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	ev, err := w.processor.ParseEvent(ctx, payload, signature)
	if err != nil {
		w.metrics.WebhookEvent("unknown", WebhookRejected)
		return &WebhookResult{Result: WebhookRejected}, err
	}

	out := &WebhookResult{EventID: ev.ID, EventType: ev.Type}
	log := w.logger.With(slog.String("event_id", ev.ID), slog.String("event_type", ev.Type))

	if ev.ID != "" {
		claimed, err := w.ledger.Claim(ctx, ev.ID)
		if err != nil {
			w.metrics.WebhookEvent(ev.Type, WebhookFailed)
			return nil, err
		}
		if !claimed {
			log.InfoContext(ctx, "duplicate webhook delivery skipped")
			out.Result = WebhookDuplicate
			w.metrics.WebhookEvent(ev.Type, out.Result)
			return out, nil
		}
	}

	res, err := w.reconciler.HandleEvent(ctx, ev)
	switch {
	case errors.Is(err, ErrNothingToReconcile):
		out.Result = WebhookIgnored
	case err != nil:
		if ev.ID != "" {
			if rerr := w.ledger.Release(context.WithoutCancel(ctx), ev.ID); rerr != nil {
				log.ErrorContext(ctx, "failed to release webhook claim", slog.String("error", rerr.Error()))
			}
		}
		w.metrics.WebhookEvent(ev.Type, WebhookFailed)
		return nil, err
	default:
		out.Result = WebhookProcessed
		out.Reconcile = res
	}

	if ev.ID != "" {
		if err := w.ledger.Complete(ctx, ev.ID); err != nil {
			log.WarnContext(ctx, "failed to mark webhook processed", slog.String("error", err.Error()))
		}
	}
	w.metrics.WebhookEvent(ev.Type, out.Result)
	return out, nil
}
