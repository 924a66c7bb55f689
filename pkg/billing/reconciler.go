package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Reconcile outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeCanceled  = "canceled"
	OutcomeStale     = "stale"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// ReconcileResult describes what a reconciliation did to the local record.
type ReconcileResult struct {
	SubscriberID   uuid.UUID `json:"subscriberId"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Outcome        string    `json:"outcome"`
	Status         Status    `json:"status,omitempty"`
	FetchedAt      time.Time `json:"fetchedAt"`
}

// SyncRequest asks for a manual reconciliation of one subscriber.
// Email is used for discovery when no processor IDs are known locally.
type SyncRequest struct {
	SubscriberID uuid.UUID
	Email        string
}

// Reconciler merges authoritative processor state into local records.
// Every write is a full overwrite of the processor-sourced fields stamped with
// the fetch time, so concurrent reconciliations converge to the latest fetch.
type Reconciler struct {
	processor Processor
	store     RecordStore

	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
	newBackOff  func() backoff.BackOff
	concurrency int
}

// NewReconciler creates a Reconciler.
func NewReconciler(processor Processor, store RecordStore, opts ...Option) *Reconciler {
	if processor == nil {
		panic("billing: Processor is required")
	}
	if store == nil {
		panic("billing: RecordStore is required")
	}
	o := newOptions(opts)
	return &Reconciler{
		processor:   processor,
		store:       store,
		logger:      o.logger,
		metrics:     o.metrics,
		now:         o.now,
		newBackOff:  o.newBackOff,
		concurrency: o.concurrency,
	}
}

// target identifies what to fetch and whom the result belongs to.
type target struct {
	subscriberID   uuid.UUID
	subscriptionID string
	customerID     string
	email          string
}

func (t target) byID() bool { return t.subscriptionID != "" }

// HandleEvent reconciles the subscription referenced by a verified event.
// Events without a subscription return ErrNothingToReconcile.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *Event) (*ReconcileResult, error) {
	if ev == nil || ev.SubscriptionID == "" {
		return nil, ErrNothingToReconcile
	}
	return r.reconcile(ctx, TriggerEvent, target{
		subscriberID:   ev.SubscriberID,
		subscriptionID: ev.SubscriptionID,
		customerID:     ev.CustomerID,
	})
}

// SyncSubscriber fetches the subscriber's subscription on demand. Without a
// known subscription ID it discovers one by customer, then by billing email.
func (r *Reconciler) SyncSubscriber(ctx context.Context, req SyncRequest) (*ReconcileResult, error) {
	if req.SubscriberID == uuid.Nil {
		return nil, ErrMissingSubscriber
	}

	rec, err := r.store.GetBySubscriber(ctx, req.SubscriberID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	t := target{subscriberID: req.SubscriberID, email: req.Email}
	if rec != nil {
		t.subscriptionID = rec.ExternalSubscriptionID
		t.customerID = rec.ExternalCustomerID
		if t.email == "" {
			t.email = rec.BillingEmail
		}
	}
	if !t.byID() && t.customerID == "" && t.email == "" {
		return nil, ErrNothingToReconcile
	}

	return r.reconcile(ctx, TriggerManual, t)
}

// reconcileRecord reconciles a stored record; used by the sweep.
func (r *Reconciler) reconcileRecord(ctx context.Context, rec *Record) (*ReconcileResult, error) {
	return r.reconcile(ctx, TriggerSweep, target{
		subscriberID:   rec.SubscriberID,
		subscriptionID: rec.ExternalSubscriptionID,
		customerID:     rec.ExternalCustomerID,
		email:          rec.BillingEmail,
	})
}

func (r *Reconciler) reconcile(ctx context.Context, trigger Trigger, t target) (*ReconcileResult, error) {
	res, err := r.fetch(ctx, t)
	if err != nil {
		r.metrics.reconciled(trigger, "transient")
		r.logger.WarnContext(ctx, "processor unavailable, subscription left unchanged",
			slog.String("trigger", string(trigger)),
			slog.String("subscriber_id", t.subscriberID.String()),
			slog.String("subscription_id", t.subscriptionID),
			slog.String("error", err.Error()))
		return nil, errors.Join(ErrReconciliationFailed, err)
	}

	var out *ReconcileResult
	switch res.Outcome {
	case FetchFound:
		out, err = r.merge(ctx, t, res)
	case FetchNotFound:
		out, err = r.cancel(ctx, t, res)
	default:
		err = errors.Join(ErrReconciliationFailed, res.Err)
	}

	if err != nil {
		r.metrics.reconciled(trigger, OutcomeFailed)
		r.logger.ErrorContext(ctx, "subscription reconciliation failed",
			slog.String("trigger", string(trigger)),
			slog.String("subscriber_id", t.subscriberID.String()),
			slog.String("subscription_id", t.subscriptionID),
			slog.String("error", err.Error()))
		return nil, err
	}

	r.metrics.reconciled(trigger, out.Outcome)
	r.logger.InfoContext(ctx, "subscription reconciled",
		slog.String("trigger", string(trigger)),
		slog.String("subscriber_id", out.SubscriberID.String()),
		slog.String("subscription_id", out.SubscriptionID),
		slog.String("status", string(out.Status)),
		slog.String("outcome", out.Outcome))
	return out, nil
}

// fetch queries the processor, retrying transient failures with backoff.
// The returned error is non-nil only when retries are exhausted or ctx ends.
func (r *Reconciler) fetch(ctx context.Context, t target) (FetchResult, error) {
	var res FetchResult
	op := func() error {
		if t.byID() {
			res = r.processor.FetchSubscription(ctx, t.subscriptionID)
		} else {
			res = r.processor.FindSubscription(ctx, SubscriptionQuery{CustomerID: t.customerID, Email: t.email})
		}
		if res.Outcome == FetchTransient {
			return res.Err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(r.newBackOff(), ctx)); err != nil {
		return FetchResult{}, err
	}
	return res, nil
}

func (r *Reconciler) merge(ctx context.Context, t target, res FetchResult) (*ReconcileResult, error) {
	sub := res.Subscription
	if sub == nil {
		return nil, errors.Join(ErrReconciliationFailed, errors.New("found result without subscription"))
	}

	subscriberID, err := r.attribute(ctx, t, sub)
	if err != nil {
		return nil, err
	}

	u := NewUpdate(subscriberID, sub, res.FetchedAt)
	if err := u.Validate(); err != nil {
		return nil, err
	}

	applied, err := r.write(ctx, func() (ApplyResult, error) { return r.store.ApplyUpdate(ctx, u) })
	if err != nil {
		return nil, err
	}

	out := &ReconcileResult{
		SubscriberID:   subscriberID,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		FetchedAt:      res.FetchedAt,
	}
	switch applied {
	case ApplyCreated:
		out.Outcome = OutcomeCreated
	case ApplyStale:
		out.Outcome = OutcomeStale
	case ApplySuperseded:
		out.Outcome = OutcomeUnchanged
		out.Status = ""
		if rec, err := r.store.GetBySubscriber(ctx, subscriberID); err == nil {
			out.SubscriptionID, out.Status = rec.ExternalSubscriptionID, rec.Status
		}
		r.logger.InfoContext(ctx, "ignored terminal update for a replaced subscription",
			slog.String("subscriber_id", subscriberID.String()),
			slog.String("subscription_id", sub.ID),
			slog.String("status", string(sub.Status)))
	default:
		out.Outcome = OutcomeUpdated
	}
	return out, nil
}

// cancel applies an authoritative not-found. Discovery that finds nothing
// leaves the record as it is; a by-ID miss cancels it without deleting it.
func (r *Reconciler) cancel(ctx context.Context, t target, res FetchResult) (*ReconcileResult, error) {
	out := &ReconcileResult{
		SubscriberID:   t.subscriberID,
		SubscriptionID: t.subscriptionID,
		Outcome:        OutcomeUnchanged,
		FetchedAt:      res.FetchedAt,
	}
	if !t.byID() {
		return out, nil
	}

	rec, err := r.store.GetByExternalSubscription(ctx, t.subscriptionID)
	if errors.Is(err, ErrRecordNotFound) {
		// nothing local references the subscription
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.SubscriberID = rec.SubscriberID

	applied, err := r.write(ctx, func() (ApplyResult, error) {
		return r.store.MarkCanceled(ctx, rec.SubscriberID, res.FetchedAt)
	})
	if err != nil {
		return nil, err
	}
	if applied == ApplyStale {
		out.Outcome = OutcomeStale
		out.Status = rec.Status
		return out, nil
	}
	out.Outcome = OutcomeCanceled
	out.Status = StatusCanceled
	return out, nil
}

// attribute finds the subscriber a fetched subscription belongs to.
func (r *Reconciler) attribute(ctx context.Context, t target, sub *ExternalSubscription) (uuid.UUID, error) {
	if t.subscriberID != uuid.Nil {
		return t.subscriberID, nil
	}
	if sub.SubscriberID != uuid.Nil {
		return sub.SubscriberID, nil
	}

	rec, err := r.store.GetByExternalSubscription(ctx, sub.ID)
	if err == nil {
		return rec.SubscriberID, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return uuid.Nil, err
	}

	rec, err = r.store.GetByExternalCustomer(ctx, sub.CustomerID)
	if err == nil {
		return rec.SubscriberID, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return uuid.Nil, err
	}
	return uuid.Nil, ErrUnattributedUpdate
}

// write runs fn and retries it exactly once on a write conflict.
func (r *Reconciler) write(ctx context.Context, fn func() (ApplyResult, error)) (ApplyResult, error) {
	res, err := fn()
	if !errors.Is(err, ErrWriteConflict) {
		return res, err
	}
	r.logger.DebugContext(ctx, "write conflict, retrying once")
	return fn()
}
