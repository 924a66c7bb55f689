package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionUpdate is a full overwrite of the processor-sourced fields of a record.
// Every field is written as-is, nil timestamps included, so racing writers converge.
type SubscriptionUpdate struct {
	SubscriberID           uuid.UUID // required
	ExternalCustomerID     string    // required
	ExternalSubscriptionID string    // required
	PlanID                 string    // empty keeps the stored plan
	Status                 Status    // required, never provisional

	TrialStart         *time.Time
	TrialEnd           *time.Time // required when Status is trialing
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time
	CancelAtPeriodEnd  bool

	FetchedAt time.Time // required; stored as SyncedAt
}

// NewUpdate builds an update from a fetched subscription.
func NewUpdate(subscriberID uuid.UUID, sub *ExternalSubscription, fetchedAt time.Time) SubscriptionUpdate {
	return SubscriptionUpdate{
		SubscriberID:           subscriberID,
		ExternalCustomerID:     sub.CustomerID,
		ExternalSubscriptionID: sub.ID,
		PlanID:                 sub.PlanID,
		Status:                 sub.Status,
		TrialStart:             cloneTime(sub.TrialStart),
		TrialEnd:               cloneTime(sub.TrialEnd),
		CurrentPeriodStart:     cloneTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       cloneTime(sub.CurrentPeriodEnd),
		CancelAt:               cloneTime(sub.CancelAt),
		CanceledAt:             cloneTime(sub.CanceledAt),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		FetchedAt:              fetchedAt,
	}
}

// Validate checks the update against the record invariants.
func (u SubscriptionUpdate) Validate() error {
	var errs []error
	if u.SubscriberID == uuid.Nil {
		errs = append(errs, errors.New("subscriber ID is empty"))
	}
	if u.ExternalCustomerID == "" {
		errs = append(errs, errors.New("external customer ID is empty"))
	}
	if u.ExternalSubscriptionID == "" {
		errs = append(errs, errors.New("external subscription ID is empty"))
	}
	switch {
	case u.Status == StatusProvisional:
		errs = append(errs, errors.New("processor state cannot be provisional"))
	case !u.Status.Valid():
		errs = append(errs, fmt.Errorf("unknown status %q", u.Status))
	case u.Status == StatusTrialing && u.TrialEnd == nil:
		errs = append(errs, errors.New("trialing subscription has no trial end"))
	}
	if u.FetchedAt.IsZero() {
		errs = append(errs, errors.New("fetch time is zero"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidUpdate}, errs...)...)
	}
	return nil
}

// Apply overwrites the processor-sourced fields of rec and returns the result.
// rec may be nil, in which case a new record is built.
func (u SubscriptionUpdate) Apply(rec *Record, now time.Time) *Record {
	out := rec.Clone()
	if out == nil {
		out = &Record{SubscriberID: u.SubscriberID, CreatedAt: now}
	}
	out.ExternalCustomerID = u.ExternalCustomerID
	out.ExternalSubscriptionID = u.ExternalSubscriptionID
	if u.PlanID != "" {
		out.PlanID = u.PlanID
	}
	out.Status = u.Status
	out.TrialStart = cloneTime(u.TrialStart)
	out.TrialEnd = cloneTime(u.TrialEnd)
	out.CurrentPeriodStart = cloneTime(u.CurrentPeriodStart)
	out.CurrentPeriodEnd = cloneTime(u.CurrentPeriodEnd)
	out.CancelAt = cloneTime(u.CancelAt)
	out.CanceledAt = cloneTime(u.CanceledAt)
	out.CancelAtPeriodEnd = u.CancelAtPeriodEnd
	synced := u.FetchedAt
	out.SyncedAt = &synced
	out.UpdatedAt = now
	return out
}

// IsStaleFor reports whether the update was fetched before the state stored in rec.
func (u SubscriptionUpdate) IsStaleFor(rec *Record) bool {
	return rec != nil && rec.SyncedAt != nil && u.FetchedAt.Before(*rec.SyncedAt)
}

// IsSupersededBy reports whether rec already follows a different subscription
// and the update is terminal. A late event for a subscriber's old subscription
// must not replace the live one.
func (u SubscriptionUpdate) IsSupersededBy(rec *Record) bool {
	return rec != nil &&
		rec.ExternalSubscriptionID != "" &&
		rec.ExternalSubscriptionID != u.ExternalSubscriptionID &&
		u.Status.Terminal()
}
