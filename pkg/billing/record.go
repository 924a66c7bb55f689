package billing

import (
	"time"

	"github.com/google/uuid"
)

// Record is the local mirror of a subscriber's billing state.
// Each subscriber has exactly one record once provisioning produced one.
type Record struct {
	SubscriberID           uuid.UUID
	ExternalCustomerID     string // empty until the processor customer exists
	ExternalSubscriptionID string // empty only while provisional
	PlanID                 string
	Status                 Status
	BillingEmail           string

	// Processor-sourced timestamps, never computed locally.
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time
	CancelAtPeriodEnd  bool

	UsageCounter int64
	UsagePeriod  string // period identifier UsageCounter belongs to

	// SyncedAt is the fetch time of the processor state last merged into the record.
	// Updates fetched earlier than SyncedAt are rejected as stale.
	SyncedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time // observability only
}

// Clone returns a deep copy so stores never share pointers with callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.TrialStart = cloneTime(r.TrialStart)
	c.TrialEnd = cloneTime(r.TrialEnd)
	c.CurrentPeriodStart = cloneTime(r.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(r.CurrentPeriodEnd)
	c.CancelAt = cloneTime(r.CancelAt)
	c.CanceledAt = cloneTime(r.CanceledAt)
	c.SyncedAt = cloneTime(r.SyncedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
