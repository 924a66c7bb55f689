package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RecordReader reads subscription records.
type RecordReader interface {
	// GetBySubscriber returns ErrRecordNotFound if the subscriber has no record.
	GetBySubscriber(ctx context.Context, subscriberID uuid.UUID) (*Record, error)
}

// ApplyResult reports what a write did.
type ApplyResult int

const (
	ApplyUpdated ApplyResult = iota + 1
	ApplyCreated
	ApplyStale      // rejected, the stored state was fetched later
	ApplySuperseded // rejected, the record follows another subscription
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyUpdated:
		return "updated"
	case ApplyCreated:
		return "created"
	case ApplyStale:
		return "stale"
	case ApplySuperseded:
		return "superseded"
	}
	return "unknown"
}

// RecordStore persists subscription records.
// Each subscriber has exactly one record, so SubscriberID serves as the primary key.
type RecordStore interface {
	RecordReader

	GetByExternalSubscription(ctx context.Context, subscriptionID string) (*Record, error)
	GetByExternalCustomer(ctx context.Context, customerID string) (*Record, error)

	// InsertProvisional inserts rec unless the subscriber already has a record.
	// created is false when a record existed; the existing row is left untouched.
	InsertProvisional(ctx context.Context, rec *Record) (created bool, err error)

	// ApplyUpdate overwrites the processor-sourced fields of the record matched by
	// external subscription ID, else by subscriber ID, creating it when absent.
	// Updates fetched before the stored SyncedAt are rejected with ApplyStale.
	// A terminal update for a subscription other than the one the subscriber's
	// record follows is rejected with ApplySuperseded and leaves the record as is.
	// A non-null TrialStart is appended to the durable trial history.
	// Concurrent modification is reported as ErrWriteConflict.
	ApplyUpdate(ctx context.Context, u SubscriptionUpdate) (ApplyResult, error)

	// MarkCanceled moves the subscriber's record to canceled without deleting it.
	// The same stale rule as ApplyUpdate applies to fetchedAt.
	MarkCanceled(ctx context.Context, subscriberID uuid.UUID, fetchedAt time.Time) (ApplyResult, error)

	// ListForSweep returns every record with a non-terminal status.
	ListForSweep(ctx context.Context) ([]*Record, error)
}

// UsageStore maintains the per-period usage counter on the record.
type UsageStore interface {
	// IncrementUsage adds one to the counter for periodID. A record holding another
	// period restarts at 1. Returns ErrRecordNotFound without a record.
	IncrementUsage(ctx context.Context, subscriberID uuid.UUID, periodID string) (int64, error)
	// ResetUsage zeroes the counter and marks it as belonging to periodID.
	// reset is false when the counter already belonged to periodID.
	ResetUsage(ctx context.Context, subscriberID uuid.UUID, periodID string) (reset bool, err error)
}

// TrialHistory answers whether a subscriber ever started a trial.
type TrialHistory interface {
	HasTrialHistory(ctx context.Context, subscriberID uuid.UUID) (bool, error)
}

// ActionSource counts completed quota-consuming actions, independently of the counter.
type ActionSource interface {
	CountActions(ctx context.Context, subscriberID uuid.UUID, from, to time.Time) (int64, error)
}

// Store is the full datastore contract of the engine.
type Store interface {
	RecordStore
	UsageStore
	TrialHistory
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
