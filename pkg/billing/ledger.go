package billing

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// EventLedger deduplicates webhook deliveries by event ID.
type EventLedger interface {
	// Claim marks id as in progress. It returns false when id was already
	// claimed or completed, in which case the delivery must be skipped.
	Claim(ctx context.Context, id string) (bool, error)
	// Complete marks id as processed for the retention window.
	Complete(ctx context.Context, id string) error
	// Release drops a claim so a redelivery can retry the event.
	Release(ctx context.Context, id string) error
}

const (
	ledgerPending = "pending"
	ledgerDone    = "done"
)

// MemoryLedger is an in-process EventLedger backed by go-cache.
type MemoryLedger struct {
	cache     *gocache.Cache
	claimTTL  time.Duration
	retainTTL time.Duration
}

// NewMemoryLedger returns a ledger that keeps processed IDs for retain and
// expires abandoned claims after claimTTL.
func NewMemoryLedger(claimTTL, retain time.Duration) *MemoryLedger {
	return &MemoryLedger{
		cache:     gocache.New(retain, retain),
		claimTTL:  claimTTL,
		retainTTL: retain,
	}
}

func (l *MemoryLedger) Claim(_ context.Context, id string) (bool, error) {
	if err := l.cache.Add(id, ledgerPending, l.claimTTL); err != nil {
		// Add fails only when the key exists and has not expired
		return false, nil
	}
	return true, nil
}

func (l *MemoryLedger) Complete(_ context.Context, id string) error {
	l.cache.Set(id, ledgerDone, l.retainTTL)
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, id string) error {
	l.cache.Delete(id)
	return nil
}
