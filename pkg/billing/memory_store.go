package billing

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and ActionSource for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
	trials  map[uuid.UUID]map[string]time.Time
	actions map[uuid.UUID][]time.Time
	now     func() time.Time
}

var (
	_ Store        = (*MemoryStore)(nil)
	_ ActionSource = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*Record),
		trials:  make(map[uuid.UUID]map[string]time.Time),
		actions: make(map[uuid.UUID][]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) GetBySubscriber(_ context.Context, subscriberID uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[subscriberID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByExternalSubscription(_ context.Context, subscriptionID string) (*Record, error) {
	if subscriptionID == "" {
		return nil, ErrRecordNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec := s.findLocked(func(r *Record) bool { return r.ExternalSubscriptionID == subscriptionID }); rec != nil {
		return rec.Clone(), nil
	}
	return nil, ErrRecordNotFound
}

func (s *MemoryStore) GetByExternalCustomer(_ context.Context, customerID string) (*Record, error) {
	if customerID == "" {
		return nil, ErrRecordNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec := s.findLocked(func(r *Record) bool { return r.ExternalCustomerID == customerID }); rec != nil {
		return rec.Clone(), nil
	}
	return nil, ErrRecordNotFound
}

func (s *MemoryStore) findLocked(match func(*Record) bool) *Record {
	for _, rec := range s.records {
		if match(rec) {
			return rec
		}
	}
	return nil
}

func (s *MemoryStore) InsertProvisional(_ context.Context, rec *Record) (bool, error) {
	if rec == nil || rec.SubscriberID == uuid.Nil {
		return false, ErrMissingSubscriber
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.SubscriberID]; ok {
		return false, nil
	}
	c := rec.Clone()
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.records[c.SubscriberID] = c
	return true, nil
}

func (s *MemoryStore) ApplyUpdate(_ context.Context, u SubscriptionUpdate) (ApplyResult, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.findLocked(func(r *Record) bool { return r.ExternalSubscriptionID == u.ExternalSubscriptionID })
	if cur == nil {
		cur = s.records[u.SubscriberID]
		if u.IsSupersededBy(cur) {
			if u.TrialStart != nil {
				s.recordTrialLocked(u.SubscriberID, u.ExternalSubscriptionID, *u.TrialStart)
			}
			return ApplySuperseded, nil
		}
	}
	if u.IsStaleFor(cur) {
		return ApplyStale, nil
	}

	result := ApplyUpdated
	if cur == nil {
		result = ApplyCreated
	} else if cur.SubscriberID != u.SubscriberID {
		// the subscription is already attributed to another subscriber
		u.SubscriberID = cur.SubscriberID
	}

	next := u.Apply(cur, s.now())
	s.records[next.SubscriberID] = next
	if u.TrialStart != nil {
		s.recordTrialLocked(next.SubscriberID, u.ExternalSubscriptionID, *u.TrialStart)
	}
	return result, nil
}

func (s *MemoryStore) recordTrialLocked(subscriberID uuid.UUID, subscriptionID string, start time.Time) {
	h, ok := s.trials[subscriberID]
	if !ok {
		h = make(map[string]time.Time)
		s.trials[subscriberID] = h
	}
	if _, seen := h[subscriptionID]; !seen {
		h[subscriptionID] = start
	}
}

func (s *MemoryStore) MarkCanceled(_ context.Context, subscriberID uuid.UUID, fetchedAt time.Time) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[subscriberID]
	if !ok {
		return 0, ErrRecordNotFound
	}
	if cur.SyncedAt != nil && fetchedAt.Before(*cur.SyncedAt) {
		return ApplyStale, nil
	}
	next := cur.Clone()
	next.Status = StatusCanceled
	next.SyncedAt = &fetchedAt
	next.UpdatedAt = s.now()
	s.records[subscriberID] = next
	return ApplyUpdated, nil
}

func (s *MemoryStore) ListForSweep(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if !rec.Status.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Record) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.SubscriberID.String(), b.SubscriberID.String()))
	})
	return out, nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, subscriberID uuid.UUID, periodID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subscriberID]
	if !ok {
		return 0, ErrRecordNotFound
	}
	if rec.UsagePeriod == periodID {
		rec.UsageCounter++
	} else {
		rec.UsagePeriod = periodID
		rec.UsageCounter = 1
	}
	rec.UpdatedAt = s.now()
	return rec.UsageCounter, nil
}

func (s *MemoryStore) ResetUsage(_ context.Context, subscriberID uuid.UUID, periodID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subscriberID]
	if !ok {
		return false, ErrRecordNotFound
	}
	if rec.UsagePeriod == periodID {
		return false, nil
	}
	rec.UsagePeriod = periodID
	rec.UsageCounter = 0
	rec.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) HasTrialHistory(_ context.Context, subscriberID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.trials[subscriberID]) > 0 {
		return true, nil
	}
	rec, ok := s.records[subscriberID]
	return ok && rec.TrialStart != nil, nil
}

// RecordAction journals a completed consuming action at the given time.
func (s *MemoryStore) RecordAction(subscriberID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[subscriberID] = append(s.actions[subscriberID], at)
}

// CountActions counts journaled actions in [from, to).
func (s *MemoryStore) CountActions(_ context.Context, subscriberID uuid.UUID, from, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, at := range s.actions[subscriberID] {
		if !at.Before(from) && at.Before(to) {
			n++
		}
	}
	return n, nil
}
