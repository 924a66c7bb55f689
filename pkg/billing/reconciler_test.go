package billing_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/reviewradar/pkg/billing"
)

// conflictingStore fails the first n writes with ErrWriteConflict.
type conflictingStore struct {
	*billing.MemoryStore
	conflicts atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) ApplyUpdate(ctx context.Context, u billing.SubscriptionUpdate) (billing.ApplyResult, error) {
	s.calls.Add(1)
	if s.conflicts.Add(-1) >= 0 {
		return 0, billing.ErrWriteConflict
	}
	return s.MemoryStore.ApplyUpdate(ctx, u)
}

func TestReconciler_HandleEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("creates record from attributed subscription", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()
		proc.putSubscription(activeSubscription("sub_1", "cus_1", id, now.AddDate(0, 0, -3)))

		r := billing.NewReconciler(proc, store, noRetry())
		res, err := r.HandleEvent(ctx, &billing.Event{ID: "evt_1", SubscriptionID: "sub_1"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeCreated, res.Outcome)
		assert.Equal(t, id, res.SubscriberID)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, rec.Status)
		assert.Equal(t, "starter", rec.PlanID)
		require.NotNil(t, rec.SyncedAt)
		assert.Equal(t, now, *rec.SyncedAt)
	})

	t.Run("later fetch wins regardless of write order", func(t *testing.T) {
		t.Parallel()
		proc := &mockProcessor{}
		store := billing.NewMemoryStore()
		id := uuid.New()
		t1, t2 := now, now.Add(2*time.Second)

		pastDue := activeSubscription("sub_1", "cus_1", id, now.AddDate(0, 0, -3))
		pastDue.Status = billing.StatusPastDue
		active := activeSubscription("sub_1", "cus_1", id, now.AddDate(0, 0, -3))

		// the sweep fetched later but lands first; the webhook fetched earlier and lands last
		proc.On("FetchSubscription", mock.Anything, "sub_1").Return(billing.Found(active, t2)).Once()
		proc.On("FetchSubscription", mock.Anything, "sub_1").Return(billing.Found(pastDue, t1)).Once()

		r := billing.NewReconciler(proc, store, noRetry())
		first, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeCreated, first.Outcome)

		second, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeStale, second.Outcome)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, rec.Status)
		assert.Equal(t, t2, *rec.SyncedAt)
	})

	t.Run("update overwrites every processor field", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()

		trial := activeSubscription("sub_1", "cus_1", id, now.AddDate(0, 0, -3))
		trial.Status = billing.StatusTrialing
		trial.TrialStart = timePtr(now.AddDate(0, 0, -3))
		trial.TrialEnd = timePtr(now.AddDate(0, 0, 11))
		trial.CancelAtPeriodEnd = true
		_, err := store.ApplyUpdate(ctx, billing.NewUpdate(id, trial, now.Add(-time.Hour)))
		require.NoError(t, err)

		proc.putSubscription(activeSubscription("sub_1", "cus_1", id, now))
		r := billing.NewReconciler(proc, store, noRetry())
		res, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeUpdated, res.Outcome)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, rec.Status)
		assert.Nil(t, rec.TrialEnd)
		assert.False(t, rec.CancelAtPeriodEnd)
		assert.Equal(t, now, *rec.CurrentPeriodStart)
	})

	t.Run("missing subscription cancels and keeps the row", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()
		_, err := store.ApplyUpdate(ctx, billing.NewUpdate(id,
			activeSubscription("sub_gone", "cus_1", id, now.AddDate(0, 0, -3)), now.Add(-time.Hour)))
		require.NoError(t, err)

		r := billing.NewReconciler(proc, store, noRetry())
		res, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_gone"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeCanceled, res.Outcome)
		assert.Equal(t, id, res.SubscriberID)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, rec.Status)
		assert.Equal(t, "sub_gone", rec.ExternalSubscriptionID)
		assert.False(t, billing.IsActive(rec, now))
	})

	t.Run("transient failure leaves state unchanged", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()
		_, err := store.ApplyUpdate(ctx, billing.NewUpdate(id,
			activeSubscription("sub_1", "cus_1", id, now.AddDate(0, 0, -3)), now.Add(-time.Hour)))
		require.NoError(t, err)
		proc.failFetch("sub_1", billing.ErrProcessorTransient)

		r := billing.NewReconciler(proc, store, noRetry())
		_, err = r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		require.Error(t, err)
		assert.ErrorIs(t, err, billing.ErrReconciliationFailed)
		assert.Equal(t, 3, proc.fetchCount("sub_1"), "initial attempt plus two retries")

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, rec.Status)
		assert.Equal(t, now.Add(-time.Hour), *rec.SyncedAt)
	})

	t.Run("transient failure then success", func(t *testing.T) {
		t.Parallel()
		proc := &mockProcessor{}
		id := uuid.New()
		proc.On("FetchSubscription", mock.Anything, "sub_1").Return(billing.FetchFailed(billing.ErrProcessorTransient, now)).Once()
		proc.On("FetchSubscription", mock.Anything, "sub_1").
			Return(billing.Found(activeSubscription("sub_1", "cus_1", id, now), now)).Once()

		r := billing.NewReconciler(proc, billing.NewMemoryStore(), noRetry())
		res, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeCreated, res.Outcome)
		proc.AssertExpectations(t)
	})

	t.Run("write conflict is retried once", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		id := uuid.New()
		proc.putSubscription(activeSubscription("sub_1", "cus_1", id, now))

		store := &conflictingStore{MemoryStore: billing.NewMemoryStore()}
		store.conflicts.Store(1)
		r := billing.NewReconciler(proc, store, noRetry())
		_, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		require.NoError(t, err)
		assert.Equal(t, int32(2), store.calls.Load())

		store = &conflictingStore{MemoryStore: billing.NewMemoryStore()}
		store.conflicts.Store(2)
		r = billing.NewReconciler(proc, store, noRetry())
		_, err = r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		assert.ErrorIs(t, err, billing.ErrWriteConflict)
		assert.Equal(t, int32(2), store.calls.Load())
	})

	t.Run("attributes by stored customer", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()
		_, err := store.InsertProvisional(ctx, &billing.Record{
			SubscriberID: id, ExternalCustomerID: "cus_1", PlanID: "starter", Status: billing.StatusProvisional,
		})
		require.NoError(t, err)
		proc.putSubscription(activeSubscription("sub_1", "cus_1", uuid.Nil, now))

		r := billing.NewReconciler(proc, store, noRetry())
		res, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		require.NoError(t, err)
		assert.Equal(t, id, res.SubscriberID)
		assert.Equal(t, billing.OutcomeUpdated, res.Outcome)
	})

	t.Run("unattributed subscription is rejected", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		proc.putSubscription(activeSubscription("sub_1", "cus_unknown", uuid.Nil, now))

		r := billing.NewReconciler(proc, billing.NewMemoryStore(), noRetry())
		_, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_1"})
		assert.ErrorIs(t, err, billing.ErrUnattributedUpdate)
	})

	t.Run("event without subscription", func(t *testing.T) {
		t.Parallel()
		r := billing.NewReconciler(newFakeProcessor(fixedClock(now)), billing.NewMemoryStore(), noRetry())
		_, err := r.HandleEvent(ctx, &billing.Event{ID: "evt_1", Type: "customer.created"})
		assert.ErrorIs(t, err, billing.ErrNothingToReconcile)
	})
}

func TestReconciler_SyncSubscriber(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("confirms provisional record after checkout", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()

		p := billing.NewProvisioner(proc, store, newTestCatalog(t), nil)
		_, err := p.Checkout(ctx, billing.CheckoutInput{
			SubscriberID: id, Email: "owner@example.com", PlanID: "starter", Interval: billing.IntervalMonth,
		})
		require.NoError(t, err)
		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)

		// checkout completed, webhook not delivered yet
		proc.putSubscription(activeSubscription("sub_new", rec.ExternalCustomerID, id, now))

		r := billing.NewReconciler(proc, store, noRetry())
		res, err := r.SyncSubscriber(ctx, billing.SyncRequest{SubscriberID: id})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeUpdated, res.Outcome)

		rec, err = store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, rec.Status)
		assert.Equal(t, "sub_new", rec.ExternalSubscriptionID)
		assert.True(t, billing.IsActive(rec, now))
	})

	t.Run("discovers subscription by email", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()

		c, err := proc.CreateCustomer(ctx, billing.CustomerInput{SubscriberID: uuid.New(), Email: "lost@example.com"})
		require.NoError(t, err)
		proc.putSubscription(activeSubscription("sub_lost", c.ID, uuid.Nil, now))

		r := billing.NewReconciler(proc, store, noRetry())
		res, err := r.SyncSubscriber(ctx, billing.SyncRequest{SubscriberID: id, Email: "lost@example.com"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeCreated, res.Outcome)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "sub_lost", rec.ExternalSubscriptionID)
	})

	t.Run("discovery without result leaves record unchanged", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()
		_, err := store.InsertProvisional(ctx, &billing.Record{
			SubscriberID: id, ExternalCustomerID: "cus_1", Status: billing.StatusProvisional,
		})
		require.NoError(t, err)

		r := billing.NewReconciler(proc, store, noRetry())
		res, err := r.SyncSubscriber(ctx, billing.SyncRequest{SubscriberID: id})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeUnchanged, res.Outcome)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusProvisional, rec.Status)
	})

	t.Run("nothing to go on", func(t *testing.T) {
		t.Parallel()
		r := billing.NewReconciler(newFakeProcessor(fixedClock(now)), billing.NewMemoryStore(), noRetry())
		_, err := r.SyncSubscriber(ctx, billing.SyncRequest{SubscriberID: uuid.New()})
		assert.ErrorIs(t, err, billing.ErrNothingToReconcile)

		_, err = r.SyncSubscriber(ctx, billing.SyncRequest{})
		assert.ErrorIs(t, err, billing.ErrMissingSubscriber)
	})
}

func TestReconciler_ReplacedSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T, old *billing.ExternalSubscription) (*billing.Reconciler, *billing.MemoryStore, uuid.UUID) {
		t.Helper()
		id := uuid.New()
		current := activeSubscription("sub_new", "cus_1", id, now.AddDate(0, 0, -3))
		old.SubscriberID = id

		proc := &mockProcessor{}
		proc.On("FetchSubscription", mock.Anything, "sub_new").Return(billing.Found(current, now)).Once()
		proc.On("FetchSubscription", mock.Anything, old.ID).Return(billing.Found(old, now.Add(time.Minute))).Once()

		store := billing.NewMemoryStore()
		r := billing.NewReconciler(proc, store, noRetry())
		_, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_new"})
		require.NoError(t, err)
		return r, store, id
	}

	t.Run("late terminal event for the old subscription is ignored", func(t *testing.T) {
		t.Parallel()
		old := activeSubscription("sub_old", "cus_1", uuid.Nil, now.AddDate(0, -2, 0))
		old.Status = billing.StatusCanceled
		old.CanceledAt = timePtr(now.AddDate(0, 0, -5))
		r, store, id := setup(t, old)

		res, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_old"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeUnchanged, res.Outcome)
		assert.Equal(t, "sub_new", res.SubscriptionID)
		assert.Equal(t, billing.StatusActive, res.Status)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "sub_new", rec.ExternalSubscriptionID)
		assert.Equal(t, billing.StatusActive, rec.Status)
		assert.True(t, billing.IsActive(rec, now.Add(time.Hour)))
	})

	t.Run("live subscription takes over the record", func(t *testing.T) {
		t.Parallel()
		next := activeSubscription("sub_next", "cus_1", uuid.Nil, now)
		r, store, id := setup(t, next)

		res, err := r.HandleEvent(ctx, &billing.Event{SubscriptionID: "sub_next"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeUpdated, res.Outcome)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "sub_next", rec.ExternalSubscriptionID)
	})
}
