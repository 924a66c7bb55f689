package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/reviewradar/pkg/billing"
)

func TestProvisioner_Checkout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	input := func(id uuid.UUID) billing.CheckoutInput {
		return billing.CheckoutInput{
			SubscriberID: id,
			Email:        "owner@example.com",
			PlanID:       "starter",
			Interval:     billing.IntervalMonth,
			SuccessURL:   "https://app.test/billing/success",
			CancelURL:    "https://app.test/billing",
		}
	}

	t.Run("repeated checkout reuses processor objects", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		p := billing.NewProvisioner(proc, store, newTestCatalog(t), billing.NewTrialEvaluator(store, store))
		id := uuid.New()

		first, err := p.Checkout(ctx, input(id))
		require.NoError(t, err)
		second, err := p.Checkout(ctx, input(id))
		require.NoError(t, err)

		assert.NotEmpty(t, first.URL)
		assert.NotEqual(t, first.SessionID, second.SessionID)
		assert.Equal(t, 1, proc.customerCreates)
		assert.Equal(t, 1, proc.productCreates)
		assert.Equal(t, 1, proc.priceCreates)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusProvisional, rec.Status)
		assert.Equal(t, "starter", rec.PlanID)
		assert.NotEmpty(t, rec.ExternalCustomerID)
		assert.Empty(t, rec.ExternalSubscriptionID)

		sweepable, err := store.ListForSweep(ctx)
		require.NoError(t, err)
		assert.Len(t, sweepable, 1)
	})

	t.Run("first checkout offers a trial", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		p := billing.NewProvisioner(proc, store, newTestCatalog(t), billing.NewTrialEvaluator(store, store))

		res, err := p.Checkout(ctx, input(uuid.New()))
		require.NoError(t, err)
		assert.Equal(t, 14, res.TrialDays)
		require.Len(t, proc.sessions, 1)
		assert.Equal(t, 14, proc.sessions[0].TrialDays)
	})

	t.Run("used trial is not offered again", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		id := uuid.New()

		old := activeSubscription("sub_old", "cus_old", id, now.AddDate(0, -3, 0))
		old.Status = billing.StatusCanceled
		old.TrialStart = timePtr(now.AddDate(0, -3, 0))
		old.TrialEnd = timePtr(now.AddDate(0, -3, 14))
		_, err := store.ApplyUpdate(ctx, billing.NewUpdate(id, old, now.AddDate(0, -1, 0)))
		require.NoError(t, err)

		p := billing.NewProvisioner(proc, store, newTestCatalog(t), billing.NewTrialEvaluator(store, store))
		res, err := p.Checkout(ctx, input(id))
		require.NoError(t, err)
		assert.Zero(t, res.TrialDays)
		assert.Equal(t, "cus_old", proc.sessions[0].CustomerID)
		assert.Zero(t, proc.customerCreates)
	})

	t.Run("interval not offered", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		p := billing.NewProvisioner(proc, store, newTestCatalog(t), nil)

		in := input(uuid.New())
		in.PlanID = "agency"
		in.Interval = billing.IntervalYear
		_, err := p.Checkout(ctx, in)
		assert.ErrorIs(t, err, billing.ErrIntervalNotOffered)
	})

	t.Run("missing email for new customer", func(t *testing.T) {
		t.Parallel()
		proc := newFakeProcessor(fixedClock(now))
		store := billing.NewMemoryStore()
		p := billing.NewProvisioner(proc, store, newTestCatalog(t), nil)

		in := input(uuid.New())
		in.Email = ""
		_, err := p.Checkout(ctx, in)
		assert.ErrorIs(t, err, billing.ErrProvisioningFailed)
		assert.ErrorIs(t, err, billing.ErrMissingEmail)
	})

	t.Run("session failure leaves no local record", func(t *testing.T) {
		t.Parallel()
		proc := &mockProcessor{}
		store := billing.NewMemoryStore()
		id := uuid.New()

		proc.On("FindCustomer", mock.Anything, mock.Anything).Return(&billing.Customer{ID: "cus_1"}, nil)
		proc.On("FindProduct", mock.Anything, "starter").Return(&billing.Product{ID: "prod_1", PlanID: "starter"}, nil)
		proc.On("ListPrices", mock.Anything, "prod_1").Return([]billing.Price{{
			ID: "price_1", ProductID: "prod_1", Active: true,
			Amount: billing.Money{Amount: 2900, Currency: "usd"}, Interval: billing.IntervalMonth,
		}}, nil)
		proc.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req billing.CheckoutRequest) bool {
			return req.PriceID == "price_1" && req.CustomerID == "cus_1" && req.SubscriberID == id
		})).Return(nil, billing.ErrProcessorTransient)

		p := billing.NewProvisioner(proc, store, newTestCatalog(t), nil)
		_, err := p.Checkout(ctx, input(id))
		require.Error(t, err)
		assert.ErrorIs(t, err, billing.ErrProvisioningFailed)
		assert.ErrorIs(t, err, billing.ErrProcessorTransient)

		_, err = store.GetBySubscriber(ctx, id)
		assert.ErrorIs(t, err, billing.ErrRecordNotFound)
		proc.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything)
		proc.AssertExpectations(t)
	})

	t.Run("conflicting create re-queries", func(t *testing.T) {
		t.Parallel()
		proc := &mockProcessor{}
		store := billing.NewMemoryStore()

		proc.On("FindCustomer", mock.Anything, mock.Anything).Return(nil, billing.ErrProcessorNotFound).Once()
		proc.On("CreateCustomer", mock.Anything, mock.Anything).Return(nil, billing.ErrProcessorConflict).Once()
		proc.On("FindCustomer", mock.Anything, mock.Anything).Return(&billing.Customer{ID: "cus_raced"}, nil).Once()
		proc.On("FindProduct", mock.Anything, "starter").Return(&billing.Product{ID: "prod_1"}, nil)
		proc.On("ListPrices", mock.Anything, "prod_1").Return([]billing.Price{}, nil).Once()
		proc.On("CreatePrice", mock.Anything, mock.Anything).Return(nil, billing.ErrProcessorConflict)
		proc.On("ListPrices", mock.Anything, "prod_1").Return([]billing.Price{{
			ID: "price_raced", Active: true,
			Amount: billing.Money{Amount: 2900, Currency: "USD"}, Interval: billing.IntervalMonth,
		}}, nil).Once()
		proc.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(&billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil)

		p := billing.NewProvisioner(proc, store, newTestCatalog(t), nil)
		id := uuid.New()
		res, err := p.Checkout(ctx, input(id))
		require.NoError(t, err)
		assert.Equal(t, "cs_1", res.SessionID)

		rec, err := store.GetBySubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "cus_raced", rec.ExternalCustomerID)
		proc.AssertExpectations(t)
	})

	t.Run("processor outage is reported", func(t *testing.T) {
		t.Parallel()
		proc := &mockProcessor{}
		proc.On("FindCustomer", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

		p := billing.NewProvisioner(proc, billing.NewMemoryStore(), newTestCatalog(t), nil)
		_, err := p.Checkout(ctx, input(uuid.New()))
		assert.ErrorIs(t, err, billing.ErrProvisioningFailed)
	})
}
