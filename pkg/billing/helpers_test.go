package billing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/reviewradar/pkg/billing"
)

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func noRetry() billing.Option {
	return billing.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	})
}

func createTestPlans() map[string]billing.Plan {
	return map[string]billing.Plan{
		"free": {
			ID:           "free",
			Name:         "Free",
			MonthlyLimit: int64Ptr(3),
		},
		"starter": {
			ID:           "starter",
			Name:         "Starter",
			MonthlyLimit: int64Ptr(10),
			TrialDays:    14,
			PriceByInterval: map[billing.BillingInterval]billing.Money{
				billing.IntervalMonth: {Amount: 2900, Currency: "USD"},
				billing.IntervalYear:  {Amount: 29000, Currency: "USD"},
			},
			Features: []billing.Feature{billing.FeatureSentimentAnalysis},
		},
		"agency": {
			ID:          "agency",
			Name:        "Agency",
			IsUnlimited: true,
			PriceByInterval: map[billing.BillingInterval]billing.Money{
				billing.IntervalMonth: {Amount: 19900, Currency: "USD"},
			},
			Features: []billing.Feature{
				billing.FeatureSentimentAnalysis,
				billing.FeatureCompetitorTracking,
				billing.FeatureExport,
			},
		},
	}
}

func newTestCatalog(t *testing.T) *billing.Catalog {
	t.Helper()
	c, err := billing.NewCatalog(context.Background(), billing.NewInMemSource(createTestPlans()),
		billing.WithDefaultPlan("free"))
	require.NoError(t, err)
	return c
}

// fakeProcessor is a stateful in-memory processor. Each object is created at most
// once per key, mirroring what an idempotent processor API guarantees.
type fakeProcessor struct {
	mu sync.Mutex

	customers     map[string]*billing.Customer // by subscriber ID
	products      map[string]*billing.Product  // by plan ID
	prices        map[string][]billing.Price   // by product ID
	sessions      []billing.CheckoutRequest
	subscriptions map[string]*billing.ExternalSubscription
	fetchErr      map[string]error

	customerCreates int
	productCreates  int
	priceCreates    int
	fetches         map[string]int

	clock func() time.Time
	seq   int
}

func newFakeProcessor(clock func() time.Time) *fakeProcessor {
	return &fakeProcessor{
		customers:     make(map[string]*billing.Customer),
		products:      make(map[string]*billing.Product),
		prices:        make(map[string][]billing.Price),
		subscriptions: make(map[string]*billing.ExternalSubscription),
		fetchErr:      make(map[string]error),
		fetches:       make(map[string]int),
		clock:         clock,
	}
}

func (f *fakeProcessor) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *fakeProcessor) Name() string { return "fake" }

func (f *fakeProcessor) FindCustomer(_ context.Context, q billing.CustomerQuery) (*billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.customers[q.SubscriberID.String()]; ok {
		return c, nil
	}
	for _, c := range f.customers {
		if q.Email != "" && c.Email == q.Email {
			return c, nil
		}
	}
	return nil, billing.ErrProcessorNotFound
}

func (f *fakeProcessor) CreateCustomer(_ context.Context, in billing.CustomerInput) (*billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.customers[in.SubscriberID.String()]; ok {
		return nil, billing.ErrProcessorConflict
	}
	f.customerCreates++
	c := &billing.Customer{ID: f.nextID("cus"), Email: in.Email}
	f.customers[in.SubscriberID.String()] = c
	return c, nil
}

func (f *fakeProcessor) FindProduct(_ context.Context, planID string) (*billing.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.products[planID]; ok {
		return p, nil
	}
	return nil, billing.ErrProcessorNotFound
}

func (f *fakeProcessor) CreateProduct(_ context.Context, plan billing.Plan) (*billing.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.products[plan.ID]; ok {
		return nil, billing.ErrProcessorConflict
	}
	f.productCreates++
	p := &billing.Product{ID: "prod_" + plan.ID, PlanID: plan.ID}
	f.products[plan.ID] = p
	return p, nil
}

func (f *fakeProcessor) ListPrices(_ context.Context, productID string) ([]billing.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.Price(nil), f.prices[productID]...), nil
}

func (f *fakeProcessor) CreatePrice(_ context.Context, in billing.PriceInput) (*billing.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCreates++
	p := billing.Price{ID: f.nextID("price"), ProductID: in.ProductID, Amount: in.Amount, Interval: in.Interval, Active: true}
	f.prices[in.ProductID] = append(f.prices[in.ProductID], p)
	return &p, nil
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, req)
	id := f.nextID("cs")
	return &billing.CheckoutSession{ID: id, URL: "https://checkout.test/" + id, ExpiresAt: f.clock().Add(time.Hour)}, nil
}

func (f *fakeProcessor) putSubscription(sub *billing.ExternalSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *sub
	f.subscriptions[sub.ID] = &c
}

func (f *fakeProcessor) failFetch(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr[id] = err
}

func (f *fakeProcessor) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeProcessor) FetchSubscription(_ context.Context, id string) billing.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	now := f.clock()
	if err, ok := f.fetchErr[id]; ok {
		return billing.FetchFailed(err, now)
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return billing.NotFound(now)
	}
	c := *sub
	return billing.Found(&c, now)
}

func (f *fakeProcessor) FindSubscription(_ context.Context, q billing.SubscriptionQuery) billing.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock()
	customerID := q.CustomerID
	if customerID == "" {
		for _, c := range f.customers {
			if c.Email == q.Email && q.Email != "" {
				customerID = c.ID
			}
		}
	}
	for _, sub := range f.subscriptions {
		if customerID != "" && sub.CustomerID == customerID {
			c := *sub
			return billing.Found(&c, now)
		}
	}
	return billing.NotFound(now)
}

func (f *fakeProcessor) ParseEvent(_ context.Context, payload []byte, signature string) (*billing.Event, error) {
	if signature != "valid" {
		return nil, billing.ErrWebhookVerificationFailed
	}
	return &billing.Event{ID: "evt_" + string(payload), Type: "customer.subscription.updated", SubscriptionID: string(payload)}, nil
}

// mockProcessor is a testify mock for failure paths.
type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) Name() string { return "mock" }

func (m *mockProcessor) FindCustomer(ctx context.Context, q billing.CustomerQuery) (*billing.Customer, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Customer), args.Error(1)
}

func (m *mockProcessor) CreateCustomer(ctx context.Context, in billing.CustomerInput) (*billing.Customer, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Customer), args.Error(1)
}

func (m *mockProcessor) FindProduct(ctx context.Context, planID string) (*billing.Product, error) {
	args := m.Called(ctx, planID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Product), args.Error(1)
}

func (m *mockProcessor) CreateProduct(ctx context.Context, plan billing.Plan) (*billing.Product, error) {
	args := m.Called(ctx, plan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Product), args.Error(1)
}

func (m *mockProcessor) ListPrices(ctx context.Context, productID string) ([]billing.Price, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billing.Price), args.Error(1)
}

func (m *mockProcessor) CreatePrice(ctx context.Context, in billing.PriceInput) (*billing.Price, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Price), args.Error(1)
}

func (m *mockProcessor) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProcessor) FetchSubscription(ctx context.Context, id string) billing.FetchResult {
	args := m.Called(ctx, id)
	return args.Get(0).(billing.FetchResult)
}

func (m *mockProcessor) FindSubscription(ctx context.Context, q billing.SubscriptionQuery) billing.FetchResult {
	args := m.Called(ctx, q)
	return args.Get(0).(billing.FetchResult)
}

func (m *mockProcessor) ParseEvent(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Event), args.Error(1)
}

// activeSubscription builds a processor subscription in the active state.
func activeSubscription(id, customerID string, subscriberID uuid.UUID, periodStart time.Time) *billing.ExternalSubscription {
	return &billing.ExternalSubscription{
		ID:                 id,
		CustomerID:         customerID,
		SubscriberID:       subscriberID,
		PlanID:             "starter",
		Status:             billing.StatusActive,
		CurrentPeriodStart: timePtr(periodStart),
		CurrentPeriodEnd:   timePtr(periodStart.AddDate(0, 1, 0)),
	}
}
