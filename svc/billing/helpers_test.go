package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/reviewradar/handler"
	engine "github.com/dmitrymomot/reviewradar/pkg/billing"
	"github.com/dmitrymomot/reviewradar/pkg/jwt"
	"github.com/dmitrymomot/reviewradar/pkg/ratelimit"
	"github.com/dmitrymomot/reviewradar/svc/billing"
)

const sweepSecret = "sweep-secret"

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

// fakeProcessor keeps processor objects in memory.
type fakeProcessor struct {
	mu            sync.Mutex
	seq           int
	customers     map[uuid.UUID]*engine.Customer
	products      map[string]*engine.Product
	prices        map[string][]engine.Price
	subscriptions map[string]*engine.ExternalSubscription
	sessions      []engine.CheckoutRequest
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		customers:     make(map[uuid.UUID]*engine.Customer),
		products:      make(map[string]*engine.Product),
		prices:        make(map[string][]engine.Price),
		subscriptions: make(map[string]*engine.ExternalSubscription),
	}
}

func (f *fakeProcessor) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *fakeProcessor) put(sub *engine.ExternalSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *sub
	f.subscriptions[sub.ID] = &c
}

func (f *fakeProcessor) Name() string { return "fake" }

func (f *fakeProcessor) FindCustomer(_ context.Context, q engine.CustomerQuery) (*engine.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.customers[q.SubscriberID]; ok {
		return c, nil
	}
	return nil, engine.ErrProcessorNotFound
}

func (f *fakeProcessor) CreateCustomer(_ context.Context, in engine.CustomerInput) (*engine.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &engine.Customer{ID: f.nextID("cus"), Email: in.Email}
	f.customers[in.SubscriberID] = c
	return c, nil
}

func (f *fakeProcessor) FindProduct(_ context.Context, planID string) (*engine.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.products[planID]; ok {
		return p, nil
	}
	return nil, engine.ErrProcessorNotFound
}

func (f *fakeProcessor) CreateProduct(_ context.Context, plan engine.Plan) (*engine.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &engine.Product{ID: "prod_" + plan.ID, PlanID: plan.ID}
	f.products[plan.ID] = p
	return p, nil
}

func (f *fakeProcessor) ListPrices(_ context.Context, productID string) ([]engine.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Price(nil), f.prices[productID]...), nil
}

func (f *fakeProcessor) CreatePrice(_ context.Context, in engine.PriceInput) (*engine.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := engine.Price{ID: f.nextID("price"), ProductID: in.ProductID, Amount: in.Amount, Interval: in.Interval, Active: true}
	f.prices[in.ProductID] = append(f.prices[in.ProductID], p)
	return &p, nil
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, req engine.CheckoutRequest) (*engine.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, req)
	id := f.nextID("cs")
	return &engine.CheckoutSession{ID: id, URL: "https://checkout.test/" + id, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeProcessor) FetchSubscription(_ context.Context, id string) engine.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subscriptions[id]; ok {
		c := *sub
		return engine.Found(&c, time.Now())
	}
	return engine.NotFound(time.Now())
}

func (f *fakeProcessor) FindSubscription(_ context.Context, q engine.SubscriptionQuery) engine.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subscriptions {
		if q.CustomerID != "" && sub.CustomerID == q.CustomerID {
			c := *sub
			return engine.Found(&c, time.Now())
		}
	}
	return engine.NotFound(time.Now())
}

func (f *fakeProcessor) ParseEvent(_ context.Context, payload []byte, signature string) (*engine.Event, error) {
	if signature != "valid" {
		return nil, engine.ErrWebhookVerificationFailed
	}
	return &engine.Event{ID: "evt_" + string(payload), Type: "customer.subscription.updated", SubscriptionID: string(payload)}, nil
}

func testPlans() map[string]engine.Plan {
	return map[string]engine.Plan{
		"free": {ID: "free", Name: "Free", MonthlyLimit: int64Ptr(3)},
		"starter": {
			ID:           "starter",
			Name:         "Starter",
			MonthlyLimit: int64Ptr(10),
			TrialDays:    14,
			Features:     []engine.Feature{engine.FeatureExport},
			PriceByInterval: map[engine.BillingInterval]engine.Money{
				engine.IntervalMonth: {Amount: 2900, Currency: "USD"},
			},
		},
	}
}

type fixture struct {
	proc    *fakeProcessor
	store   *engine.MemoryStore
	tokens  *jwt.Service
	routes  http.Handler
}

type fixtureOption func(*billing.Deps)

func withSyncLimit(n int) fixtureOption {
	return func(d *billing.Deps) {
		l, err := ratelimit.New(ratelimit.NewMemoryStore(time.Minute), n, time.Minute)
		if err != nil {
			panic(err)
		}
		d.SyncLimiter = l
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	catalog, err := engine.NewCatalog(ctx, engine.NewInMemSource(testPlans()), engine.WithDefaultPlan("free"))
	require.NoError(t, err)
	tokens, err := jwt.New(jwt.Config{Secret: "test-secret", Audience: "authenticated", Leeway: time.Second})
	require.NoError(t, err)

	proc := newFakeProcessor()
	store := engine.NewMemoryStore()

	noRetry := engine.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	})
	reconciler := engine.NewReconciler(proc, store, noRetry)
	trials := engine.NewTrialEvaluator(store, store)
	usage := engine.NewUsageCounter(store, catalog, store)

	deps := billing.Deps{
		Reconciler:   reconciler,
		Webhooks:     engine.NewWebhooks(proc, reconciler, engine.NewMemoryLedger(time.Minute, time.Hour)),
		Provisioner:  engine.NewProvisioner(proc, store, catalog, trials),
		Usage:        usage,
		Trials:       trials,
		Entitlements: engine.NewEntitlements(store, catalog, usage),
		Principals:   billing.JWTPrincipalResolver(tokens),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	cfg := billing.Config{
		Provider:           billing.ProviderStripe,
		SweepSecret:        sweepSecret,
		SweepTimeout:       time.Minute,
		CheckoutSuccessURL: "https://app.test/billing/success",
		CheckoutCancelURL:  "https://app.test/billing/cancel",
		WebhookMaxBody:     64,
	}

	return &fixture{
		proc:    proc,
		store:   store,
		tokens:  tokens,
		routes:  billing.NewHandler(cfg, deps).Routes(),
	}
}

// seedActive stores an active starter subscription for id.
func (f *fixture) seedActive(t *testing.T, id uuid.UUID, subscriptionID string) {
	t.Helper()
	start := time.Now().Add(-24 * time.Hour)
	sub := &engine.ExternalSubscription{
		ID:                 subscriptionID,
		CustomerID:         "cus_" + subscriptionID,
		SubscriberID:       id,
		PlanID:             "starter",
		Status:             engine.StatusActive,
		CurrentPeriodStart: timePtr(start),
		CurrentPeriodEnd:   timePtr(start.AddDate(0, 1, 0)),
	}
	f.proc.put(sub)
	_, err := f.store.ApplyUpdate(context.Background(), engine.NewUpdate(id, sub, time.Now()))
	require.NoError(t, err)
}

func (f *fixture) token(t *testing.T, id uuid.UUID, admin bool) string {
	t.Helper()
	claims := &jwt.Claims{
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   id.String(),
			Audience:  gojwt.ClaimStrings{"authenticated"},
			ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "owner@example.com",
	}
	if admin {
		claims.AppMetadata.Role = jwt.RoleAdmin
	}
	token, err := f.tokens.Generate(claims)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.routes.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data  json.RawMessage      `json:"data"`
	Error *handler.ErrorDetail `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error, "body: %s", rec.Body.String())
	return env.Error.Code
}
