package billing_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/reviewradar/pkg/billing"
)

const testWebhookSecret = "whsec_test_secret"

func newTestStripe(t *testing.T) *billing.StripeProcessor {
	t.Helper()
	p, err := billing.NewStripeProcessor(billing.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
	})
	require.NoError(t, err)
	return p
}

func signedEvent(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func TestNewStripeProcessor(t *testing.T) {
	t.Parallel()

	_, err := billing.NewStripeProcessor(billing.StripeConfig{WebhookSecret: "whsec"})
	assert.ErrorIs(t, err, billing.ErrMissingAPIKey)

	_, err = billing.NewStripeProcessor(billing.StripeConfig{SecretKey: "sk_test"})
	assert.ErrorIs(t, err, billing.ErrMissingWebhookSecret)

	p, err := billing.NewStripeProcessor(billing.StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec"})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
}

func TestStripeProcessor_ParseEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newTestStripe(t)
	subscriberID := uuid.New()

	t.Run("subscription event", func(t *testing.T) {
		t.Parallel()
		payload, sig := signedEvent(t, fmt.Sprintf(`{
			"id": "evt_sub",
			"object": "event",
			"type": "customer.subscription.updated",
			"created": 1741608000,
			"data": {"object": {
				"id": "sub_123",
				"object": "subscription",
				"customer": "cus_123",
				"status": "active",
				"metadata": {"subscriber_id": %q, "plan_id": "starter"}
			}}
		}`, subscriberID))

		ev, err := p.ParseEvent(ctx, payload, sig)
		require.NoError(t, err)
		assert.Equal(t, "evt_sub", ev.ID)
		assert.Equal(t, "customer.subscription.updated", ev.Type)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
		assert.Equal(t, "cus_123", ev.CustomerID)
		assert.Equal(t, subscriberID, ev.SubscriberID)
		assert.Equal(t, "starter", ev.PlanID)
		assert.Equal(t, time.Unix(1741608000, 0).UTC(), ev.CreatedAt)
	})

	t.Run("invoice event", func(t *testing.T) {
		t.Parallel()
		payload, sig := signedEvent(t, `{
			"id": "evt_inv",
			"object": "event",
			"type": "invoice.payment_failed",
			"data": {"object": {
				"id": "in_123",
				"object": "invoice",
				"customer": {"id": "cus_123", "object": "customer"},
				"parent": {"subscription_details": {"subscription": "sub_123", "metadata": {"plan_id": "agency"}}}
			}}
		}`)

		ev, err := p.ParseEvent(ctx, payload, sig)
		require.NoError(t, err)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
		assert.Equal(t, "cus_123", ev.CustomerID)
		assert.Equal(t, "agency", ev.PlanID)
		assert.Equal(t, uuid.Nil, ev.SubscriberID)
	})

	t.Run("checkout session event", func(t *testing.T) {
		t.Parallel()
		payload, sig := signedEvent(t, fmt.Sprintf(`{
			"id": "evt_cs",
			"object": "event",
			"type": "checkout.session.completed",
			"data": {"object": {
				"id": "cs_123",
				"object": "checkout.session",
				"customer": "cus_123",
				"subscription": "sub_123",
				"client_reference_id": %q
			}}
		}`, subscriberID))

		ev, err := p.ParseEvent(ctx, payload, sig)
		require.NoError(t, err)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
		assert.Equal(t, subscriberID, ev.SubscriberID)
	})

	t.Run("event without subscription", func(t *testing.T) {
		t.Parallel()
		payload, sig := signedEvent(t, `{
			"id": "evt_cus",
			"object": "event",
			"type": "customer.created",
			"data": {"object": {"id": "cus_123", "object": "customer"}}
		}`)

		ev, err := p.ParseEvent(ctx, payload, sig)
		require.NoError(t, err)
		assert.Empty(t, ev.SubscriptionID)
	})

	t.Run("invalid signature", func(t *testing.T) {
		t.Parallel()
		payload, _ := signedEvent(t, `{"id": "evt_1", "object": "event", "type": "customer.created"}`)

		_, err := p.ParseEvent(ctx, payload, "t=1,v1=deadbeef")
		assert.ErrorIs(t, err, billing.ErrWebhookVerificationFailed)
	})

	t.Run("tampered payload", func(t *testing.T) {
		t.Parallel()
		_, sig := signedEvent(t, `{"id": "evt_1", "object": "event", "type": "customer.created"}`)

		_, err := p.ParseEvent(ctx, []byte(`{"id": "evt_2", "object": "event", "type": "customer.created"}`), sig)
		assert.ErrorIs(t, err, billing.ErrWebhookVerificationFailed)
	})
}

func newStripeWithServer(t *testing.T, handler http.HandlerFunc, now time.Time) *billing.StripeProcessor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := billing.NewStripeProcessor(
		billing.StripeConfig{SecretKey: "sk_test_123", WebhookSecret: testWebhookSecret},
		billing.WithStripeBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String(srv.URL),
			HTTPClient:        srv.Client(),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})),
		billing.WithStripeClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	return p
}

func TestStripeProcessor_FetchSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("missing subscription is not found", func(t *testing.T) {
		t.Parallel()

		p := newStripeWithServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/subscriptions/sub_gone", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`)
		}, now)

		res := p.FetchSubscription(ctx, "sub_gone")
		assert.Equal(t, billing.FetchNotFound, res.Outcome)
		assert.ErrorIs(t, res.Err, billing.ErrProcessorNotFound)
		assert.Equal(t, now, res.FetchedAt)
	})

	t.Run("rate limited is transient", func(t *testing.T) {
		t.Parallel()

		p := newStripeWithServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"rate_limit","message":"Too many requests"}}`)
		}, now)

		res := p.FetchSubscription(ctx, "sub_busy")
		assert.Equal(t, billing.FetchTransient, res.Outcome)
		assert.ErrorIs(t, res.Err, billing.ErrProcessorTransient)
	})

	t.Run("found subscription is mapped", func(t *testing.T) {
		t.Parallel()

		subscriberID := uuid.New()
		periodStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		periodEnd := periodStart.AddDate(0, 1, 0)
		trialStart := periodStart.AddDate(0, 0, -14)

		p := newStripeWithServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/subscriptions/sub_123", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{
				"id": "sub_123",
				"object": "subscription",
				"status": "active",
				"customer": "cus_123",
				"cancel_at_period_end": true,
				"cancel_at": %[4]d,
				"trial_start": %[1]d,
				"trial_end": %[2]d,
				"metadata": {"subscriber_id": %[5]q, "plan_id": "pro"},
				"items": {"object": "list", "data": [
					{"id": "si_1", "object": "subscription_item", "current_period_start": %[3]d, "current_period_end": %[4]d}
				]}
			}`, trialStart.Unix(), periodStart.Unix(), periodStart.Unix(), periodEnd.Unix(), subscriberID.String())
		}, now)

		res := p.FetchSubscription(ctx, "sub_123")
		require.Equal(t, billing.FetchFound, res.Outcome)
		require.NoError(t, res.Err)
		sub := res.Subscription
		require.NotNil(t, sub)

		assert.Equal(t, "sub_123", sub.ID)
		assert.Equal(t, "cus_123", sub.CustomerID)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, subscriberID, sub.SubscriberID)
		assert.Equal(t, "pro", sub.PlanID)
		require.NotNil(t, sub.TrialStart)
		assert.True(t, trialStart.Equal(*sub.TrialStart))
		require.NotNil(t, sub.TrialEnd)
		assert.True(t, periodStart.Equal(*sub.TrialEnd))
		require.NotNil(t, sub.CurrentPeriodStart)
		assert.True(t, periodStart.Equal(*sub.CurrentPeriodStart))
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.True(t, periodEnd.Equal(*sub.CurrentPeriodEnd))
		require.NotNil(t, sub.CancelAt)
		assert.True(t, periodEnd.Equal(*sub.CancelAt))
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Nil(t, sub.CanceledAt)
		assert.Equal(t, now, res.FetchedAt)
	})
}
