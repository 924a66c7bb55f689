package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Metadata keys written to processor objects.
const (
	MetadataSubscriberID = "subscriber_id"
	MetadataPlanID       = "plan_id"
)

// StripeConfig holds configuration for the Stripe processor.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
	ProductPrefix string `env:"STRIPE_PRODUCT_PREFIX" envDefault:"rr_plan_"`
}

// StripeProcessor implements Processor for Stripe.
type StripeProcessor struct {
	client *stripe.Client
	config StripeConfig
	now    func() time.Time
}

// StripeOption configures a StripeProcessor.
type StripeOption func(*stripeOptions)

type stripeOptions struct {
	clientOpts []stripe.ClientOption
	now        func() time.Time
}

// WithStripeBackends routes API calls to custom backends, e.g. a test server.
func WithStripeBackends(b *stripe.Backends) StripeOption {
	return func(o *stripeOptions) {
		o.clientOpts = append(o.clientOpts, stripe.WithBackends(b))
	}
}

// WithStripeClock overrides the time source used for fetch timestamps.
func WithStripeClock(now func() time.Time) StripeOption {
	return func(o *stripeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewStripeProcessor creates a Stripe processor.
func NewStripeProcessor(config StripeConfig, opts ...StripeOption) (*StripeProcessor, error) {
	if config.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if config.ProductPrefix == "" {
		config.ProductPrefix = "rr_plan_"
	}

	o := &stripeOptions{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	return &StripeProcessor{
		client: stripe.NewClient(config.SecretKey, o.clientOpts...),
		config: config,
		now:    o.now,
	}, nil
}

func (p *StripeProcessor) Name() string { return "stripe" }

// FindCustomer searches by subscriber metadata first, then by email.
func (p *StripeProcessor) FindCustomer(ctx context.Context, q CustomerQuery) (*Customer, error) {
	if q.SubscriberID != uuid.Nil {
		c, err := p.searchCustomer(ctx, fmt.Sprintf("metadata['%s']:'%s'", MetadataSubscriberID, q.SubscriberID))
		if err == nil || !errors.Is(err, ErrProcessorNotFound) {
			return c, err
		}
	}
	if q.Email != "" {
		return p.searchCustomer(ctx, fmt.Sprintf("email:'%s'", escapeSearchValue(q.Email)))
	}
	return nil, ErrProcessorNotFound
}

func (p *StripeProcessor) searchCustomer(ctx context.Context, query string) (*Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = query
	params.Limit = stripe.Int64(1)

	for c, err := range p.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return nil, classifyStripeError(err)
		}
		return &Customer{ID: c.ID, Email: c.Email}, nil
	}
	return nil, ErrProcessorNotFound
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error) {
	params := &stripe.CustomerCreateParams{
		Email: stripe.String(in.Email),
		Metadata: map[string]string{
			MetadataSubscriberID: in.SubscriberID.String(),
		},
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	c, err := p.client.V1Customers.Create(ctx, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *StripeProcessor) productID(planID string) string {
	return p.config.ProductPrefix + planID
}

// FindProduct retrieves the product with the deterministic ID derived from planID.
func (p *StripeProcessor) FindProduct(ctx context.Context, planID string) (*Product, error) {
	prod, err := p.client.V1Products.Retrieve(ctx, p.productID(planID), nil)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Product{ID: prod.ID, PlanID: planID}, nil
}

// CreateProduct creates the plan's product. A concurrent creation surfaces as ErrProcessorConflict.
func (p *StripeProcessor) CreateProduct(ctx context.Context, plan Plan) (*Product, error) {
	params := &stripe.ProductCreateParams{
		ID:   stripe.String(p.productID(plan.ID)),
		Name: stripe.String(lo.Ternary(plan.Name != "", plan.Name, plan.ID)),
		Metadata: map[string]string{
			MetadataPlanID: plan.ID,
		},
	}
	prod, err := p.client.V1Products.Create(ctx, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Product{ID: prod.ID, PlanID: plan.ID}, nil
}

func (p *StripeProcessor) ListPrices(ctx context.Context, productID string) ([]Price, error) {
	params := &stripe.PriceListParams{
		Product: stripe.String(productID),
		Active:  stripe.Bool(true),
		Type:    stripe.String(string(stripe.PriceTypeRecurring)),
	}

	var out []Price
	for pr, err := range p.client.V1Prices.List(ctx, params) {
		if err != nil {
			return nil, classifyStripeError(err)
		}
		if pr.Recurring == nil || pr.Recurring.IntervalCount > 1 {
			continue
		}
		out = append(out, Price{
			ID:        pr.ID,
			ProductID: productID,
			Amount:    Money{Amount: pr.UnitAmount, Currency: strings.ToUpper(string(pr.Currency))},
			Interval:  BillingInterval(pr.Recurring.Interval),
			Active:    pr.Active,
		})
	}
	return out, nil
}

func (p *StripeProcessor) CreatePrice(ctx context.Context, in PriceInput) (*Price, error) {
	params := &stripe.PriceCreateParams{
		Product:    stripe.String(in.ProductID),
		Currency:   stripe.String(strings.ToLower(in.Amount.Currency)),
		UnitAmount: stripe.Int64(in.Amount.Amount),
		Recurring: &stripe.PriceCreateRecurringParams{
			Interval: stripe.String(string(in.Interval)),
		},
		Metadata: map[string]string{
			MetadataPlanID: in.PlanID,
		},
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	pr, err := p.client.V1Prices.Create(ctx, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Price{
		ID:        pr.ID,
		ProductID: in.ProductID,
		Amount:    in.Amount,
		Interval:  in.Interval,
		Active:    pr.Active,
	}, nil
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	metadata := map[string]string{
		MetadataSubscriberID: req.SubscriberID.String(),
		MetadataPlanID:       req.PlanID,
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.SubscriberID.String()),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: metadata,
		},
		Metadata: metadata,
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	if session.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutSession{
		ID:        session.ID,
		URL:       session.URL,
		ExpiresAt: time.Unix(session.ExpiresAt, 0).UTC(),
	}, nil
}

func (p *StripeProcessor) FetchSubscription(ctx context.Context, subscriptionID string) FetchResult {
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	fetchedAt := p.now()
	if err != nil {
		return FetchFailed(classifyStripeError(err), fetchedAt)
	}
	return Found(mapStripeSubscription(sub), fetchedAt)
}

// FindSubscription returns the most recently created subscription of the
// customer, or of the customer matching the email.
func (p *StripeProcessor) FindSubscription(ctx context.Context, q SubscriptionQuery) FetchResult {
	customerID := q.CustomerID
	if customerID == "" {
		if q.Email == "" {
			return NotFound(p.now())
		}
		c, err := p.FindCustomer(ctx, CustomerQuery{Email: q.Email})
		if err != nil {
			return FetchFailed(err, p.now())
		}
		customerID = c.ID
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	var subs []*stripe.Subscription
	for s, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return FetchFailed(classifyStripeError(err), p.now())
		}
		subs = append(subs, s)
	}
	fetchedAt := p.now()
	if len(subs) == 0 {
		return NotFound(fetchedAt)
	}

	latest := lo.MaxBy(subs, func(a, b *stripe.Subscription) bool { return a.Created > b.Created })
	return Found(mapStripeSubscription(latest), fetchedAt)
}

// stripeEventObject is the subset of event payload objects used to locate a subscription.
type stripeEventObject struct {
	Object            string            `json:"object"`
	ID                string            `json:"id"`
	Customer          json.RawMessage   `json:"customer"`
	Subscription      json.RawMessage   `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Parent            *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// ParseEvent verifies the Stripe-Signature header and extracts the subscription reference.
func (p *StripeProcessor) ParseEvent(_ context.Context, payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.config.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Join(ErrWebhookVerificationFailed, err)
	}

	out := &Event{
		ID:        ev.ID,
		Type:      string(ev.Type),
		CreatedAt: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}

	var obj stripeEventObject
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	metadata := obj.Metadata
	switch obj.Object {
	case "subscription":
		out.SubscriptionID = obj.ID
	case "invoice":
		if obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
			out.SubscriptionID = obj.Parent.SubscriptionDetails.Subscription
			metadata = obj.Parent.SubscriptionDetails.Metadata
		}
	default:
		out.SubscriptionID = rawID(obj.Subscription)
	}
	out.CustomerID = rawID(obj.Customer)
	out.PlanID = metadata[MetadataPlanID]
	out.SubscriberID = parseSubscriberID(metadata[MetadataSubscriberID])
	if out.SubscriberID == uuid.Nil {
		out.SubscriberID = parseSubscriberID(obj.ClientReferenceID)
	}
	return out, nil
}

// rawID reads an expandable field that is either an ID string or an object with an id.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func parseSubscriberID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func mapStripeSubscription(sub *stripe.Subscription) *ExternalSubscription {
	out := &ExternalSubscription{
		ID:                sub.ID,
		Status:            Status(sub.Status),
		SubscriberID:      parseSubscriberID(sub.Metadata[MetadataSubscriberID]),
		PlanID:            sub.Metadata[MetadataPlanID],
		TrialStart:        unixTime(sub.TrialStart),
		TrialEnd:          unixTime(sub.TrialEnd),
		CancelAt:          unixTime(sub.CancelAt),
		CanceledAt:        unixTime(sub.CanceledAt),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		if item, ok := lo.Find(sub.Items.Data, func(it *stripe.SubscriptionItem) bool { return it != nil }); ok {
			out.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
			out.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
	}
	return out
}

func unixTime(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	return lo.ToPtr(time.Unix(v, 0).UTC())
}

// classifyStripeError wraps err with the processor error class it belongs to.
func classifyStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// transport failures never reached the API
		return errors.Join(ErrProcessorTransient, err)
	}

	switch {
	case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
		return errors.Join(ErrProcessorNotFound, err)
	case se.Code == stripe.ErrorCodeResourceAlreadyExists || se.HTTPStatusCode == http.StatusConflict:
		return errors.Join(ErrProcessorConflict, err)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError:
		return errors.Join(ErrProcessorTransient, err)
	}
	return err
}

func escapeSearchValue(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
