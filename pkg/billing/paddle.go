package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddleerr"
	"github.com/samber/lo"
)

// PaddleConfig holds configuration for the Paddle processor.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProcessor implements Processor for Paddle Billing.
// Paddle has no per-checkout trial override: trials follow the price configuration.
type PaddleProcessor struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	now      func() time.Time
}

// NewPaddleProcessor creates a Paddle processor.
func NewPaddleProcessor(config PaddleConfig) (*PaddleProcessor, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, errors.Join(ErrInvalidEnvironment, fmt.Errorf("paddle environment %q", config.Environment))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProcessor{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		now:      time.Now,
	}, nil
}

func (p *PaddleProcessor) Name() string { return "paddle" }

// FindCustomer looks customers up by email; Paddle cannot search custom data.
func (p *PaddleProcessor) FindCustomer(ctx context.Context, q CustomerQuery) (*Customer, error) {
	if q.Email == "" {
		return nil, ErrProcessorNotFound
	}
	res, err := p.client.CustomersClient.ListCustomers(ctx, &paddle.ListCustomersRequest{
		Email: []string{q.Email},
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}

	var found *Customer
	err = res.Iter(ctx, func(c *paddle.Customer) (bool, error) {
		found = &Customer{ID: c.ID, Email: c.Email}
		return false, nil
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}
	if found == nil {
		return nil, ErrProcessorNotFound
	}
	return found, nil
}

func (p *PaddleProcessor) CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error) {
	c, err := p.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email: in.Email,
		CustomData: paddle.CustomData{
			MetadataSubscriberID: in.SubscriberID.String(),
		},
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

// FindProduct scans active products for the plan_id custom data entry.
func (p *PaddleProcessor) FindProduct(ctx context.Context, planID string) (*Product, error) {
	res, err := p.client.ProductsClient.ListProducts(ctx, &paddle.ListProductsRequest{
		Status: []string{"active"},
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}

	var found *Product
	err = res.Iter(ctx, func(prod *paddle.Product) (bool, error) {
		if id, _ := prod.CustomData[MetadataPlanID].(string); id == planID {
			found = &Product{ID: prod.ID, PlanID: planID}
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}
	if found == nil {
		return nil, ErrProcessorNotFound
	}
	return found, nil
}

func (p *PaddleProcessor) CreateProduct(ctx context.Context, plan Plan) (*Product, error) {
	prod, err := p.client.ProductsClient.CreateProduct(ctx, &paddle.CreateProductRequest{
		Name:        lo.Ternary(plan.Name != "", plan.Name, plan.ID),
		TaxCategory: paddle.TaxCategoryStandard,
		CustomData: paddle.CustomData{
			MetadataPlanID: plan.ID,
		},
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}
	return &Product{ID: prod.ID, PlanID: plan.ID}, nil
}

func (p *PaddleProcessor) ListPrices(ctx context.Context, productID string) ([]Price, error) {
	res, err := p.client.PricesClient.ListPrices(ctx, &paddle.ListPricesRequest{
		ProductID: []string{productID},
		Status:    []string{"active"},
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}

	var out []Price
	err = res.Iter(ctx, func(pr *paddle.Price) (bool, error) {
		if pr.BillingCycle == nil || pr.BillingCycle.Frequency != 1 {
			return true, nil
		}
		amount, err := strconv.ParseInt(pr.UnitPrice.Amount, 10, 64)
		if err != nil {
			return true, nil
		}
		out = append(out, Price{
			ID:        pr.ID,
			ProductID: productID,
			Amount:    Money{Amount: amount, Currency: string(pr.UnitPrice.CurrencyCode)},
			Interval:  BillingInterval(pr.BillingCycle.Interval),
			Active:    true,
		})
		return true, nil
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}
	return out, nil
}

func (p *PaddleProcessor) CreatePrice(ctx context.Context, in PriceInput) (*Price, error) {
	pr, err := p.client.PricesClient.CreatePrice(ctx, &paddle.CreatePriceRequest{
		Description: fmt.Sprintf("%s (%s)", in.PlanID, in.Interval),
		ProductID:   in.ProductID,
		UnitPrice: paddle.Money{
			Amount:       strconv.FormatInt(in.Amount.Amount, 10),
			CurrencyCode: paddle.CurrencyCode(strings.ToUpper(in.Amount.Currency)),
		},
		BillingCycle: &paddle.Duration{
			Interval:  paddle.Interval(in.Interval),
			Frequency: 1,
		},
		CustomData: paddle.CustomData{
			MetadataPlanID: in.PlanID,
		},
	})
	if err != nil {
		return nil, classifyPaddleError(err)
	}
	return &Price{ID: pr.ID, ProductID: in.ProductID, Amount: in.Amount, Interval: in.Interval, Active: true}, nil
}

// CreateCheckoutSession opens a Paddle transaction whose checkout URL is the redirect target.
func (p *PaddleProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: lo.EmptyableToPtr(req.CustomerID),
		CustomData: paddle.CustomData{
			MetadataSubscriberID: req.SubscriberID.String(),
			MetadataPlanID:       req.PlanID,
		},
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, classifyPaddleError(err)
	}
	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		ID:        transaction.ID,
		URL:       *transaction.Checkout.URL,
		ExpiresAt: p.now().Add(24 * time.Hour), // Paddle checkout links typically expire in 24 hours
	}, nil
}

func (p *PaddleProcessor) FetchSubscription(ctx context.Context, subscriptionID string) FetchResult {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	fetchedAt := p.now()
	if err != nil {
		return FetchFailed(classifyPaddleError(err), fetchedAt)
	}
	return Found(mapPaddleSubscription(sub), fetchedAt)
}

func (p *PaddleProcessor) FindSubscription(ctx context.Context, q SubscriptionQuery) FetchResult {
	customerID := q.CustomerID
	if customerID == "" {
		c, err := p.FindCustomer(ctx, CustomerQuery{Email: q.Email})
		if err != nil {
			return FetchFailed(err, p.now())
		}
		customerID = c.ID
	}

	res, err := p.client.SubscriptionsClient.ListSubscriptions(ctx, &paddle.ListSubscriptionsRequest{
		CustomerID: []string{customerID},
	})
	if err != nil {
		return FetchFailed(classifyPaddleError(err), p.now())
	}

	var subs []*paddle.Subscription
	err = res.Iter(ctx, func(s *paddle.Subscription) (bool, error) {
		subs = append(subs, s)
		return true, nil
	})
	fetchedAt := p.now()
	if err != nil {
		return FetchFailed(classifyPaddleError(err), fetchedAt)
	}
	if len(subs) == 0 {
		return NotFound(fetchedAt)
	}

	// RFC 3339 timestamps in UTC order lexically
	latest := lo.MaxBy(subs, func(a, b *paddle.Subscription) bool { return a.CreatedAt > b.CreatedAt })
	return Found(mapPaddleSubscription(latest), fetchedAt)
}

// ParseEvent verifies the Paddle-Signature header and extracts the subscription reference.
func (p *PaddleProcessor) ParseEvent(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrWebhookVerificationFailed, err)
	}
	if !valid {
		return nil, ErrWebhookVerificationFailed
	}

	var paddleEvent struct {
		EventID    string `json:"event_id"`
		EventType  string `json:"event_type"`
		OccurredAt string `json:"occurred_at"`
		Data       struct {
			ID             string         `json:"id"`
			CustomerID     string         `json:"customer_id"`
			SubscriptionID string         `json:"subscription_id"`
			CustomData     map[string]any `json:"custom_data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	event := &Event{
		ID:         paddleEvent.EventID,
		Type:       paddleEvent.EventType,
		CustomerID: paddleEvent.Data.CustomerID,
	}
	if t := parsePaddleTime(paddleEvent.OccurredAt); t != nil {
		event.CreatedAt = *t
	}

	switch {
	case strings.HasPrefix(paddleEvent.EventType, "subscription."):
		event.SubscriptionID = paddleEvent.Data.ID
	case strings.HasPrefix(paddleEvent.EventType, "transaction."):
		event.SubscriptionID = paddleEvent.Data.SubscriptionID
	}

	if v, ok := paddleEvent.Data.CustomData[MetadataSubscriberID].(string); ok {
		event.SubscriberID = parseSubscriberID(v)
	}
	if v, ok := paddleEvent.Data.CustomData[MetadataPlanID].(string); ok {
		event.PlanID = v
	}
	return event, nil
}

func mapPaddleSubscription(sub *paddle.Subscription) *ExternalSubscription {
	out := &ExternalSubscription{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     mapPaddleStatus(string(sub.Status)),
		CanceledAt: parsePaddleTimePtr(sub.CanceledAt),
	}
	if v, ok := sub.CustomData[MetadataSubscriberID].(string); ok {
		out.SubscriberID = parseSubscriberID(v)
	}
	if v, ok := sub.CustomData[MetadataPlanID].(string); ok {
		out.PlanID = v
	}
	if sub.CurrentBillingPeriod != nil {
		out.CurrentPeriodStart = parsePaddleTime(sub.CurrentBillingPeriod.StartsAt)
		out.CurrentPeriodEnd = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}
	for _, item := range sub.Items {
		if item.TrialDates != nil {
			out.TrialStart = parsePaddleTime(item.TrialDates.StartsAt)
			out.TrialEnd = parsePaddleTime(item.TrialDates.EndsAt)
			break
		}
	}
	if sc := sub.ScheduledChange; sc != nil && sc.Action == paddle.ScheduledChangeActionCancel {
		out.CancelAt = parsePaddleTime(sc.EffectiveAt)
		out.CancelAtPeriodEnd = out.CurrentPeriodEnd != nil && out.CancelAt != nil &&
			out.CancelAt.Equal(*out.CurrentPeriodEnd)
	}
	return out
}

// mapPaddleStatus maps Paddle subscription statuses onto the processor status set.
func mapPaddleStatus(paddleStatus string) Status {
	switch strings.ToLower(paddleStatus) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCanceled
	case "paused":
		return StatusUnpaid
	default:
		return Status(paddleStatus)
	}
}

func parsePaddleTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return lo.ToPtr(t.UTC())
}

func parsePaddleTimePtr(s *string) *time.Time {
	return parsePaddleTime(lo.FromPtr(s))
}

// classifyPaddleError wraps err with the processor error class it belongs to.
func classifyPaddleError(err error) error {
	var pe *paddleerr.Error
	if !errors.As(err, &pe) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errors.Join(ErrProcessorTransient, err)
	}

	switch {
	case pe.Code == "not_found" || strings.HasSuffix(pe.Code, "_not_found"):
		return errors.Join(ErrProcessorNotFound, err)
	case strings.HasSuffix(pe.Code, "_already_exists") || pe.Code == "conflict":
		return errors.Join(ErrProcessorConflict, err)
	case pe.Code == "too_many_requests" || pe.Code == "internal_error" || pe.Code == "service_unavailable":
		return errors.Join(ErrProcessorTransient, err)
	}
	return err
}
