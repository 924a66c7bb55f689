package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"
)

// CheckoutInput is a checkout request for a subscriber.
type CheckoutInput struct {
	SubscriberID uuid.UUID
	Email        string
	PlanID       string
	Interval     BillingInterval
	SuccessURL   string
	CancelURL    string
}

// CheckoutResult is the redirect target of an opened checkout session.
type CheckoutResult struct {
	URL       string    `json:"url"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	TrialDays int       `json:"trialDays,omitempty"`
}

// ProvisionStore is the subset of Store the provisioner needs.
type ProvisionStore interface {
	RecordReader
	InsertProvisional(ctx context.Context, rec *Record) (bool, error)
}

// Provisioner resolves or creates processor objects and opens checkout sessions.
type Provisioner struct {
	processor Processor
	store     ProvisionStore
	catalog   *Catalog
	trials    *TrialEvaluator

	logger  *slog.Logger
	metrics *Metrics
}

// NewProvisioner creates a Provisioner. trials may be nil to never offer trials.
func NewProvisioner(processor Processor, store ProvisionStore, catalog *Catalog, trials *TrialEvaluator, opts ...Option) *Provisioner {
	if processor == nil {
		panic("billing: Processor is required")
	}
	if store == nil {
		panic("billing: ProvisionStore is required")
	}
	if catalog == nil {
		panic("billing: Catalog is required")
	}
	o := newOptions(opts)
	return &Provisioner{
		processor: processor,
		store:     store,
		catalog:   catalog,
		trials:    trials,
		logger:    o.logger,
		metrics:   o.metrics,
	}
}

// Checkout opens a checkout session for the requested plan and interval.
// Repeated calls reuse the same processor customer, product and price, and
// never create a second local record.
func (p *Provisioner) Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	if in.SubscriberID == uuid.Nil {
		return nil, ErrMissingSubscriber
	}
	plan, amount, err := p.catalog.PriceFor(in.PlanID, in.Interval)
	if err != nil {
		return nil, err
	}

	existing, err := p.store.GetBySubscriber(ctx, in.SubscriberID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, p.fail(ctx, in, "load_record", err)
	}

	customer, err := p.resolveCustomer(ctx, in, existing)
	if err != nil {
		return nil, p.fail(ctx, in, "customer", err)
	}

	price, err := p.resolvePrice(ctx, plan, amount, in.Interval)
	if err != nil {
		return nil, p.fail(ctx, in, "price", err)
	}

	trialDays := 0
	if plan.TrialDays > 0 && p.trials != nil {
		elig, err := p.trials.Evaluate(ctx, in.SubscriberID)
		if err != nil {
			return nil, p.fail(ctx, in, "trial_eligibility", err)
		}
		if elig.Eligible {
			trialDays = plan.TrialDays
		}
	}

	session, err := p.processor.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID:   customer.ID,
		PriceID:      price.ID,
		SubscriberID: in.SubscriberID,
		PlanID:       plan.ID,
		TrialDays:    trialDays,
		SuccessURL:   in.SuccessURL,
		CancelURL:    in.CancelURL,
	})
	if err != nil {
		return nil, p.fail(ctx, in, "checkout_session", err)
	}
	if session.URL == "" {
		return nil, p.fail(ctx, in, "checkout_session", ErrNoCheckoutURL)
	}

	if existing == nil {
		p.insertProvisional(ctx, in, customer.ID, plan.ID)
	}

	p.metrics.provisioned("ok")
	return &CheckoutResult{
		URL:       session.URL,
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt,
		TrialDays: trialDays,
	}, nil
}

// insertProvisional creates the placeholder record. A failure here does not
// invalidate the opened session; the reconciler creates the record on confirmation.
func (p *Provisioner) insertProvisional(ctx context.Context, in CheckoutInput, customerID, planID string) {
	created, err := p.store.InsertProvisional(ctx, &Record{
		SubscriberID:       in.SubscriberID,
		ExternalCustomerID: customerID,
		PlanID:             planID,
		Status:             StatusProvisional,
		BillingEmail:       in.Email,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to insert provisional subscription record",
			slog.String("subscriber_id", in.SubscriberID.String()),
			slog.String("error", err.Error()))
		return
	}
	if created {
		p.logger.InfoContext(ctx, "provisional subscription record created",
			slog.String("subscriber_id", in.SubscriberID.String()),
			slog.String("plan_id", planID))
	}
}

func (p *Provisioner) resolveCustomer(ctx context.Context, in CheckoutInput, existing *Record) (*Customer, error) {
	if existing != nil && existing.ExternalCustomerID != "" {
		return &Customer{ID: existing.ExternalCustomerID, Email: existing.BillingEmail}, nil
	}

	q := CustomerQuery{SubscriberID: in.SubscriberID, Email: in.Email}
	c, err := p.processor.FindCustomer(ctx, q)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrProcessorNotFound) {
		return nil, err
	}

	if in.Email == "" {
		return nil, ErrMissingEmail
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, fmt.Errorf("invalid billing email: %w", err)
	}

	c, err = p.processor.CreateCustomer(ctx, CustomerInput{
		SubscriberID:   in.SubscriberID,
		Email:          in.Email,
		IdempotencyKey: "customer-" + in.SubscriberID.String(),
	})
	if errors.Is(err, ErrProcessorConflict) {
		return p.processor.FindCustomer(ctx, q)
	}
	return c, err
}

func (p *Provisioner) resolvePrice(ctx context.Context, plan Plan, amount Money, interval BillingInterval) (*Price, error) {
	product, err := p.processor.FindProduct(ctx, plan.ID)
	if errors.Is(err, ErrProcessorNotFound) {
		product, err = p.processor.CreateProduct(ctx, plan)
		if errors.Is(err, ErrProcessorConflict) {
			product, err = p.processor.FindProduct(ctx, plan.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	if price, err := p.findPrice(ctx, product.ID, amount, interval); err != nil || price != nil {
		return price, err
	}

	price, err := p.processor.CreatePrice(ctx, PriceInput{
		ProductID:      product.ID,
		PlanID:         plan.ID,
		Amount:         amount,
		Interval:       interval,
		IdempotencyKey: fmt.Sprintf("price-%s-%s-%d-%s", plan.ID, interval, amount.Amount, amount.Currency),
	})
	if errors.Is(err, ErrProcessorConflict) {
		price, err = p.findPrice(ctx, product.ID, amount, interval)
		if err == nil && price == nil {
			err = ErrProcessorNotFound
		}
	}
	return price, err
}

func (p *Provisioner) findPrice(ctx context.Context, productID string, amount Money, interval BillingInterval) (*Price, error) {
	prices, err := p.processor.ListPrices(ctx, productID)
	if err != nil {
		return nil, err
	}
	for _, pr := range prices {
		if pr.Matches(amount, interval) {
			return &pr, nil
		}
	}
	return nil, nil
}

func (p *Provisioner) fail(ctx context.Context, in CheckoutInput, step string, err error) error {
	p.metrics.provisioned("failed")
	p.logger.ErrorContext(ctx, "checkout provisioning failed",
		slog.String("subscriber_id", in.SubscriberID.String()),
		slog.String("plan_id", in.PlanID),
		slog.String("step", step),
		slog.String("error", err.Error()))
	return errors.Join(ErrProvisioningFailed, fmt.Errorf("%s: %w", step, err))
}
