package billing

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Processor abstracts the external payment processor.
// Implementations wrap SDK failures with ErrProcessorNotFound, ErrProcessorConflict
// or ErrProcessorTransient so the engine applies the right policy.
type Processor interface {
	// Name identifies the processor in logs and metrics.
	Name() string

	// FindCustomer looks a customer up by subscriber identity first, then by email.
	// Returns ErrProcessorNotFound when neither matches.
	FindCustomer(ctx context.Context, q CustomerQuery) (*Customer, error)
	// CreateCustomer creates a customer. IdempotencyKey is forwarded when the API supports it.
	CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error)

	// FindProduct returns the product representing planID, or ErrProcessorNotFound.
	FindProduct(ctx context.Context, planID string) (*Product, error)
	CreateProduct(ctx context.Context, plan Plan) (*Product, error)
	// ListPrices returns the active prices of a product.
	ListPrices(ctx context.Context, productID string) ([]Price, error)
	CreatePrice(ctx context.Context, in PriceInput) (*Price, error)

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// FetchSubscription fetches a subscription by its processor ID.
	FetchSubscription(ctx context.Context, subscriptionID string) FetchResult
	// FindSubscription discovers the most recent subscription of a customer or billing email.
	FindSubscription(ctx context.Context, q SubscriptionQuery) FetchResult

	// ParseEvent verifies the signature and decodes a webhook payload.
	// Returns ErrWebhookVerificationFailed on a bad signature.
	ParseEvent(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// CustomerQuery identifies a customer to look up.
type CustomerQuery struct {
	SubscriberID uuid.UUID
	Email        string
}

// CustomerInput describes a customer to create.
type CustomerInput struct {
	SubscriberID   uuid.UUID
	Email          string
	IdempotencyKey string
}

// Customer is a processor customer.
type Customer struct {
	ID    string
	Email string
}

// Product is the processor object representing a plan.
type Product struct {
	ID     string
	PlanID string
}

// Price is a recurring processor price.
type Price struct {
	ID        string
	ProductID string
	Amount    Money
	Interval  BillingInterval
	Active    bool
}

// Matches reports whether the price bills amount every interval.
func (p Price) Matches(amount Money, interval BillingInterval) bool {
	return p.Active && p.Interval == interval &&
		p.Amount.Amount == amount.Amount && strings.EqualFold(p.Amount.Currency, amount.Currency)
}

// PriceInput describes a price to create.
type PriceInput struct {
	ProductID      string
	PlanID         string
	Amount         Money
	Interval       BillingInterval
	IdempotencyKey string
}

// CheckoutRequest contains data needed to open a checkout session.
type CheckoutRequest struct {
	CustomerID   string
	PriceID      string
	SubscriberID uuid.UUID
	PlanID       string
	TrialDays    int // 0 means no trial
	SuccessURL   string
	CancelURL    string
}

// CheckoutSession represents a hosted checkout session.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// SubscriptionQuery selects a subscription for discovery.
type SubscriptionQuery struct {
	CustomerID string
	Email      string
}

// ExternalSubscription is the processor's authoritative subscription state.
type ExternalSubscription struct {
	ID           string
	CustomerID   string
	SubscriberID uuid.UUID // from metadata; uuid.Nil when absent
	PlanID       string    // from metadata; empty when absent
	Status       Status

	TrialStart         *time.Time
	TrialEnd           *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time
	CancelAtPeriodEnd  bool
}

// Event is a verified webhook notification.
// The engine only uses it to locate the subscription; state is always re-fetched.
type Event struct {
	ID             string
	Type           string
	SubscriptionID string
	CustomerID     string
	SubscriberID   uuid.UUID
	PlanID         string
	CreatedAt      time.Time
}
