package billing

import (
	"errors"
	"time"
)

// Supported BILLING_PROVIDER values.
const (
	ProviderStripe = "stripe"
	ProviderPaddle = "paddle"
)

var (
	ErrUnknownProvider     = errors.New("unknown billing provider")
	ErrMissingSweepSecret  = errors.New("billing sweep secret is required")
	ErrMissingRedirectURLs = errors.New("checkout success and cancel URLs are required")
)

// Config holds the billing service settings.
type Config struct {
	Provider    string `env:"BILLING_PROVIDER" envDefault:"stripe"`
	SweepSecret string `env:"BILLING_SWEEP_SECRET,required"`

	SweepTimeout     time.Duration `env:"BILLING_SWEEP_TIMEOUT" envDefault:"5m"`
	SweepConcurrency int           `env:"BILLING_SWEEP_CONCURRENCY" envDefault:"8"`

	// PlansFile selects a YAML catalog; empty loads plans from the database.
	PlansFile   string `env:"BILLING_PLANS_FILE"`
	DefaultPlan string `env:"BILLING_DEFAULT_PLAN"`

	CheckoutSuccessURL string `env:"BILLING_CHECKOUT_SUCCESS_URL,required"`
	CheckoutCancelURL  string `env:"BILLING_CHECKOUT_CANCEL_URL,required"`

	SyncRateLimit  int           `env:"BILLING_SYNC_RATE_LIMIT" envDefault:"5"`
	SyncRateWindow time.Duration `env:"BILLING_SYNC_RATE_WINDOW" envDefault:"1m"`

	WebhookMaxBody   int64         `env:"BILLING_WEBHOOK_MAX_BODY" envDefault:"1048576"`
	WebhookClaimTTL  time.Duration `env:"BILLING_WEBHOOK_CLAIM_TTL" envDefault:"2m"`
	WebhookRetention time.Duration `env:"BILLING_WEBHOOK_RETENTION" envDefault:"72h"`

	IncrementTimeout time.Duration `env:"BILLING_INCREMENT_TIMEOUT" envDefault:"5s"`
}

// Validate checks settings the env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Provider != ProviderStripe && c.Provider != ProviderPaddle {
		errs = append(errs, ErrUnknownProvider)
	}
	if c.SweepSecret == "" {
		errs = append(errs, ErrMissingSweepSecret)
	}
	if c.CheckoutSuccessURL == "" || c.CheckoutCancelURL == "" {
		errs = append(errs, ErrMissingRedirectURLs)
	}
	return errors.Join(errs...)
}

// SignatureHeader returns the webhook signature header of the configured provider.
func (c Config) SignatureHeader() string {
	if c.Provider == ProviderPaddle {
		return "Paddle-Signature"
	}
	return "Stripe-Signature"
}
