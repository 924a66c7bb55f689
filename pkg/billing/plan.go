package billing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Plan describes a subscription plan, its monthly usage limit and feature flags.
type Plan struct {
	ID              string                    `yaml:"id"`
	Name            string                    `yaml:"name"`
	MonthlyLimit    *int64                    `yaml:"monthly_limit"` // nil means unlimited
	IsUnlimited     bool                      `yaml:"unlimited"`
	PriceByInterval map[BillingInterval]Money `yaml:"prices"`
	TrialDays       int                       `yaml:"trial_days"`
	Features        []Feature                 `yaml:"features"`
}

// Unlimited reports whether usage on this plan is never capped.
func (p Plan) Unlimited() bool {
	return p.IsUnlimited || p.MonthlyLimit == nil
}

// Limit returns the monthly limit, or nil for unlimited plans.
func (p Plan) Limit() *int64 {
	if p.Unlimited() {
		return nil
	}
	v := *p.MonthlyLimit
	return &v
}

// Price returns the price for the given billing interval.
func (p Plan) Price(interval BillingInterval) (Money, bool) {
	m, ok := p.PriceByInterval[interval]
	return m, ok
}

func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

func (p Plan) clone() Plan {
	c := p
	if p.MonthlyLimit != nil {
		v := *p.MonthlyLimit
		c.MonthlyLimit = &v
	}
	c.PriceByInterval = maps.Clone(p.PriceByInterval)
	c.Features = slices.Clone(p.Features)
	return c
}

// PlansSource defines how plans are loaded into the catalog.
type PlansSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// Catalog is the validated, in-memory plan reference data.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	plans       map[string]Plan
	defaultPlan string
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithDefaultPlan sets the plan used for subscribers without a plan on record.
// Usage checks for such subscribers are evaluated against this plan.
func WithDefaultPlan(planID string) CatalogOption {
	return func(c *Catalog) {
		c.defaultPlan = planID
	}
}

// NewCatalog loads plans from src and validates them.
func NewCatalog(ctx context.Context, src PlansSource, opts ...CatalogOption) (*Catalog, error) {
	if src == nil {
		panic("billing: PlansSource is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for id, p := range plans {
		c.plans[id] = p.clone()
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := validatePlans(c.plans); err != nil {
		return nil, err
	}
	if c.defaultPlan != "" {
		if _, ok := c.plans[c.defaultPlan]; !ok {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("default plan %q is not in the catalog", c.defaultPlan))
		}
	}

	return c, nil
}

// Plan returns the plan with the given ID.
func (c *Catalog) Plan(id string) (Plan, bool) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, false
	}
	return p.clone(), true
}

// Resolve returns the plan for id, falling back to the default plan when id is empty.
func (c *Catalog) Resolve(id string) (Plan, error) {
	if id == "" {
		id = c.defaultPlan
	}
	p, ok := c.Plan(id)
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

// PriceFor returns the configured price for plan and interval.
func (c *Catalog) PriceFor(planID string, interval BillingInterval) (Plan, Money, error) {
	p, ok := c.Plan(planID)
	if !ok {
		return Plan{}, Money{}, ErrPlanNotFound
	}
	m, ok := p.Price(interval)
	if !ok {
		return Plan{}, Money{}, ErrIntervalNotOffered
	}
	return p, m, nil
}

// Plans returns all plans sorted by ID.
func (c *Catalog) Plans() []Plan {
	ids := slices.Sorted(maps.Keys(c.plans))
	out := make([]Plan, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.plans[id].clone())
	}
	return out
}

// validatePlans ensures plan configurations are internally consistent.
// Catches common configuration errors early to prevent runtime issues.
func validatePlans(plans map[string]Plan) error {
	if len(plans) == 0 {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("catalog has no plans"))
	}

	for planID, plan := range plans {
		if plan.ID != planID {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", planID, plan.ID))
		}
		if plan.MonthlyLimit != nil && *plan.MonthlyLimit < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative monthly limit: %d", planID, *plan.MonthlyLimit))
		}
		if plan.TrialDays < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative trial days: %d", planID, plan.TrialDays))
		}
		for interval, price := range plan.PriceByInterval {
			if !interval.Valid() {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has unknown interval %q", planID, interval))
			}
			if price.Amount <= 0 || price.Currency == "" {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has invalid %s price", planID, interval))
			}
		}
	}
	return nil
}
