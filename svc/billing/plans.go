package billing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	engine "github.com/dmitrymomot/reviewradar/pkg/billing"
	"github.com/dmitrymomot/reviewradar/pkg/pg"
)

// PlanTableSource loads the plan catalog from the plans and plan_prices tables.
type PlanTableSource struct {
	db DB
}

var _ engine.PlansSource = (*PlanTableSource)(nil)

// NewPlanTableSource creates a PlanTableSource.
func NewPlanTableSource(db DB) *PlanTableSource {
	if db == nil {
		panic("billing: DB is required")
	}
	return &PlanTableSource{db: db}
}

type planRow struct {
	ID           string
	Name         string
	MonthlyLimit *int64
	IsUnlimited  bool
	TrialDays    int
	Features     []string
}

type priceRow struct {
	PlanID   string
	Interval string
	Amount   int64
	Currency string
}

// Load returns every active plan with its prices.
func (s *PlanTableSource) Load(ctx context.Context) (map[string]engine.Plan, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, monthly_limit, is_unlimited, trial_days, features
		FROM plans WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	plans, err := pgx.CollectRows(rows, pgx.RowToStructByPos[planRow])
	if err != nil {
		return nil, fmt.Errorf("scan plans: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT pp.plan_id, pp.billing_interval, pp.amount, pp.currency
		FROM plan_prices pp JOIN plans p ON p.id = pp.plan_id
		WHERE p.active`)
	if err != nil {
		return nil, fmt.Errorf("query plan prices: %w", err)
	}
	prices, err := pgx.CollectRows(rows, pgx.RowToStructByPos[priceRow])
	if err != nil {
		return nil, fmt.Errorf("scan plan prices: %w", err)
	}
	pricesByPlan := lo.GroupBy(prices, func(p priceRow) string { return p.PlanID })

	out := make(map[string]engine.Plan, len(plans))
	for _, p := range plans {
		plan := engine.Plan{
			ID:           p.ID,
			Name:         p.Name,
			MonthlyLimit: p.MonthlyLimit,
			IsUnlimited:  p.IsUnlimited,
			TrialDays:    p.TrialDays,
			Features:     lo.Map(p.Features, func(f string, _ int) engine.Feature { return engine.Feature(f) }),
		}
		if ps := pricesByPlan[p.ID]; len(ps) > 0 {
			plan.PriceByInterval = make(map[engine.BillingInterval]engine.Money, len(ps))
			for _, pr := range ps {
				plan.PriceByInterval[engine.BillingInterval(pr.Interval)] = engine.Money{Amount: pr.Amount, Currency: pr.Currency}
			}
		}
		out[p.ID] = plan
	}
	return out, nil
}

// DefaultPlan returns the plan flagged is_default, or "" when none is.
func (s *PlanTableSource) DefaultPlan(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `SELECT id FROM plans WHERE is_default AND active`).Scan(&id)
	if pg.IsNotFoundError(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query default plan: %w", err)
	}
	return id, nil
}
