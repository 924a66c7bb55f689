package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// UsageStatus answers "has remaining usage?" for a subscriber.
type UsageStatus struct {
	HasRemainingUsage bool   `json:"hasRemainingUsage"`
	CurrentUsage      int64  `json:"currentUsage"`
	Limit             *int64 `json:"limit"`
	IsUnlimited       bool   `json:"isUnlimited"`
}

// Period is a usage metering window.
type Period struct {
	ID    string
	Start time.Time
	End   time.Time // exclusive
}

const (
	processorPeriodLayout = "20060102T150405Z"
	calendarPeriodLayout  = "2006-01"
)

// PeriodFor returns the usage period containing now.
// The processor billing period is used when the record carries one that
// contains now; otherwise the UTC calendar month.
func PeriodFor(rec *Record, now time.Time) Period {
	if rec != nil && rec.CurrentPeriodStart != nil && rec.CurrentPeriodEnd != nil {
		start, end := rec.CurrentPeriodStart.UTC(), rec.CurrentPeriodEnd.UTC()
		if !now.Before(start) && now.Before(end) {
			return Period{ID: start.Format(processorPeriodLayout), Start: start, End: end}
		}
	}
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{ID: start.Format(calendarPeriodLayout), Start: start, End: start.AddDate(0, 1, 0)}
}

// UsageRecordStore is the subset of Store the usage counter needs.
type UsageRecordStore interface {
	RecordReader
	UsageStore
}

// UsageCounter meters quota-consuming actions per subscriber and period.
// The effective usage is the maximum of the stored counter and the ground
// truth reported by the ActionSource, so lost or duplicated increments never
// cause usage to be under-reported.
type UsageCounter struct {
	store   UsageRecordStore
	actions ActionSource
	catalog *Catalog

	logger           *slog.Logger
	metrics          *Metrics
	now              func() time.Time
	incrementTimeout time.Duration
}

// NewUsageCounter creates a UsageCounter. actions may be nil, in which case
// only the stored counter is used.
func NewUsageCounter(store UsageRecordStore, catalog *Catalog, actions ActionSource, opts ...Option) *UsageCounter {
	if store == nil {
		panic("billing: UsageRecordStore is required")
	}
	if catalog == nil {
		panic("billing: Catalog is required")
	}
	o := newOptions(opts)
	return &UsageCounter{
		store:            store,
		actions:          actions,
		catalog:          catalog,
		logger:           o.logger,
		metrics:          o.metrics,
		now:              o.now,
		incrementTimeout: o.incrementTimeout,
	}
}

// Increment adds one consuming action to the current period and returns the new counter.
// The store calls are bounded by the increment timeout so a slow datastore never
// holds up the metered action.
func (u *UsageCounter) Increment(ctx context.Context, subscriberID uuid.UUID, action ActionType) (int64, error) {
	if !action.Valid() {
		return 0, ErrInvalidActionType
	}
	if subscriberID == uuid.Nil {
		return 0, ErrMissingSubscriber
	}

	ctx, cancel := context.WithTimeout(ctx, u.incrementTimeout)
	defer cancel()

	rec, err := u.store.GetBySubscriber(ctx, subscriberID)
	if err != nil {
		u.metrics.incremented(action, "error")
		return 0, err
	}

	n, err := u.store.IncrementUsage(ctx, subscriberID, PeriodFor(rec, u.now()).ID)
	if err != nil {
		u.metrics.incremented(action, "error")
		return 0, err
	}
	u.metrics.incremented(action, "ok")
	return n, nil
}

// Check reports the subscriber's usage against their plan limit.
// Subscribers without a record are evaluated against the default plan.
func (u *UsageCounter) Check(ctx context.Context, subscriberID uuid.UUID) (UsageStatus, error) {
	rec, err := u.store.GetBySubscriber(ctx, subscriberID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return UsageStatus{}, err
	}

	planID := ""
	if rec != nil {
		planID = rec.PlanID
	}
	plan, err := u.catalog.Resolve(planID)
	if err != nil {
		return UsageStatus{}, err
	}

	return u.check(ctx, subscriberID, rec, plan)
}

func (u *UsageCounter) check(ctx context.Context, subscriberID uuid.UUID, rec *Record, plan Plan) (UsageStatus, error) {
	period := PeriodFor(rec, u.now())

	var stored int64
	if rec != nil && rec.UsagePeriod == period.ID {
		stored = rec.UsageCounter
	}

	var counted int64
	if u.actions != nil {
		n, err := u.actions.CountActions(ctx, subscriberID, period.Start, period.End)
		switch {
		case err == nil:
			counted = n
		case plan.Unlimited():
			u.logger.WarnContext(ctx, "usage ground truth unavailable",
				slog.String("subscriber_id", subscriberID.String()),
				slog.String("error", err.Error()))
		default:
			return UsageStatus{}, errors.Join(ErrUsageCountFailed, err)
		}
	}

	effective := max(stored, counted)
	if plan.Unlimited() {
		return UsageStatus{HasRemainingUsage: true, CurrentUsage: effective, IsUnlimited: true}, nil
	}

	limit := plan.Limit()
	return UsageStatus{
		HasRemainingUsage: effective < *limit,
		CurrentUsage:      effective,
		Limit:             limit,
	}, nil
}

// ResetPeriod zeroes the counter for periodID. Repeated resets of the same period are no-ops.
func (u *UsageCounter) ResetPeriod(ctx context.Context, subscriberID uuid.UUID, periodID string) (bool, error) {
	if periodID == "" {
		return false, errors.New("period ID is required")
	}
	reset, err := u.store.ResetUsage(ctx, subscriberID, periodID)
	if err != nil {
		return false, err
	}
	if reset {
		u.logger.InfoContext(ctx, "usage period reset",
			slog.String("subscriber_id", subscriberID.String()),
			slog.String("period", periodID))
	}
	return reset, nil
}
