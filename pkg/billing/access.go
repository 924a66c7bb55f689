package billing

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// IsActive reports whether rec grants access at now.
// A nil record is treated as having no status and is inactive.
func IsActive(rec *Record, now time.Time) bool {
	return Evaluate(rec, now).Allowed()
}

// AccessLevel is the outcome of the access gate.
type AccessLevel string

const (
	AccessActive AccessLevel = "active"
	AccessTrial  AccessLevel = "trial"
	AccessDenied AccessLevel = "denied"
)

// Denial reasons reported by Evaluate.
const (
	ReasonNoRecord     = "no_subscription"
	ReasonTrialExpired = "trial_expired"
	ReasonTrialNoEnd   = "trial_end_missing"
	ReasonInactive     = "status_inactive"
)

// AccessDecision is the result of evaluating a record.
type AccessDecision struct {
	Level    AccessLevel `json:"level"`
	Status   Status      `json:"status,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	TrialEnd *time.Time  `json:"trialEnd,omitempty"`

	// TrialDaysRemaining counts started days, so the last hours of a trial still show 1.
	TrialDaysRemaining int `json:"trialDaysRemaining,omitempty"`
}

// Allowed reports whether the decision grants access.
func (d AccessDecision) Allowed() bool {
	return d.Level == AccessActive || d.Level == AccessTrial
}

// Evaluate maps a local record to an access decision.
// It performs no I/O and never fails.
func Evaluate(rec *Record, now time.Time) AccessDecision {
	if rec == nil {
		return AccessDecision{Level: AccessDenied, Reason: ReasonNoRecord}
	}

	switch rec.Status {
	case StatusActive:
		return AccessDecision{Level: AccessActive, Status: rec.Status}
	case StatusTrialing:
		d := AccessDecision{Status: rec.Status, TrialEnd: cloneTime(rec.TrialEnd)}
		switch {
		case rec.TrialEnd == nil:
			d.Level, d.Reason = AccessDenied, ReasonTrialNoEnd
		case rec.TrialEnd.After(now):
			d.Level = AccessTrial
			d.TrialDaysRemaining = int(math.Ceil(rec.TrialEnd.Sub(now).Hours() / 24))
		default:
			d.Level, d.Reason = AccessDenied, ReasonTrialExpired
		}
		return d
	default:
		return AccessDecision{Level: AccessDenied, Status: rec.Status, Reason: ReasonInactive}
	}
}

// Entitlement is the combined answer for a feature boundary.
type Entitlement struct {
	Access  AccessDecision `json:"access"`
	Usage   UsageStatus    `json:"usage"`
	Feature bool           `json:"feature"`
}

// Allowed reports whether the gate, the plan feature and the remaining usage all pass.
func (e Entitlement) Allowed() bool {
	return e.Access.Allowed() && e.Feature && e.Usage.HasRemainingUsage
}

// Entitlements combines the access gate with plan features and usage.
// It reads only local state.
type Entitlements struct {
	records RecordReader
	catalog *Catalog
	usage   *UsageCounter
	now     func() time.Time
}

// NewEntitlements returns an Entitlements checker.
func NewEntitlements(records RecordReader, catalog *Catalog, usage *UsageCounter, opts ...Option) *Entitlements {
	if records == nil {
		panic("billing: RecordReader is required")
	}
	if catalog == nil {
		panic("billing: Catalog is required")
	}
	if usage == nil {
		panic("billing: UsageCounter is required")
	}
	o := newOptions(opts)
	return &Entitlements{records: records, catalog: catalog, usage: usage, now: o.now}
}

// Access loads the subscriber's record and evaluates it.
// Lookup failures are reported as denied so feature boundaries stay available.
func (e *Entitlements) Access(ctx context.Context, subscriberID uuid.UUID) AccessDecision {
	rec, err := e.records.GetBySubscriber(ctx, subscriberID)
	if err != nil {
		rec = nil
	}
	return Evaluate(rec, e.now())
}

// Check evaluates access to feature for the subscriber. An empty feature skips the plan check.
func (e *Entitlements) Check(ctx context.Context, subscriberID uuid.UUID, feature Feature) (Entitlement, error) {
	rec, err := e.records.GetBySubscriber(ctx, subscriberID)
	if err != nil && !isNotFound(err) {
		return Entitlement{}, err
	}

	ent := Entitlement{Access: Evaluate(rec, e.now())}

	planID := ""
	if rec != nil {
		planID = rec.PlanID
	}
	plan, err := e.catalog.Resolve(planID)
	if err != nil {
		return ent, nil
	}
	ent.Feature = feature == "" || plan.HasFeature(feature)

	ent.Usage, err = e.usage.check(ctx, subscriberID, rec, plan)
	if err != nil {
		return ent, err
	}
	return ent, nil
}
