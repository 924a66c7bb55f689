package billing

// Status mirrors the external processor's subscription status.
// It is copied verbatim during reconciliation and never derived locally.
type Status string

const (
	StatusProvisional       Status = "provisional" // placeholder created before checkout completes
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusProvisional, StatusTrialing, StatusActive, StatusPastDue,
		StatusCanceled, StatusIncomplete, StatusIncompleteExpired, StatusUnpaid:
		return true
	}
	return false
}

// Terminal reports whether the processor will never move s again.
// Terminal records are skipped by the sweep.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// BillingInterval represents the billing frequency of a price.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

func (i BillingInterval) Valid() bool {
	return i == IntervalMonth || i == IntervalYear
}

// Money represents a monetary amount in the smallest currency unit.
// For example, $29.00 USD is Amount: 2900, Currency: "USD".
type Money struct {
	Amount   int64  `json:"amount" yaml:"amount"`
	Currency string `json:"currency" yaml:"currency"` // ISO 4217 code
}

// Feature is a plan capability checked at feature boundaries.
type Feature string

const (
	FeatureCompetitorTracking Feature = "competitor_tracking"
	FeatureSentimentAnalysis  Feature = "sentiment_analysis"
	FeatureScheduledReports   Feature = "scheduled_reports"
	FeatureExport             Feature = "export"
	FeatureAPI                Feature = "api"
	FeatureTeamSeats          Feature = "team_seats"
)

// ActionType is a quota-consuming action. Only known values are metered.
type ActionType string

const (
	ActionReviewAnalysis ActionType = "review_analysis"
	ActionCompetitorScan ActionType = "competitor_scan"
	ActionReportExport   ActionType = "report_export"
)

// ActionTypes lists every metered action.
var ActionTypes = []ActionType{ActionReviewAnalysis, ActionCompetitorScan, ActionReportExport}

func (a ActionType) Valid() bool {
	switch a {
	case ActionReviewAnalysis, ActionCompetitorScan, ActionReportExport:
		return true
	}
	return false
}

// Trigger identifies which path requested a reconciliation.
type Trigger string

const (
	TriggerEvent  Trigger = "event"
	TriggerSweep  Trigger = "sweep"
	TriggerManual Trigger = "manual"
)
