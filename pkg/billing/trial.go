package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Trial eligibility reasons.
const (
	TrialReasonUsed         = "trial_already_used"
	TrialReasonNoSubscriber = "subscriber_required"
)

// TrialEligibility is the answer of the trial evaluator.
type TrialEligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// TrialEvaluator decides whether a subscriber may start a trial.
// Trials are granted once per subscriber, not once per subscription.
type TrialEvaluator struct {
	history TrialHistory
	records RecordReader
}

// NewTrialEvaluator creates a TrialEvaluator.
// records may be nil; history is the durable source and is required.
func NewTrialEvaluator(history TrialHistory, records RecordReader) *TrialEvaluator {
	if history == nil {
		panic("billing: TrialHistory is required")
	}
	return &TrialEvaluator{history: history, records: records}
}

// Evaluate returns the subscriber's trial eligibility.
func (e *TrialEvaluator) Evaluate(ctx context.Context, subscriberID uuid.UUID) (TrialEligibility, error) {
	if subscriberID == uuid.Nil {
		return TrialEligibility{Reason: TrialReasonNoSubscriber}, nil
	}

	used, err := e.history.HasTrialHistory(ctx, subscriberID)
	if err != nil {
		return TrialEligibility{}, err
	}
	if used {
		return TrialEligibility{Reason: TrialReasonUsed}, nil
	}

	if e.records != nil {
		rec, err := e.records.GetBySubscriber(ctx, subscriberID)
		switch {
		case err != nil && !errors.Is(err, ErrRecordNotFound):
			return TrialEligibility{}, err
		case rec != nil && rec.TrialStart != nil:
			return TrialEligibility{Reason: TrialReasonUsed}, nil
		}
	}

	return TrialEligibility{Eligible: true}, nil
}
