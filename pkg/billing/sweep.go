package billing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Sweep detail results.
const (
	SweepSucceeded = "succeeded"
	SweepFailed    = "failed"
	SweepPending   = "pending"
)

// SweepReport aggregates the per-record outcomes of a sweep.
// Pending records were not reached before the context ended.
type SweepReport struct {
	TotalProcessed int           `json:"totalProcessed"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Pending        int           `json:"pending"`
	Details        []SweepDetail `json:"details"`
}

// SweepDetail is the outcome for one record.
type SweepDetail struct {
	SubscriberID   uuid.UUID `json:"subscriberId"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Result         string    `json:"result"`
	Outcome        string    `json:"outcome,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Sweep re-fetches every non-terminal record. A failing record never aborts
// the sweep. Records not reached before ctx ends are reported as pending.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	started := r.now()
	records, err := r.store.ListForSweep(ctx)
	if err != nil {
		return nil, err
	}

	details := make([]SweepDetail, len(records))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, rec := range records {
		details[i] = SweepDetail{SubscriberID: rec.SubscriberID, SubscriptionID: rec.ExternalSubscriptionID}
		g.Go(func() error {
			d := &details[i]
			if ctx.Err() != nil {
				d.Result = SweepPending
				return nil
			}
			res, err := r.reconcileRecord(ctx, rec)
			switch {
			case err != nil && ctx.Err() != nil:
				d.Result = SweepPending
			case err != nil:
				d.Result = SweepFailed
				d.Error = err.Error()
			default:
				d.Result = SweepSucceeded
				d.Outcome = res.Outcome
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &SweepReport{Details: details}
	for _, d := range details {
		switch d.Result {
		case SweepSucceeded:
			report.Succeeded++
		case SweepFailed:
			report.Failed++
		case SweepPending:
			report.Pending++
		}
	}
	report.TotalProcessed = report.Succeeded + report.Failed

	r.metrics.swept(SweepSucceeded, report.Succeeded)
	r.metrics.swept(SweepFailed, report.Failed)
	r.metrics.swept(SweepPending, report.Pending)
	r.metrics.sweepTook(r.now().Sub(started).Seconds())

	r.logger.InfoContext(ctx, "subscription sweep finished",
		slog.Int("total_processed", report.TotalProcessed),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("pending", report.Pending))

	return report, nil
}
