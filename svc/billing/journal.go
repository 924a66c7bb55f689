package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	engine "github.com/dmitrymomot/reviewradar/pkg/billing"
)

// ActionJournal reads the append-only log of completed quota-consuming actions.
// The analysis pipeline writes usage_actions when an action completes; the
// journal is the ground truth the usage counter is reconciled against.
type ActionJournal struct {
	db DB
}

var _ engine.ActionSource = (*ActionJournal)(nil)

// NewActionJournal creates an ActionJournal.
func NewActionJournal(db DB) *ActionJournal {
	if db == nil {
		panic("billing: DB is required")
	}
	return &ActionJournal{db: db}
}

// CountActions counts metered actions in [from, to).
func (j *ActionJournal) CountActions(ctx context.Context, subscriberID uuid.UUID, from, to time.Time) (int64, error) {
	types := lo.Map(engine.ActionTypes, func(a engine.ActionType, _ int) string { return string(a) })

	var n int64
	err := j.db.QueryRow(ctx, `
		SELECT count(*) FROM usage_actions
		WHERE subscriber_id = $1 AND created_at >= $2 AND created_at < $3 AND action_type = ANY($4)`,
		subscriberID, from, to, types,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage actions: %w", err)
	}
	return n, nil
}
