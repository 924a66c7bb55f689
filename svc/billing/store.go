package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	engine "github.com/dmitrymomot/reviewradar/pkg/billing"
	"github.com/dmitrymomot/reviewradar/pkg/pg"
)

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	pg.TxBeginner
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// querier is satisfied by both DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `subscriber_id, COALESCE(external_customer_id, ''), COALESCE(external_subscription_id, ''),
	COALESCE(plan_id, ''), status, billing_email,
	trial_start, trial_end, current_period_start, current_period_end, cancel_at, canceled_at,
	cancel_at_period_end, usage_counter, usage_period, synced_at, created_at, updated_at`

// Store is the PostgreSQL implementation of the engine's datastore contract.
type Store struct {
	db  DB
	now func() time.Time
}

var _ engine.Store = (*Store)(nil)

// NewStore creates a Store over db.
func NewStore(db DB) *Store {
	if db == nil {
		panic("billing: DB is required")
	}
	return &Store{db: db, now: time.Now}
}

func scanRecord(row pgx.Row) (*engine.Record, error) {
	var rec engine.Record
	var status string
	err := row.Scan(
		&rec.SubscriberID, &rec.ExternalCustomerID, &rec.ExternalSubscriptionID,
		&rec.PlanID, &status, &rec.BillingEmail,
		&rec.TrialStart, &rec.TrialEnd, &rec.CurrentPeriodStart, &rec.CurrentPeriodEnd, &rec.CancelAt, &rec.CanceledAt,
		&rec.CancelAtPeriodEnd, &rec.UsageCounter, &rec.UsagePeriod, &rec.SyncedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, engine.ErrRecordNotFound
		}
		return nil, err
	}
	rec.Status = engine.Status(status)
	return &rec, nil
}

func (s *Store) getOne(ctx context.Context, where string, arg any) (*engine.Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM subscriptions WHERE `+where, arg))
	if err != nil && !errors.Is(err, engine.ErrRecordNotFound) {
		return nil, fmt.Errorf("query subscription record: %w", err)
	}
	return rec, err
}

func (s *Store) GetBySubscriber(ctx context.Context, subscriberID uuid.UUID) (*engine.Record, error) {
	return s.getOne(ctx, `subscriber_id = $1`, subscriberID)
}

func (s *Store) GetByExternalSubscription(ctx context.Context, subscriptionID string) (*engine.Record, error) {
	if subscriptionID == "" {
		return nil, engine.ErrRecordNotFound
	}
	return s.getOne(ctx, `external_subscription_id = $1`, subscriptionID)
}

// GetByExternalCustomer returns the most recently updated record of the customer.
func (s *Store) GetByExternalCustomer(ctx context.Context, customerID string) (*engine.Record, error) {
	if customerID == "" {
		return nil, engine.ErrRecordNotFound
	}
	return s.getOne(ctx, `external_customer_id = $1 ORDER BY updated_at DESC LIMIT 1`, customerID)
}

func (s *Store) InsertProvisional(ctx context.Context, rec *engine.Record) (bool, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (subscriber_id, external_customer_id, external_subscription_id,
			plan_id, status, billing_email, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $7)
		ON CONFLICT DO NOTHING`,
		rec.SubscriberID, rec.ExternalCustomerID, rec.ExternalSubscriptionID,
		rec.PlanID, string(engine.StatusProvisional), rec.BillingEmail, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert provisional record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// upsertSQL writes every processor-sourced field. The WHERE clause of the
// conflict branch is the stale guard: an older fetch updates no row.
const upsertSQL = `
	INSERT INTO subscriptions AS s (subscriber_id, external_customer_id, external_subscription_id,
		plan_id, status, trial_start, trial_end, current_period_start, current_period_end,
		cancel_at, canceled_at, cancel_at_period_end, synced_at, created_at, updated_at)
	VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	ON CONFLICT (subscriber_id) DO UPDATE SET
		external_customer_id = EXCLUDED.external_customer_id,
		external_subscription_id = EXCLUDED.external_subscription_id,
		plan_id = COALESCE(EXCLUDED.plan_id, s.plan_id),
		status = EXCLUDED.status,
		trial_start = EXCLUDED.trial_start,
		trial_end = EXCLUDED.trial_end,
		current_period_start = EXCLUDED.current_period_start,
		current_period_end = EXCLUDED.current_period_end,
		cancel_at = EXCLUDED.cancel_at,
		canceled_at = EXCLUDED.canceled_at,
		cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		synced_at = EXCLUDED.synced_at,
		updated_at = EXCLUDED.updated_at
	WHERE s.synced_at IS NULL OR s.synced_at <= EXCLUDED.synced_at
	RETURNING (xmax = 0)`

func (s *Store) ApplyUpdate(ctx context.Context, u engine.SubscriptionUpdate) (engine.ApplyResult, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}

	var result engine.ApplyResult
	err := pg.InTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// The subscription stays with the subscriber that first owned it.
		var owner uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT subscriber_id FROM subscriptions WHERE external_subscription_id = $1 FOR UPDATE`,
			u.ExternalSubscriptionID,
		).Scan(&owner)
		switch {
		case err == nil:
			u.SubscriberID = owner
		case !pg.IsNotFoundError(err):
			return err
		default:
			superseded, err := followsOtherSubscription(ctx, tx, u)
			if err != nil {
				return err
			}
			if superseded {
				result = engine.ApplySuperseded
				if u.TrialStart != nil {
					return recordTrial(ctx, tx, u.SubscriberID, u.ExternalSubscriptionID, *u.TrialStart)
				}
				return nil
			}
		}

		var inserted bool
		err = tx.QueryRow(ctx, upsertSQL,
			u.SubscriberID, u.ExternalCustomerID, u.ExternalSubscriptionID, u.PlanID, string(u.Status),
			u.TrialStart, u.TrialEnd, u.CurrentPeriodStart, u.CurrentPeriodEnd,
			u.CancelAt, u.CanceledAt, u.CancelAtPeriodEnd, u.FetchedAt, s.now(),
		).Scan(&inserted)
		if pg.IsNotFoundError(err) {
			result = engine.ApplyStale
			return nil
		}
		if err != nil {
			return err
		}

		result = engine.ApplyUpdated
		if inserted {
			result = engine.ApplyCreated
		}
		if u.TrialStart != nil {
			return recordTrial(ctx, tx, u.SubscriberID, u.ExternalSubscriptionID, *u.TrialStart)
		}
		return nil
	})
	if err != nil {
		if pg.IsSerializationError(err) || pg.IsDuplicateKeyError(err) {
			return 0, errors.Join(engine.ErrWriteConflict, err)
		}
		return 0, fmt.Errorf("apply subscription update: %w", err)
	}
	return result, nil
}

// followsOtherSubscription locks the subscriber's record and reports whether
// the update must be rejected with ApplySuperseded.
func followsOtherSubscription(ctx context.Context, tx pgx.Tx, u engine.SubscriptionUpdate) (bool, error) {
	var current string
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(external_subscription_id, '') FROM subscriptions WHERE subscriber_id = $1 FOR UPDATE`,
		u.SubscriberID,
	).Scan(&current)
	if pg.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsSupersededBy(&engine.Record{ExternalSubscriptionID: current}), nil
}

func recordTrial(ctx context.Context, q querier, subscriberID uuid.UUID, subscriptionID string, start time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO trial_history (subscriber_id, external_subscription_id, trial_start)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		subscriberID, subscriptionID, start,
	)
	return err
}

func (s *Store) MarkCanceled(ctx context.Context, subscriberID uuid.UUID, fetchedAt time.Time) (engine.ApplyResult, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET status = $2, synced_at = $3, updated_at = $4
		WHERE subscriber_id = $1 AND (synced_at IS NULL OR synced_at <= $3)`,
		subscriberID, string(engine.StatusCanceled), fetchedAt, s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark subscription canceled: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return engine.ApplyUpdated, nil
	}
	if _, err := s.GetBySubscriber(ctx, subscriberID); err != nil {
		return 0, err
	}
	return engine.ApplyStale, nil
}

func (s *Store) ListForSweep(ctx context.Context) ([]*engine.Record, error) {
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM subscriptions
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at, subscriber_id`,
		string(engine.StatusCanceled), string(engine.StatusIncompleteExpired),
	)
	if err != nil {
		return nil, fmt.Errorf("list records for sweep: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*engine.Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list records for sweep: %w", err)
	}
	return records, nil
}

func (s *Store) IncrementUsage(ctx context.Context, subscriberID uuid.UUID, periodID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		UPDATE subscriptions SET
			usage_counter = CASE WHEN usage_period = $2 THEN usage_counter + 1 ELSE 1 END,
			usage_period = $2,
			updated_at = $3
		WHERE subscriber_id = $1
		RETURNING usage_counter`,
		subscriberID, periodID, s.now(),
	).Scan(&n)
	if pg.IsNotFoundError(err) {
		return 0, engine.ErrRecordNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return n, nil
}

func (s *Store) ResetUsage(ctx context.Context, subscriberID uuid.UUID, periodID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET usage_counter = 0, usage_period = $2, updated_at = $3
		WHERE subscriber_id = $1 AND usage_period <> $2`,
		subscriberID, periodID, s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("reset usage: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetBySubscriber(ctx, subscriberID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) HasTrialHistory(ctx context.Context, subscriberID uuid.UUID) (bool, error) {
	var used bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM trial_history WHERE subscriber_id = $1)
			OR EXISTS (SELECT 1 FROM subscriptions WHERE subscriber_id = $1 AND trial_start IS NOT NULL)`,
		subscriberID,
	).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("query trial history: %w", err)
	}
	return used, nil
}
