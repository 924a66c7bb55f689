package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	engine "github.com/dmitrymomot/reviewradar/pkg/billing"
)

const (
	ledgerPending = "pending"
	ledgerDone    = "done"
)

// RedisLedger deduplicates webhook deliveries across replicas.
type RedisLedger struct {
	client    redis.Cmdable
	prefix    string
	claimTTL  time.Duration
	retainTTL time.Duration
}

var _ engine.EventLedger = (*RedisLedger)(nil)

// NewRedisLedger returns a ledger keeping processed event IDs for retain and
// expiring abandoned claims after claimTTL.
func NewRedisLedger(client redis.Cmdable, claimTTL, retain time.Duration) *RedisLedger {
	if client == nil {
		panic("billing: redis client is required")
	}
	return &RedisLedger{client: client, prefix: "billing:webhook:", claimTTL: claimTTL, retainTTL: retain}
}

func (l *RedisLedger) Claim(ctx context.Context, id string) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+id, ledgerPending, l.claimTTL).Result()
}

func (l *RedisLedger) Complete(ctx context.Context, id string) error {
	return l.client.Set(ctx, l.prefix+id, ledgerDone, l.retainTTL).Err()
}

func (l *RedisLedger) Release(ctx context.Context, id string) error {
	return l.client.Del(ctx, l.prefix+id).Err()
}
