package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrEmptyKey = errors.New("key is empty")

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// Limiter counts generations per client in fixed hourly windows.
type Limiter struct {
	redis  *redis.Client
	limit  int64
	prefix string
}

func NewLimiter(rdb *redis.Client, limit int64) *Limiter {
	return &Limiter{redis: rdb, limit: limit, prefix: "companion:quota"}
}

func (l *Limiter) Allow(ctx context.Context, clientID string, now time.Time) (Decision, error) {
	if clientID == "" {
		return Decision{}, ErrEmptyKey
	}
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, clientID, windowStart.Format("2006010215"))
	used, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("quota script: %w", err)
	}
	return Decision{Allowed: used <= l.limit, Used: used, Limit: l.limit, ResetAt: windowEnd}, nil
}

// Idempotency remembers request keys for a while so a retried request is
// not generated (and billed) twice.
type Idempotency struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

func NewIdempotency(rdb *redis.Client, ttl time.Duration) *Idempotency {
	return &Idempotency{redis: rdb, ttl: ttl, prefix: "companion:idem"}
}

// Claim reports whether this is the first time key is seen in scope.
func (i *Idempotency) Claim(ctx context.Context, scope, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	ok, err := i.redis.SetNX(ctx, i.key(scope, key), "1", i.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return ok, nil
}

// Release forgets a claimed key, so a request that failed can be sent again.
func (i *Idempotency) Release(ctx context.Context, scope, key string) error {
	if err := i.redis.Del(ctx, i.key(scope, key)).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func (i *Idempotency) key(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", i.prefix, scope, key)
}
