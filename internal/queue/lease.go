package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a Redis lock held by whichever instance runs the scheduled
// pipeline tick. It expires on its own if the holder dies.
type Lease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// NewLease builds a lease named name with expiry ttl.
func NewLease(rdb *redis.Client, name string, ttl time.Duration) *Lease {
	return &Lease{
		rdb:   rdb,
		key:   "centinela:lease:" + name,
		token: uuid.NewString(),
		ttl:   ttl,
	}
}

// Acquire attempts to take the lease. Returns false when another instance
// holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Release gives the lease up. A no-op if it already expired or was taken
// over by another instance.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
