// Package lock provides the per-market exclusive lock that serializes the
// matching path. The lock is a Redis key lock:market:<marketId> written
// with SET NX EX, so a crashed holder releases automatically when the TTL
// expires. Release compares the holder token in a Lua script before
// deleting, so an expired lock reacquired by another caller is never
// released by the original holder.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"exchange-core/pkg/types"
)

// releaseScript deletes the lock key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker acquires short-TTL market locks.
type Locker struct {
	rdb        redis.Cmdable
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

// New creates a Locker. ttl bounds how long a crashed holder can block a
// market; retries and retryDelay bound how long an acquirer waits before
// giving up with ErrConflict.
func New(rdb redis.Cmdable, ttl time.Duration, retries int, retryDelay time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if retries <= 0 {
		retries = 10
	}
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	return &Locker{rdb: rdb, ttl: ttl, retries: retries, retryDelay: retryDelay}
}

// Lock is a held market lock. Release it exactly once.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

func lockKey(marketID string) string {
	return "lock:market:" + marketID
}

// Acquire takes the exclusive lock for a market, retrying up to the
// configured budget. Returns ErrConflict when the budget is exhausted.
func (l *Locker) Acquire(ctx context.Context, marketID string) (*Lock, error) {
	key := lockKey(marketID)
	token := uuid.NewString()

	for attempt := 0; attempt < l.retries; attempt++ {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire market lock: %v", types.ErrStorage, err)
		}
		if ok {
			return &Lock{locker: l, key: key, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
	return nil, fmt.Errorf("%w: market %s", types.ErrConflict, marketID)
}

// Release frees the lock if we still hold it. A lock lost to TTL expiry is
// not an error here; the matching path checks Held before settling.
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token).Err(); err != nil {
		return fmt.Errorf("%w: release market lock: %v", types.ErrStorage, err)
	}
	return nil
}

// Held reports whether the lock key still carries our token. The engine
// checks this before commit; a caller that lost its lock mid-transaction
// must roll back.
func (lk *Lock) Held(ctx context.Context) (bool, error) {
	val, err := lk.locker.rdb.Get(ctx, lk.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: check market lock: %v", types.ErrStorage, err)
	}
	return val == lk.token, nil
}
