package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"exchange-core/pkg/types"
)

func newTestLocker(t *testing.T, ttl time.Duration, retries int) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ttl, retries, time.Millisecond), mr
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLocker(t, time.Second, 2)

	lk, err := l.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	held, err := lk.Held(ctx)
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if !held {
		t.Fatal("Held = false right after acquire")
	}

	// Contender exhausts its retry budget while the lock is held.
	if _, err := l.Acquire(ctx, "m1"); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("second Acquire = %v, want ErrConflict", err)
	}

	if err := lk.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lk2, err := l.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = lk2.Release(ctx)
}

func TestLocksAreIndependentPerMarket(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLocker(t, time.Second, 2)

	lk1, err := l.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("Acquire m1: %v", err)
	}
	defer lk1.Release(ctx)

	lk2, err := l.Acquire(ctx, "m2")
	if err != nil {
		t.Fatalf("Acquire m2: %v", err)
	}
	defer lk2.Release(ctx)
}

func TestExpiredLockNotReleasedByOriginalHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, mr := newTestLocker(t, time.Second, 2)

	lk1, err := l.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// TTL expires while lk1 is mid-flight; another caller takes the lock.
	mr.FastForward(2 * time.Second)

	lk2, err := l.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}

	held, err := lk1.Held(ctx)
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if held {
		t.Fatal("expired lock still reports held")
	}

	// Releasing the stale lock must not free the new holder's lock.
	if err := lk1.Release(ctx); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	held, err = lk2.Held(ctx)
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if !held {
		t.Fatal("new holder's lock was released by the stale holder")
	}
}
