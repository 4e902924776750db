package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bsm/redislock"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// VariantLocker serialises ledger writes per variant. The returned func releases the lock.
type VariantLocker interface {
	Lock(ctx context.Context, variantID int64) (func(), error)
}

// LockVariants obtains locks for every distinct variant in ascending id order so two
// callers sharing variants cannot deadlock. Zero ids are skipped.
func LockVariants(ctx context.Context, locker VariantLocker, variantIDs []int64) (func(), error) {
	if locker == nil {
		return func() {}, nil
	}
	ids := make([]int64, 0, len(variantIDs))
	for _, id := range variantIDs {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	releases := make([]func(), 0, len(ids))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range ids {
		release, err := locker.Lock(ctx, id)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("lock variant %d: %w", id, err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// LocalLocker keeps one single-slot semaphore per variant inside the process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
}

// NewLocalLocker constructs LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]chan struct{})}
}

// Lock blocks until the variant is free or ctx ends.
func (l *LocalLocker) Lock(ctx context.Context, variantID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[variantID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[variantID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
}

const lockRetryStep = 100 * time.Millisecond

// RedisLocker holds variant locks in Redis so several API replicas share them.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// NewRedisLocker constructs RedisLocker. ttl bounds how long a crashed holder blocks others;
// a live holder keeps the key alive by refreshing it every ttl/2.
func NewRedisLocker(client *redislock.Client, ttl, wait time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, logger: logger}
}

// Lock obtains the variant key, retrying linearly until wait elapses. The key is refreshed
// in the background until the returned func runs.
func (l *RedisLocker) Lock(ctx context.Context, variantID int64) (func(), error) {
	retries := int(l.wait / lockRetryStep)
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(lockRetryStep), retries),
	}
	key := shared.VariantLockKey(variantID)
	lock, err := l.client.Obtain(ctx, key, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockTimeout
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lock, key, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release must not inherit a cancelled request context.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.Warn("release variant lock", slog.String("key", key), slog.Any("error", err))
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(lock *redislock.Lock, key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			err := lock.Refresh(ctx, l.ttl, nil)
			cancel()
			if err != nil {
				// The key expired or was taken over; writes under it are no longer serialised.
				l.logger.Error("refresh variant lock", slog.String("key", key), slog.Any("error", err))
				return
			}
		}
	}
}
