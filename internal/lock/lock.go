// Package lock serializes conflicting purchases. A Coordinator composes a
// process-local and a cluster-wide Locker keyed by (train, seat class), or
// a single cluster lock per train in coarse mode.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotAcquired is returned when a lock could not be taken before the
	// context ended.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrLeaseLost reports a cluster lock that expired or changed hands
	// while its critical section was running.
	ErrLeaseLost = errors.New("lock: lease lost")
)

// Locker takes a mutual-exclusion lock on key. It blocks until the lock
// is held or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlocker, error)
}

// Unlocker releases a lock obtained from a Locker.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Lease is implemented by Unlockers whose hold can end before Unlock. Lost
// is closed once the lock is no longer held.
type Lease interface {
	Lost() <-chan struct{}
}

// LocalLocker hands out one FIFO semaphore per key. Waiters are served in
// arrival order.
type LocalLocker struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sems: make(map[string]*semaphore.Weighted)}
}

func (l *LocalLocker) sem(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.sems[key] = s
	}
	return s
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlocker, error) {
	s := l.sem(key)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, errors.Join(ErrNotAcquired, err)
	}
	return localHandle{s}, nil
}

type localHandle struct{ s *semaphore.Weighted }

func (h localHandle) Unlock(context.Context) error {
	h.s.Release(1)
	return nil
}

// RedisLocker takes locks in Redis, retrying until the context ends. A
// held lock is refreshed every half TTL until it is unlocked.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// NewRedisLocker returns a cluster locker. ttl bounds how long a crashed
// holder can block others.
func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  20 * time.Millisecond,
		prefix: prefix,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlocker, error) {
	lk, err := l.client.Obtain(ctx, l.prefix+":lock:"+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retry),
	})
	if err == nil {
		h := &redisHandle{
			l:    lk,
			stop: make(chan struct{}),
			done: make(chan struct{}),
			lost: make(chan struct{}),
		}
		go l.keepAlive(h)
		return h, nil
	}
	// a round trip cut short by the wait deadline counts as not obtained
	if errors.Is(err, redislock.ErrNotObtained) || ctx.Err() != nil {
		return nil, errors.Join(ErrNotAcquired, err)
	}
	return nil, err
}

func (l *RedisLocker) keepAlive(h *redisHandle) {
	defer close(h.done)
	tick := time.NewTicker(l.ttl / 2)
	defer tick.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			err := h.l.Refresh(ctx, l.ttl, nil)
			cancel()
			if err != nil {
				close(h.lost)
				return
			}
		}
	}
}

type redisHandle struct {
	l    *redislock.Lock
	stop chan struct{}
	done chan struct{}
	lost chan struct{}
}

func (h *redisHandle) Lost() <-chan struct{} { return h.lost }

func (h *redisHandle) Unlock(ctx context.Context) error {
	close(h.stop)
	<-h.done
	err := h.l.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		select {
		case <-h.lost:
			return nil
		default:
		}
	}
	return err
}
