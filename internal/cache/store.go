// Package cache keeps read-mostly ledger data (trains and their stop
// sequences) in Redis for the advance-sale window.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store is a JSON value cache with stampede protection on misses.
type Store struct {
	rdb     *redis.Client
	locker  *redislock.Client
	ttl     time.Duration
	lockTTL time.Duration
	log     logrus.FieldLogger
}

func NewStore(rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Store {
	return &Store{
		rdb:     rdb,
		locker:  redislock.New(rdb),
		ttl:     ttl,
		lockTTL: 5 * time.Second,
		log:     log,
	}
}

// SafeGet returns the cached value under key. On a miss it takes a cluster
// lock on the key, checks again, and only then calls load and stores the
// result, so concurrent misses trigger a single load.
func SafeGet[T any](ctx context.Context, s *Store, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok, err := get[T](ctx, s, key); err != nil || ok {
		return v, err
	}

	lock, err := s.locker.Obtain(ctx, key+":lock", s.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if err != nil {
		return zero, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			s.log.WithError(err).WithField("key", key).Warn("cache: release warm-up lock")
		}
	}()

	if v, ok, err := get[T](ctx, s, key); err != nil || ok {
		return v, err
	}
	v, err := load(ctx)
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		// the value is still good; the next miss reloads it
		s.log.WithError(err).WithField("key", key).Warn("cache: set")
	}
	return v, nil
}

func get[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var v T
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache: dropping undecodable entry")
		return v, false, nil
	}
	return v, true, nil
}
