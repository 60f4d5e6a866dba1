// Package inventory keeps per-(train, station pair, seat class) remaining
// seat counters in Redis. Counters are loaded lazily from the seat ledger
// and only decremented inside the purchase critical section.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

// ErrNotLoaded is returned when counters are still missing after a reload.
var ErrNotLoaded = errors.New("inventory: counters not loaded")

// Ledger is the authoritative source counters are loaded from.
type Ledger interface {
	ListPrices(ctx context.Context, trainID uint64, from, to string) ([]model.Price, error)
	CountAvailableByClass(ctx context.Context, trainID uint64, legs []route.Segment) (map[model.SeatClass]int, error)
}

// StopSource returns a train's stations in stop order.
type StopSource interface {
	Stops(ctx context.Context, trainID uint64) ([]string, error)
}

// Cache is the inventory cache.
type Cache struct {
	rdb     *redis.Client
	locker  *redislock.Client
	loads   singleflight.Group
	ledger  Ledger
	stops   StopSource
	prefix  string
	ttl     time.Duration
	lockTTL time.Duration
	log     logrus.FieldLogger
}

// Options configures a Cache.
type Options struct {
	Prefix  string
	TTL     time.Duration // lifetime of loaded counters
	LockTTL time.Duration // bound on a warm-up holding the train lock
}

func New(rdb *redis.Client, ledger Ledger, stops StopSource, opt Options, log logrus.FieldLogger) *Cache {
	if opt.LockTTL <= 0 {
		opt.LockTTL = 10 * time.Second
	}
	return &Cache{
		rdb:     rdb,
		locker:  redislock.New(rdb),
		ledger:  ledger,
		stops:   stops,
		prefix:  opt.Prefix,
		ttl:     opt.TTL,
		lockTTL: opt.LockTTL,
		log:     log,
	}
}

// Key returns the hash holding the class counters of one station pair.
// The braces keep all keys of a train in one cluster slot so the
// multi-key decrement script can run.
func (c *Cache) Key(trainID uint64, seg route.Segment) string {
	return fmt.Sprintf("%s:remaining:{%d}:%s:%s", c.prefix, trainID, seg.From, seg.To)
}

func (c *Cache) markerKey(trainID uint64) string {
	return fmt.Sprintf("%s:remaining:{%d}:loaded", c.prefix, trainID)
}

func (c *Cache) lockKey(trainID uint64) string {
	return fmt.Sprintf("%s:remaining-load:{%d}", c.prefix, trainID)
}

func field(class model.SeatClass) string { return strconv.Itoa(int(class)) }

// GetRemaining returns the remaining seats of class between seg's stations.
func (c *Cache) GetRemaining(ctx context.Context, trainID uint64, seg route.Segment, class model.SeatClass) (int, error) {
	n, err := c.rdb.HGet(ctx, c.Key(trainID, seg), field(class)).Int()
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if err := c.BulkLoad(ctx, trainID); err != nil {
		return 0, err
	}
	n, err = c.rdb.HGet(ctx, c.Key(trainID, seg), field(class)).Int()
	if errors.Is(err, redis.Nil) {
		// class not sold on this pair
		return 0, nil
	}
	return n, err
}

// Remaining returns all class counters of a station pair.
func (c *Cache) Remaining(ctx context.Context, trainID uint64, seg route.Segment) (map[model.SeatClass]int, error) {
	if err := c.BulkLoad(ctx, trainID); err != nil {
		return nil, err
	}
	raw, err := c.rdb.HGetAll(ctx, c.Key(trainID, seg)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[model.SeatClass]int, len(raw))
	for f, v := range raw {
		class, err1 := strconv.Atoi(f)
		n, err2 := strconv.Atoi(v)
		if err1 != nil || err2 != nil {
			continue
		}
		out[model.SeatClass(class)] = n
	}
	return out, nil
}

// BulkLoad writes every class counter of every station pair of a train in
// one transaction. It is a no-op once the train is loaded; concurrent
// callers in the process share one load and instances serialize on a
// cluster lock.
func (c *Cache) BulkLoad(ctx context.Context, trainID uint64) error {
	if n, err := c.rdb.Exists(ctx, c.markerKey(trainID)).Result(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	// the shared load outlives a cancelled caller; waiters keep their own ctx
	ch := c.loads.DoChan(strconv.FormatUint(trainID, 10), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.lockTTL)
		defer cancel()
		return nil, c.load(ctx, trainID)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

func (c *Cache) load(ctx context.Context, trainID uint64) error {
	lock, err := c.locker.Obtain(ctx, c.lockKey(trainID), c.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if err != nil {
		return fmt.Errorf("inventory: lock train %d: %w", trainID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			c.log.WithError(err).WithField("train_id", trainID).Warn("inventory: release load lock")
		}
	}()

	// another instance may have loaded while we waited
	if n, err := c.rdb.Exists(ctx, c.markerKey(trainID)).Result(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	stops, err := c.stops.Stops(ctx, trainID)
	if err != nil {
		return err
	}
	snap, err := Snapshot(ctx, c.ledger, trainID, stops)
	if err != nil {
		return err
	}
	counters := make(map[string]map[string]any, len(snap))
	for pair, classes := range snap {
		fields := make(map[string]any, len(classes))
		for class, n := range classes {
			fields[field(class)] = n
		}
		counters[c.Key(trainID, pair)] = fields
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, fields := range counters {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, c.ttl)
		}
		pipe.Set(ctx, c.markerKey(trainID), time.Now().Unix(), c.markerTTL())
		return nil
	})
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"train_id": trainID, "pairs": len(counters)}).Info("inventory: loaded counters")
	return nil
}

// Snapshot reads from the ledger the free seat count of every priced class
// for every station pair of a route. Pairs without fares are left out.
func Snapshot(ctx context.Context, ledger Ledger, trainID uint64, stops []string) (map[route.Segment]map[model.SeatClass]int, error) {
	out := make(map[route.Segment]map[model.SeatClass]int)
	for _, pair := range route.All(stops) {
		prices, err := ledger.ListPrices(ctx, trainID, pair.From, pair.To)
		if err != nil {
			return nil, err
		}
		if len(prices) == 0 {
			continue
		}
		plan, err := route.Calculate(stops, pair.From, pair.To)
		if err != nil {
			return nil, err
		}
		free, err := ledger.CountAvailableByClass(ctx, trainID, plan.Legs)
		if err != nil {
			return nil, err
		}
		classes := make(map[model.SeatClass]int, len(prices))
		for _, p := range prices {
			classes[p.Class] = free[p.Class]
		}
		out[pair] = classes
	}
	return out, nil
}

// markerTTL keeps the loaded marker from outliving the counters it vouches for.
func (c *Cache) markerTTL() time.Duration {
	if c.ttl > 2*time.Minute {
		return c.ttl - time.Minute
	}
	return c.ttl
}

// decrementScript checks capacity on the ride pair, KEYS[1], then takes
// demand from every key, clamping at zero. Longer pairs that run past the
// ride may already be sold out while the ride itself still has seats.
// Returns -1 if the ride pair is missing, 0 if it is short and 1 after
// decrementing.
var decrementScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	for j = 1, #ARGV, 2 do
		local have = tonumber(redis.call('HGET', KEYS[1], ARGV[j]) or '0')
		if have < tonumber(ARGV[j + 1]) then
			return 0
		end
	end
	for i = 1, #KEYS do
		for j = 1, #ARGV, 2 do
			local have = tonumber(redis.call('HGET', KEYS[i], ARGV[j]) or '0')
			local n = math.min(have, tonumber(ARGV[j + 1]))
			if n > 0 then
				redis.call('HINCRBY', KEYS[i], ARGV[j], -n)
			end
		end
	end
	return 1
`)

// incrementScript gives seats back to the class counters that still exist.
// Missing keys are reloaded from the ledger on next use.
var incrementScript = redis.NewScript(`
	for i = 1, #KEYS do
		for j = 1, #ARGV, 2 do
			if redis.call('HEXISTS', KEYS[i], ARGV[j]) == 1 then
				redis.call('HINCRBY', KEYS[i], ARGV[j], tonumber(ARGV[j + 1]))
			end
		end
	end
	return 1
`)

// Decrement removes demand from ride and every overlapping segment as one
// atomic update. It reports false, without changing any counter, if the
// ride pair lacks capacity for any class.
func (c *Cache) Decrement(ctx context.Context, trainID uint64, ride route.Segment, segs []route.Segment, demand map[model.SeatClass]int) (bool, error) {
	keys, args := c.scriptInput(trainID, append([]route.Segment{ride}, without(segs, ride)...), demand)
	for attempt := 0; attempt < 2; attempt++ {
		res, err := decrementScript.Run(ctx, c.rdb, keys, args...).Int()
		if err != nil {
			return false, err
		}
		switch res {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
		if err := c.BulkLoad(ctx, trainID); err != nil {
			return false, err
		}
	}
	return false, ErrNotLoaded
}

// Increment returns demand to every segment.
func (c *Cache) Increment(ctx context.Context, trainID uint64, segs []route.Segment, demand map[model.SeatClass]int) error {
	keys, args := c.scriptInput(trainID, segs, demand)
	return incrementScript.Run(ctx, c.rdb, keys, args...).Err()
}

// Invalidate drops every counter of a train so the next read reloads them
// from the ledger.
func (c *Cache) Invalidate(ctx context.Context, trainID uint64) error {
	stops, err := c.stops.Stops(ctx, trainID)
	if err != nil {
		return err
	}
	keys := []string{c.markerKey(trainID)}
	for _, pair := range route.All(stops) {
		keys = append(keys, c.Key(trainID, pair))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return err
	}
	c.log.WithField("train_id", trainID).Info("inventory: counters invalidated")
	return nil
}

func without(segs []route.Segment, drop route.Segment) []route.Segment {
	out := make([]route.Segment, 0, len(segs))
	for _, s := range segs {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func (c *Cache) scriptInput(trainID uint64, segs []route.Segment, demand map[model.SeatClass]int) ([]string, []any) {
	keys := make([]string, len(segs))
	for i, s := range segs {
		keys[i] = c.Key(trainID, s)
	}
	classes := make([]model.SeatClass, 0, len(demand))
	for class := range demand {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	args := make([]any, 0, 2*len(classes))
	for _, class := range classes {
		args = append(args, field(class), demand[class])
	}
	return keys, args
}
