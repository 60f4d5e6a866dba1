// Package admission implements the token bucket that rejects hopeless
// purchase attempts before they reach the lock coordinator. Tokens
// approximate the inventory counters; buckets that turn out to be too low
// are cleared by a delayed reconciliation so they reload from the ledger.
package admission

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

	"github.com/iliyamo/train-seat-inventory/internal/clock"
	"github.com/iliyamo/train-seat-inventory/internal/inventory"
	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

// StopSource returns a train's stations in stop order.
type StopSource interface {
	Stops(ctx context.Context, trainID uint64) ([]string, error)
}

// Decision is the outcome of TryAdmit.
type Decision struct {
	Admitted bool
	// Estimated holds, for each class that was short, the token count of
	// the ride's station pair.
	Estimated map[model.SeatClass]int
}

// Counters is the inventory cache layer reloaded together with a bucket
// found behind the ledger.
type Counters interface {
	Invalidate(ctx context.Context, trainID uint64) error
}

// Options configures a Bucket.
type Options struct {
	Prefix            string
	TTL               time.Duration
	LockTTL           time.Duration
	ReconcileDelay    time.Duration
	ReconcileCooldown time.Duration
}

// Bucket holds one Redis hash per train with a token field per
// (station pair, seat class).
type Bucket struct {
	rdb        *redis.Client
	locker     *redislock.Client
	ledger     inventory.Ledger
	stops      StopSource
	counters   Counters
	opt        Options
	log        logrus.FieldLogger
	reconciler *Reconciler
}

// NewBucket builds a Bucket. counters may be nil.
func NewBucket(rdb *redis.Client, ledger inventory.Ledger, stops StopSource, counters Counters, clk clock.Clock, opt Options, log logrus.FieldLogger) *Bucket {
	if opt.LockTTL <= 0 {
		opt.LockTTL = 10 * time.Second
	}
	b := &Bucket{
		rdb:      rdb,
		locker:   redislock.New(rdb),
		ledger:   ledger,
		stops:    stops,
		counters: counters,
		opt:      opt,
		log:      log,
	}
	b.reconciler = newReconciler(b, clk, opt.ReconcileDelay, opt.ReconcileCooldown)
	return b
}

func (b *Bucket) key(trainID uint64) string {
	return fmt.Sprintf("%s:bucket:{%d}", b.opt.Prefix, trainID)
}

func tokenField(seg route.Segment, class model.SeatClass) string {
	return seg.From + "_" + seg.To + "_" + strconv.Itoa(int(class))
}

// takeScript: KEYS[1] bucket, ARGV[1] = m segment prefixes that follow,
// the ride pair first, then (class, need) pairs. Only the ride pair is
// checked; every segment gives up tokens, clamped at zero. Returns {-1}
// when the bucket is missing, {0, class, have, ...} when short, {1} after
// taking the tokens.
var takeScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return {-1}
	end
	local m = tonumber(ARGV[1])
	local out = {0}
	for j = m + 2, #ARGV, 2 do
		local have = tonumber(redis.call('HGET', KEYS[1], ARGV[2] .. '_' .. ARGV[j]) or '0')
		if have < tonumber(ARGV[j + 1]) then
			table.insert(out, tonumber(ARGV[j]))
			table.insert(out, have)
		end
	end
	if #out > 1 then
		return out
	end
	for j = m + 2, #ARGV, 2 do
		for i = 2, m + 1 do
			local field = ARGV[i] .. '_' .. ARGV[j]
			local have = tonumber(redis.call('HGET', KEYS[1], field) or '0')
			local n = math.min(have, tonumber(ARGV[j + 1]))
			if n > 0 then
				redis.call('HINCRBY', KEYS[1], field, -n)
			end
		end
	end
	return {1}
`)

var returnScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	local m = tonumber(ARGV[1])
	for j = m + 2, #ARGV, 2 do
		for i = 2, m + 1 do
			local field = ARGV[i] .. '_' .. ARGV[j]
			if redis.call('HEXISTS', KEYS[1], field) == 1 then
				redis.call('HINCRBY', KEYS[1], field, tonumber(ARGV[j + 1]))
			end
		end
	end
	return 1
`)

func scriptArgs(plan route.Plan, demand map[model.SeatClass]int) []any {
	classes := make([]model.SeatClass, 0, len(demand))
	for c := range demand {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	ride := plan.Ride()
	segs := []route.Segment{ride}
	for _, s := range plan.Takeout {
		if s != ride {
			segs = append(segs, s)
		}
	}
	args := make([]any, 0, 1+len(segs)+2*len(classes))
	args = append(args, len(segs))
	for _, s := range segs {
		args = append(args, s.From+"_"+s.To)
	}
	for _, c := range classes {
		args = append(args, strconv.Itoa(int(c)), demand[c])
	}
	return args
}

// TryAdmit admits a ride when its own station pair holds enough tokens,
// then takes demand from every pair overlapping the ride. It never consults the inventory cache or the ledger, except to fill a
// bucket that does not exist yet. On rejection a reconciliation is
// scheduled for the train.
func (b *Bucket) TryAdmit(ctx context.Context, trainID uint64, plan route.Plan, demand map[model.SeatClass]int) (Decision, error) {
	args := scriptArgs(plan, demand)
	for attempt := 0; attempt < 2; attempt++ {
		res, err := takeScript.Run(ctx, b.rdb, []string{b.key(trainID)}, args...).Int64Slice()
		if err != nil {
			return Decision{}, err
		}
		switch res[0] {
		case 1:
			return Decision{Admitted: true}, nil
		case 0:
			d := Decision{Estimated: make(map[model.SeatClass]int)}
			for i := 1; i+1 < len(res); i += 2 {
				d.Estimated[model.SeatClass(res[i])] = int(res[i+1])
			}
			b.log.WithFields(logrus.Fields{"train_id": trainID, "estimated": d.Estimated}).Info("admission: rejected")
			b.reconciler.Schedule(trainID, plan.Legs, d.Estimated)
			return d, nil
		}
		if err := b.load(ctx, trainID); err != nil {
			return Decision{}, err
		}
	}
	return Decision{}, errors.New("admission: bucket not loaded")
}

// Rollback returns tokens taken by an admitted attempt that failed later.
func (b *Bucket) Rollback(ctx context.Context, trainID uint64, plan route.Plan, demand map[model.SeatClass]int) error {
	return returnScript.Run(ctx, b.rdb, []string{b.key(trainID)}, scriptArgs(plan, demand)...).Err()
}

// Clear drops a train's bucket so the next TryAdmit reloads it.
func (b *Bucket) Clear(ctx context.Context, trainID uint64) error {
	return b.rdb.Del(ctx, b.key(trainID)).Err()
}

func (b *Bucket) load(ctx context.Context, trainID uint64) error {
	lock, err := b.locker.Obtain(ctx, b.key(trainID)+":load", b.opt.LockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if err != nil {
		return fmt.Errorf("admission: lock train %d: %w", trainID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			b.log.WithError(err).WithField("train_id", trainID).Warn("admission: release load lock")
		}
	}()

	if n, err := b.rdb.Exists(ctx, b.key(trainID)).Result(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	stops, err := b.stops.Stops(ctx, trainID)
	if err != nil {
		return err
	}
	snap, err := inventory.Snapshot(ctx, b.ledger, trainID, stops)
	if err != nil {
		return err
	}
	fields := make(map[string]any)
	for pair, classes := range snap {
		for class, n := range classes {
			fields[tokenField(pair, class)] = n
		}
	}
	if len(fields) == 0 {
		return fmt.Errorf("admission: train %d has no fares", trainID)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.key(trainID), fields)
		pipe.Expire(ctx, b.key(trainID), b.opt.TTL)
		return nil
	})
	if err != nil {
		return err
	}
	b.log.WithField("train_id", trainID).Info("admission: bucket loaded")
	return nil
}
