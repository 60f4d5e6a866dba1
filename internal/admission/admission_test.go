package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/train-seat-inventory/internal/clock"
	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

const train = uint64(3)

var stops = []string{"A", "B", "C"}

type fakeLedger struct {
	mu   sync.Mutex
	free map[model.SeatClass]int
}

func (f *fakeLedger) ListPrices(context.Context, uint64, string, string) ([]model.Price, error) {
	return []model.Price{{Class: model.ClassFirst}, {Class: model.ClassSecond}}, nil
}

func (f *fakeLedger) CountAvailableByClass(context.Context, uint64, []route.Segment) (map[model.SeatClass]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[model.SeatClass]int)
	for k, v := range f.free {
		out[k] = v
	}
	return out, nil
}

type fixedStops []string

func (s fixedStops) Stops(context.Context, uint64) ([]string, error) { return s, nil }

type fakeCounters struct {
	mu          sync.Mutex
	invalidated []uint64
}

func (f *fakeCounters) Invalidate(_ context.Context, trainID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, trainID)
	return nil
}

type fixture struct {
	bucket   *Bucket
	clock    *clock.Fake
	mr       *miniredis.Miniredis
	ledger   *fakeLedger
	counters *fakeCounters
}

func newFixture(t *testing.T, free map[model.SeatClass]int) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log, _ := test.NewNullLogger()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	led := &fakeLedger{free: free}
	counters := &fakeCounters{}
	b := NewBucket(rdb, led, fixedStops(stops), counters, clk, Options{
		Prefix:            "ticket",
		TTL:               time.Hour,
		ReconcileDelay:    10 * time.Second,
		ReconcileCooldown: 10 * time.Minute,
	}, log)
	return fixture{bucket: b, clock: clk, mr: mr, ledger: led, counters: counters}
}

func plan(t *testing.T, from, to string) route.Plan {
	t.Helper()
	p, err := route.Calculate(stops, from, to)
	require.NoError(t, err)
	return p
}

func TestTryAdmitTakesTokensFromEveryOverlappingPair(t *testing.T) {
	f := newFixture(t, map[model.SeatClass]int{model.ClassSecond: 2, model.ClassFirst: 1})
	ctx := context.Background()
	key := "ticket:bucket:{3}"

	d, err := f.bucket.TryAdmit(ctx, train, plan(t, "B", "C"), map[model.SeatClass]int{model.ClassSecond: 2})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, "0", f.mr.HGet(key, "B_C_2"))
	assert.Equal(t, "0", f.mr.HGet(key, "A_C_2"))
	assert.Equal(t, "2", f.mr.HGet(key, "A_B_2"), "A-B does not overlap B-C")

	// A-C is empty but runs past the ride, so A-B is still sold
	d, err = f.bucket.TryAdmit(ctx, train, plan(t, "A", "B"), map[model.SeatClass]int{model.ClassSecond: 1})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, "1", f.mr.HGet(key, "A_B_2"))
	assert.Equal(t, "0", f.mr.HGet(key, "A_C_2"), "clamped at zero")

	d, err = f.bucket.TryAdmit(ctx, train, plan(t, "A", "C"), map[model.SeatClass]int{model.ClassSecond: 1})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, map[model.SeatClass]int{model.ClassSecond: 0}, d.Estimated)

	// a rollback never creates tokens for a class the pair does not sell
	require.NoError(t, f.bucket.Rollback(ctx, train, plan(t, "A", "B"), map[model.SeatClass]int{model.ClassBusiness: 1}))
	assert.Empty(t, f.mr.HGet(key, "A_B_0"))
}

func TestTryAdmitRejectsWithoutPartialTake(t *testing.T) {
	f := newFixture(t, map[model.SeatClass]int{model.ClassSecond: 3, model.ClassFirst: 0})
	ctx := context.Background()

	d, err := f.bucket.TryAdmit(ctx, train, plan(t, "A", "C"),
		map[model.SeatClass]int{model.ClassSecond: 2, model.ClassFirst: 1})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, map[model.SeatClass]int{model.ClassFirst: 0}, d.Estimated)
	assert.Equal(t, "3", f.mr.HGet("ticket:bucket:{3}", "A_B_2"))
}

func TestRollbackReturnsTokens(t *testing.T) {
	f := newFixture(t, map[model.SeatClass]int{model.ClassSecond: 2})
	ctx := context.Background()
	p := plan(t, "A", "C")
	demand := map[model.SeatClass]int{model.ClassSecond: 2}

	d, err := f.bucket.TryAdmit(ctx, train, p, demand)
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.NoError(t, f.bucket.Rollback(ctx, train, p, demand))

	d, err = f.bucket.TryAdmit(ctx, train, p, demand)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestAdmissionSelfHeals(t *testing.T) {
	f := newFixture(t, map[model.SeatClass]int{model.ClassSecond: 5})
	ctx := context.Background()
	p := plan(t, "A", "B")
	demand := map[model.SeatClass]int{model.ClassSecond: 1}

	d, err := f.bucket.TryAdmit(ctx, train, p, demand)
	require.NoError(t, err)
	require.True(t, d.Admitted)

	// empty the bucket behind the ledger's back
	for _, s := range route.All(stops) {
		f.mr.HSet("ticket:bucket:{3}", tokenField(s, model.ClassSecond), "0")
	}

	d, err = f.bucket.TryAdmit(ctx, train, p, demand)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, 1, f.clock.Pending())

	// further rejections inside the cooldown do not schedule again
	_, err = f.bucket.TryAdmit(ctx, train, p, demand)
	require.NoError(t, err)
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(10 * time.Second)
	assert.False(t, f.mr.Exists("ticket:bucket:{3}"))
	assert.Equal(t, []uint64{train}, f.counters.invalidated)

	d, err = f.bucket.TryAdmit(ctx, train, p, demand)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestScheduleIsClusterWideOnce(t *testing.T) {
	f := newFixture(t, map[model.SeatClass]int{model.ClassSecond: 5})
	log, _ := test.NewNullLogger()
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	// a second instance sharing the same redis
	other := NewBucket(rdb, f.ledger, fixedStops(stops), nil, f.clock, f.bucket.opt, log)

	legs := plan(t, "A", "B").Legs
	rejected := map[model.SeatClass]int{model.ClassSecond: 0}
	assert.True(t, f.bucket.reconciler.Schedule(train, legs, rejected))
	assert.False(t, other.reconciler.Schedule(train, legs, rejected))
	assert.Equal(t, 1, f.clock.Pending())
}

func TestReconcileKeepsBucketMatchingLedger(t *testing.T) {
	f := newFixture(t, map[model.SeatClass]int{model.ClassSecond: 1})
	ctx := context.Background()
	p := plan(t, "A", "B")

	d, err := f.bucket.TryAdmit(ctx, train, p, map[model.SeatClass]int{model.ClassSecond: 2})
	require.NoError(t, err)
	require.False(t, d.Admitted)
	assert.Equal(t, map[model.SeatClass]int{model.ClassSecond: 1}, d.Estimated)

	// the ledger sold the last seat meanwhile
	f.ledger.mu.Lock()
	f.ledger.free[model.ClassSecond] = 0
	f.ledger.mu.Unlock()

	f.clock.Advance(10 * time.Second)
	assert.True(t, f.mr.Exists("ticket:bucket:{3}"))
	assert.Empty(t, f.counters.invalidated)
}
