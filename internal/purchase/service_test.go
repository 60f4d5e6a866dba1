package purchase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/train-seat-inventory/internal/admission"
	"github.com/iliyamo/train-seat-inventory/internal/allocation"
	"github.com/iliyamo/train-seat-inventory/internal/clock"
	"github.com/iliyamo/train-seat-inventory/internal/idempotency"
	"github.com/iliyamo/train-seat-inventory/internal/inventory"
	"github.com/iliyamo/train-seat-inventory/internal/lock"
	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/orderclient"
	"github.com/iliyamo/train-seat-inventory/internal/pipeline"
	"github.com/iliyamo/train-seat-inventory/internal/queue"
	"github.com/iliyamo/train-seat-inventory/internal/repository"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

const trainID = uint64(1)

var stops = []string{"A", "B", "C"}

// memLedger keeps seat holds per leg in memory.
type memLedger struct {
	mu       sync.Mutex
	seats    []model.Seat
	held     map[model.Seat]map[route.Segment]bool
	orders   map[string]repository.Persist
	hidden   map[model.SeatClass]bool // listed as free but never handed out
	persists int
}

func newMemLedger(seats ...model.Seat) *memLedger {
	return &memLedger{
		seats:  seats,
		held:   make(map[model.Seat]map[route.Segment]bool),
		orders: make(map[string]repository.Persist),
		hidden: make(map[model.SeatClass]bool),
	}
}

func (l *memLedger) free(s model.Seat, legs []route.Segment) bool {
	for _, leg := range legs {
		if l.held[s][leg] {
			return false
		}
	}
	return true
}

func (l *memLedger) ListAvailable(_ context.Context, _ uint64, class model.SeatClass, legs []route.Segment) ([]model.Seat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hidden[class] {
		return nil, nil
	}
	var out []model.Seat
	for _, s := range l.seats {
		if s.Class == class && l.free(s, legs) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (l *memLedger) CountAvailableByClass(_ context.Context, _ uint64, legs []route.Segment) (map[model.SeatClass]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[model.SeatClass]int)
	for _, s := range l.seats {
		if l.free(s, legs) {
			out[s.Class]++
		}
	}
	return out, nil
}

func (l *memLedger) ListPrices(context.Context, uint64, string, string) ([]model.Price, error) {
	return []model.Price{{Class: model.ClassFirst, Cents: 9000}, {Class: model.ClassSecond, Cents: 5000}}, nil
}

func (l *memLedger) setHeld(p repository.Persist, held bool) {
	for _, s := range p.Result.Seats() {
		if l.held[s] == nil {
			l.held[s] = make(map[route.Segment]bool)
		}
		for _, leg := range p.Legs {
			l.held[s][leg] = held
		}
	}
}

func (l *memLedger) PersistSeatAssignments(_ context.Context, p repository.Persist) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persists++
	for _, s := range p.Result.Seats() {
		if !l.free(s, p.Legs) {
			return repository.ErrSeatUnavailable
		}
	}
	l.setHeld(p, true)
	l.orders[p.OrderSN] = p
	return nil
}

func (l *memLedger) RevertSeatAssignments(_ context.Context, p repository.Persist) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setHeld(p, false)
	delete(l.orders, p.OrderSN)
	return nil
}

func (l *memLedger) CloseOrder(_ context.Context, orderSN string) (*repository.ClosedOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.orders[orderSN]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	l.setHeld(p, false)
	delete(l.orders, orderSN)
	return &repository.ClosedOrder{Result: p.Result, Stops: stops}, nil
}

func (l *memLedger) heldSeats() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, legs := range l.held {
		for _, h := range legs {
			if h {
				n++
				break
			}
		}
	}
	return n
}

type fakeCatalog struct{}

func (fakeCatalog) Train(_ context.Context, id uint64) (*model.Train, error) {
	if id != trainID {
		return nil, repository.ErrTrainNotFound
	}
	now := time.Now()
	return &model.Train{ID: id, Number: "G1", Type: model.TrainHighSpeed, SaleTime: now.Add(-time.Hour), DepartureTime: now.Add(24 * time.Hour)}, nil
}

func (fakeCatalog) Stops(context.Context, uint64) ([]string, error) { return stops, nil }

type noTickets struct{}

func (noTickets) CountActive(context.Context, uint64, []string) (int, error) { return 0, nil }

type fakeOrders struct {
	err   error
	calls atomic.Int32
}

func (o *fakeOrders) CreateOrder(_ context.Context, req orderclient.OrderRequest) (string, error) {
	o.calls.Add(1)
	if o.err != nil {
		return "", o.err
	}
	return req.OrderSN, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	err    error
	events []queue.TicketPurchasedEvent
}

func (e *fakeEvents) PublishTicketPurchased(_ context.Context, ev queue.TicketPurchasedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

type countingLocks struct {
	Locks
	calls atomic.Int32
}

func (c *countingLocks) WithLocks(ctx context.Context, trainID uint64, classes []model.SeatClass, fn func(ctx context.Context) error) error {
	c.calls.Add(1)
	return c.Locks.WithLocks(ctx, trainID, classes, fn)
}

type fixture struct {
	svc    *Service
	mr     *miniredis.Miniredis
	ledger *memLedger
	inv    *inventory.Cache
	orders *fakeOrders
	events *fakeEvents
	locks  *countingLocks
}

func newFixture(t *testing.T, ledger *memLedger) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log, _ := test.NewNullLogger()

	catalog := fakeCatalog{}
	inv := inventory.New(rdb, ledger, catalog, inventory.Options{Prefix: "ticket", TTL: time.Hour}, log)
	bucket := admission.NewBucket(rdb, ledger, catalog, inv, clock.NewFake(time.Now()), admission.Options{
		Prefix:            "ticket",
		TTL:               time.Hour,
		ReconcileDelay:    10 * time.Second,
		ReconcileCooldown: 10 * time.Minute,
	}, log)
	locks := &countingLocks{Locks: lock.NewCoordinator(lock.NewLocalLocker(), lock.NewRedisLocker(rdb, "ticket", 10*time.Second), 3*time.Second, log)}
	engine := allocation.NewEngine(allocation.DefaultRegistry(), ledger, ledger, inv, 4, log)
	orders := &fakeOrders{}
	events := &fakeEvents{}

	svc := NewService(Deps{
		Validator: pipeline.Purchase(catalog, noTickets{}, clock.Real()),
		Catalog:   catalog,
		Admission: bucket,
		Inventory: inv,
		Locks:     locks,
		Allocator: engine,
		Ledger:    ledger,
		Orders:    orders,
		Guard:     idempotency.NewGuard(rdb, "ticket", time.Minute),
		Events:    events,
		Log:       log,
	})
	return fixture{svc: svc, mr: mr, ledger: ledger, inv: inv, orders: orders, events: events, locks: locks}
}

func twoSecondClassSeats() *memLedger {
	return newMemLedger(
		model.Seat{Carriage: "01", Number: "01A", Class: model.ClassSecond},
		model.Seat{Carriage: "01", Number: "01B", Class: model.ClassSecond},
		model.Seat{Carriage: "02", Number: "01A", Class: model.ClassFirst},
	)
}

func request(from, to string, passengers ...model.Passenger) model.PurchaseRequest {
	return model.PurchaseRequest{TrainID: trainID, Departure: from, Arrival: to, Passengers: passengers}
}

func second(id string) model.Passenger { return model.Passenger{ID: id, Class: model.ClassSecond} }
func first(id string) model.Passenger  { return model.Passenger{ID: id, Class: model.ClassFirst} }

func remaining(t *testing.T, f fixture, from, to string, class model.SeatClass) int {
	t.Helper()
	n, err := f.inv.GetRemaining(context.Background(), trainID, route.Segment{From: from, To: to}, class)
	require.NoError(t, err)
	return n
}

func race(f fixture, reqs ...model.PurchaseRequest) []error {
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Purchase(context.Background(), "user", "", req)
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

func outcome(t *testing.T, errs []error) {
	t.Helper()
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, model.ErrInsufficientInventory)
	}
	assert.Equal(t, 1, succeeded)
}

func TestConcurrentPurchasesNeverOversell(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())

	errs := race(f,
		request("A", "B", second("p1"), second("p2")),
		request("A", "B", second("p3"), second("p4")),
	)
	outcome(t, errs)
	assert.Equal(t, 2, f.ledger.heldSeats())
	assert.Equal(t, 0, remaining(t, f, "A", "B", model.ClassSecond))
	assert.Equal(t, int32(1), f.orders.calls.Load())
}

func TestStaleAdmissionStillCannotOversell(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())
	// tokens far above real capacity
	f.mr.HSet("ticket:bucket:{1}", "A_B_2", "10", "A_C_2", "10")

	errs := race(f,
		request("A", "B", second("p1"), second("p2")),
		request("A", "B", second("p3"), second("p4")),
	)
	outcome(t, errs)
	assert.Equal(t, 2, f.ledger.heldSeats())
	assert.Equal(t, int32(2), f.locks.calls.Load())
}

func TestPurchaseDecrementsEveryOverlappingPair(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())

	res, err := f.svc.Purchase(context.Background(), "user", "", request("A", "B", second("p1")))
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	assert.NotEmpty(t, res.OrderSN)
	assert.Equal(t, int64(5000), res.Assignments[0].PriceCents)

	assert.Equal(t, 1, remaining(t, f, "A", "B", model.ClassSecond))
	assert.Equal(t, 1, remaining(t, f, "A", "C", model.ClassSecond))
	assert.Equal(t, 2, remaining(t, f, "B", "C", model.ClassSecond))

	require.Len(t, f.events.events, 1)
	assert.Equal(t, res.OrderSN, f.events.events[0].OrderSN)
	assert.Equal(t, int64(5000), f.events.events[0].AmountCents)
}

func TestShortRideSellsAfterLaterLegSellsOut(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())
	ctx := context.Background()

	_, err := f.svc.Purchase(ctx, "user", "", request("B", "C", second("p1"), second("p2")))
	require.NoError(t, err)
	require.Equal(t, 0, remaining(t, f, "B", "C", model.ClassSecond))
	require.Equal(t, 0, remaining(t, f, "A", "C", model.ClassSecond))

	res, err := f.svc.Purchase(ctx, "user", "", request("A", "B", second("p3")))
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, 1, remaining(t, f, "A", "B", model.ClassSecond))
	assert.Equal(t, 0, remaining(t, f, "A", "C", model.ClassSecond))

	free, err := f.ledger.CountAvailableByClass(ctx, trainID, []route.Segment{{From: "A", To: "B"}})
	require.NoError(t, err)
	assert.Equal(t, 1, free[model.ClassSecond])
	assert.Equal(t, int32(2), f.orders.calls.Load())
}

func TestPublishFailureKeepsPurchase(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())
	f.events.err = errors.New("broker unreachable")

	res, err := f.svc.Purchase(context.Background(), "user", "", request("A", "B", second("p1")))
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderSN)
	assert.Equal(t, 1, f.ledger.heldSeats())
	assert.Equal(t, 1, remaining(t, f, "A", "B", model.ClassSecond))
}

func TestReversedStationsRejectedBeforeLocking(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())

	_, err := f.svc.Purchase(context.Background(), "user", "", request("C", "A", second("p1")))
	require.Error(t, err)
	assert.ErrorIs(t, err, route.ErrInvalidOrder)
	assert.ErrorIs(t, err, model.ErrClientRejection)
	assert.Zero(t, f.locks.calls.Load())
	assert.Zero(t, f.ledger.persists)
}

func TestMultiClassFailureCommitsNothing(t *testing.T) {
	ledger := twoSecondClassSeats()
	ledger.hidden[model.ClassFirst] = true
	f := newFixture(t, ledger)

	_, err := f.svc.Purchase(context.Background(), "user", "",
		request("A", "C", second("p1"), second("p2"), first("p3")))
	require.ErrorIs(t, err, model.ErrInsufficientInventory)

	assert.Zero(t, f.ledger.persists)
	assert.Zero(t, f.orders.calls.Load())
	assert.Equal(t, 2, remaining(t, f, "A", "C", model.ClassSecond))
	assert.Equal(t, 1, remaining(t, f, "A", "C", model.ClassFirst))
	assert.Equal(t, "2", f.mr.HGet("ticket:bucket:{1}", "A_C_2"))
	assert.Equal(t, "1", f.mr.HGet("ticket:bucket:{1}", "A_C_1"))
}

func TestOrderFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())
	f.orders.err = errors.New("order service down")
	req := request("A", "C", second("p1"), second("p2"))

	_, err := f.svc.Purchase(context.Background(), "user", "", req)
	require.ErrorIs(t, err, model.ErrDependencyFailure)
	assert.Zero(t, f.ledger.heldSeats())
	assert.Equal(t, 2, remaining(t, f, "A", "C", model.ClassSecond))
	assert.Equal(t, "2", f.mr.HGet("ticket:bucket:{1}", "A_B_2"))
	assert.Empty(t, f.events.events)

	// the failed attempt does not block a retry
	f.orders.err = nil
	_, err = f.svc.Purchase(context.Background(), "user", "", req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.ledger.heldSeats())
}

func TestDuplicatePurchaseRejected(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())
	req := request("A", "B", second("p1"))

	_, err := f.svc.Purchase(context.Background(), "user", "", req)
	require.NoError(t, err)
	_, err = f.svc.Purchase(context.Background(), "user", "", req)
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)

	_, err = f.svc.Purchase(context.Background(), "user", "k1", request("B", "C", second("p1")))
	require.NoError(t, err)
	_, err = f.svc.Purchase(context.Background(), "user", "k1", request("B", "C", second("p2")))
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)
	assert.Equal(t, int32(2), f.orders.calls.Load())
}

func TestReleaseOrderReturnsSeats(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())
	res, err := f.svc.Purchase(context.Background(), "user", "", request("A", "B", second("p1"), second("p2")))
	require.NoError(t, err)
	require.Equal(t, 0, remaining(t, f, "A", "B", model.ClassSecond))

	locked := f.locks.calls.Load()
	require.NoError(t, f.svc.ReleaseOrder(context.Background(), res.OrderSN, "m1"))
	assert.Equal(t, locked+1, f.locks.calls.Load())
	assert.Zero(t, f.ledger.heldSeats())
	assert.Equal(t, 2, remaining(t, f, "A", "B", model.ClassSecond))
	assert.Equal(t, 2, remaining(t, f, "A", "C", model.ClassSecond))
	assert.Equal(t, "2", f.mr.HGet("ticket:bucket:{1}", "A_B_2"))

	assert.ErrorIs(t, f.svc.ReleaseOrder(context.Background(), res.OrderSN, "m1"), model.ErrDuplicateRequest)
	assert.NoError(t, f.svc.ReleaseOrder(context.Background(), res.OrderSN, "m2"))
	assert.Equal(t, 2, remaining(t, f, "A", "B", model.ClassSecond))
}

func TestRemaining(t *testing.T) {
	f := newFixture(t, twoSecondClassSeats())

	got, err := f.svc.Remaining(context.Background(), trainID, "B", "C")
	require.NoError(t, err)
	assert.Equal(t, map[model.SeatClass]int{model.ClassFirst: 1, model.ClassSecond: 2}, got)

	_, err = f.svc.Remaining(context.Background(), trainID, "C", "B")
	assert.ErrorIs(t, err, route.ErrInvalidOrder)
	_, err = f.svc.Remaining(context.Background(), 9, "A", "B")
	assert.ErrorIs(t, err, model.ErrClientRejection)
}
