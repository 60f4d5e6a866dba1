package allocation

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

// SeatSource lists seats free on every leg of a ride.
type SeatSource interface {
	ListAvailable(ctx context.Context, trainID uint64, class model.SeatClass, legs []route.Segment) ([]model.Seat, error)
}

// PriceSource returns the fares of a station pair.
type PriceSource interface {
	ListPrices(ctx context.Context, trainID uint64, from, to string) ([]model.Price, error)
}

// Counters is the inventory cache as seen by the engine.
type Counters interface {
	Decrement(ctx context.Context, trainID uint64, ride route.Segment, segs []route.Segment, demand map[model.SeatClass]int) (bool, error)
	Increment(ctx context.Context, trainID uint64, segs []route.Segment, demand map[model.SeatClass]int) error
}

// Engine allocates seats. Classes of one request are allocated
// concurrently on a worker pool shared by all requests.
type Engine struct {
	registry *Registry
	seats    SeatSource
	prices   PriceSource
	counters Counters
	pool     *semaphore.Weighted
	log      logrus.FieldLogger
}

func NewEngine(registry *Registry, seats SeatSource, prices PriceSource, counters Counters, poolSize int, log logrus.FieldLogger) *Engine {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Engine{
		registry: registry,
		seats:    seats,
		prices:   prices,
		counters: counters,
		pool:     semaphore.NewWeighted(int64(poolSize)),
		log:      log,
	}
}

// classTask is the allocation work of one seat class.
type classTask struct {
	class    model.SeatClass
	strategy Strategy
	indexes  []int // positions of the class's passengers in the request
	picked   []model.Seat
}

// Allocate assigns one seat per passenger and decrements the inventory
// counters of every segment the ride occupies. It returns either a
// complete result or an error; counters are only touched on success.
func (e *Engine) Allocate(ctx context.Context, train model.Train, plan route.Plan, req model.PurchaseRequest) (*model.AllocationResult, error) {
	tasks, err := e.plan(train, req)
	if err != nil {
		return nil, err
	}
	prices, err := e.prices.ListPrices(ctx, train.ID, plan.Departure, plan.Arrival)
	if err != nil {
		return nil, model.Dependency("list prices", err)
	}
	fare := make(map[model.SeatClass]int64, len(prices))
	for _, p := range prices {
		fare[p.Class] = p.Cents
	}
	for _, t := range tasks {
		if _, ok := fare[t.class]; !ok {
			return nil, fmt.Errorf("%w: %s not sold %s", model.ErrInsufficientInventory, t.class, plan.Ride())
		}
	}

	// seat choices only apply to single-class requests
	if len(tasks) == 1 {
		err = e.run(ctx, train.ID, plan.Legs, tasks[0], req.ChooseSeats)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range tasks {
			t := t
			g.Go(func() error {
				if err := e.pool.Acquire(gctx, 1); err != nil {
					return err
				}
				defer e.pool.Release(1)
				return e.run(gctx, train.ID, plan.Legs, t, nil)
			})
		}
		err = g.Wait()
	}
	if err != nil {
		return nil, err
	}

	res := &model.AllocationResult{
		TrainID:     train.ID,
		Departure:   plan.Departure,
		Arrival:     plan.Arrival,
		Assignments: make([]model.Assignment, len(req.Passengers)),
	}
	allocated := 0
	for _, t := range tasks {
		for i, seat := range t.picked {
			p := req.Passengers[t.indexes[i]]
			res.Assignments[t.indexes[i]] = model.Assignment{
				PassengerID: p.ID,
				Carriage:    seat.Carriage,
				Seat:        seat.Number,
				Class:       t.class,
				PriceCents:  fare[t.class],
			}
			allocated++
		}
	}
	if allocated != len(req.Passengers) {
		return nil, fmt.Errorf("%w: allocated %d of %d seats", model.ErrInsufficientInventory, allocated, len(req.Passengers))
	}

	ok, err := e.counters.Decrement(ctx, train.ID, plan.Ride(), plan.Takeout, res.Demand())
	if err != nil {
		return nil, model.Dependency("decrement inventory", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: counters exhausted for %s", model.ErrInsufficientInventory, plan.Ride())
	}
	return res, nil
}

// Release gives the seats of a result back to the counters. It is the
// inverse of a successful Allocate.
func (e *Engine) Release(ctx context.Context, plan route.Plan, res *model.AllocationResult) error {
	return e.counters.Increment(ctx, res.TrainID, plan.Takeout, res.Demand())
}

// plan groups passengers by class and resolves every strategy before any
// work starts.
func (e *Engine) plan(train model.Train, req model.PurchaseRequest) ([]*classTask, error) {
	byClass := make(map[model.SeatClass]*classTask)
	for i, p := range req.Passengers {
		t, ok := byClass[p.Class]
		if !ok {
			s, err := e.registry.Lookup(train.Type, p.Class)
			if err != nil {
				return nil, err
			}
			t = &classTask{class: p.Class, strategy: s}
			byClass[p.Class] = t
		}
		t.indexes = append(t.indexes, i)
	}
	tasks := make([]*classTask, 0, len(byClass))
	for _, t := range byClass {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].class < tasks[j].class })
	return tasks, nil
}

func (e *Engine) run(ctx context.Context, trainID uint64, legs []route.Segment, t *classTask, choose []string) error {
	free, err := e.seats.ListAvailable(ctx, trainID, t.class, legs)
	if err != nil {
		return model.Dependency("list seats", err)
	}
	picked := t.strategy.Select(free, len(t.indexes), choose)
	if len(picked) > len(t.indexes) {
		picked = picked[:len(t.indexes)]
	}
	t.picked = picked
	e.log.WithFields(logrus.Fields{
		"train_id":   trainID,
		"seat_class": t.class,
		"free":       len(free),
		"picked":     len(picked),
	}).Debug("allocation: class done")
	return nil
}
