// Package purchase runs a ticket purchase end to end: validation,
// admission, locking, allocation, persistence and order creation, undoing
// every completed step when a later one fails.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-seat-inventory/internal/admission"
	"github.com/iliyamo/train-seat-inventory/internal/idempotency"
	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/orderclient"
	"github.com/iliyamo/train-seat-inventory/internal/queue"
	"github.com/iliyamo/train-seat-inventory/internal/repository"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

type Validator interface {
	Run(ctx context.Context, req *model.PurchaseRequest) error
}

type Catalog interface {
	Train(ctx context.Context, id uint64) (*model.Train, error)
	Stops(ctx context.Context, id uint64) ([]string, error)
}

type Admission interface {
	TryAdmit(ctx context.Context, trainID uint64, plan route.Plan, demand map[model.SeatClass]int) (admission.Decision, error)
	Rollback(ctx context.Context, trainID uint64, plan route.Plan, demand map[model.SeatClass]int) error
}

type Inventory interface {
	GetRemaining(ctx context.Context, trainID uint64, seg route.Segment, class model.SeatClass) (int, error)
	Remaining(ctx context.Context, trainID uint64, seg route.Segment) (map[model.SeatClass]int, error)
	Increment(ctx context.Context, trainID uint64, segs []route.Segment, demand map[model.SeatClass]int) error
}

type Locks interface {
	WithLocks(ctx context.Context, trainID uint64, classes []model.SeatClass, fn func(ctx context.Context) error) error
}

type Allocator interface {
	Allocate(ctx context.Context, train model.Train, plan route.Plan, req model.PurchaseRequest) (*model.AllocationResult, error)
	Release(ctx context.Context, plan route.Plan, res *model.AllocationResult) error
}

type Ledger interface {
	PersistSeatAssignments(ctx context.Context, p repository.Persist) error
	RevertSeatAssignments(ctx context.Context, p repository.Persist) error
	CloseOrder(ctx context.Context, orderSN string) (*repository.ClosedOrder, error)
}

type Orders interface {
	CreateOrder(ctx context.Context, req orderclient.OrderRequest) (string, error)
}

type Guard interface {
	Acquire(ctx context.Context, fp string) error
	Complete(ctx context.Context, fp string) error
	Release(ctx context.Context, fp string) error
}

type Events interface {
	PublishTicketPurchased(ctx context.Context, ev queue.TicketPurchasedEvent) error
}

// Deps wires a Service. Events may be nil.
type Deps struct {
	Validator Validator
	Catalog   Catalog
	Admission Admission
	Inventory Inventory
	Locks     Locks
	Allocator Allocator
	Ledger    Ledger
	Orders    Orders
	Guard     Guard
	Events    Events
	Log       logrus.FieldLogger
}

type Service struct {
	Deps
	now func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{Deps: d, now: time.Now}
}

// Purchase sells one seat per passenger of req to username, or fails with
// nothing sold. idemKey, when set, replaces the content fingerprint as the
// deduplication key.
func (s *Service) Purchase(ctx context.Context, username, idemKey string, req model.PurchaseRequest) (*model.PurchaseResult, error) {
	req.Username = username
	fp := idempotency.Fingerprint(username, req)
	if idemKey != "" {
		fp = "key:" + username + ":" + idemKey
	}
	if err := s.Guard.Acquire(ctx, fp); err != nil {
		return nil, err
	}

	res, err := s.purchase(ctx, req)
	cleanup := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := s.Guard.Release(cleanup, fp); rerr != nil {
			s.Log.WithError(rerr).Warn("purchase: release idempotency key")
		}
		return nil, err
	}
	if cerr := s.Guard.Complete(cleanup, fp); cerr != nil {
		s.Log.WithError(cerr).Warn("purchase: complete idempotency key")
	}
	s.publish(cleanup, res)
	return res, nil
}

func (s *Service) purchase(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResult, error) {
	if err := s.Validator.Run(ctx, &req); err != nil {
		return nil, err
	}
	train, err := s.Catalog.Train(ctx, req.TrainID)
	if err != nil {
		return nil, model.Dependency("load train", err)
	}
	stops, err := s.Catalog.Stops(ctx, req.TrainID)
	if err != nil {
		return nil, model.Dependency("load stops", err)
	}
	plan, err := route.Calculate(stops, req.Departure, req.Arrival)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrClientRejection, err)
	}

	log := s.Log.WithFields(logrus.Fields{"train_id": req.TrainID, "ride": plan.Ride().String(), "user": req.Username})
	demand := req.Demand()
	dec, err := s.Admission.TryAdmit(ctx, req.TrainID, plan, demand)
	if err != nil {
		return nil, model.Dependency("admission", err)
	}
	if !dec.Admitted {
		return nil, fmt.Errorf("%w: %s", model.ErrInsufficientInventory, plan.Ride())
	}

	var out *model.PurchaseResult
	err = s.Locks.WithLocks(ctx, req.TrainID, classes(demand), func(ctx context.Context) error {
		var lerr error
		out, lerr = s.locked(ctx, log, *train, plan, req)
		return lerr
	})
	if err != nil {
		if rerr := s.Admission.Rollback(context.WithoutCancel(ctx), req.TrainID, plan, demand); rerr != nil {
			log.WithError(rerr).Error("purchase: return admission tokens")
		}
		log.WithError(err).Info("purchase failed")
		return nil, err
	}
	log.WithField("order_sn", out.OrderSN).Info("purchase completed")
	return out, nil
}

// locked runs with the class locks held.
func (s *Service) locked(ctx context.Context, log logrus.FieldLogger, train model.Train, plan route.Plan, req model.PurchaseRequest) (*model.PurchaseResult, error) {
	for class, n := range req.Demand() {
		left, err := s.Inventory.GetRemaining(ctx, train.ID, plan.Ride(), class)
		if err != nil {
			return nil, model.Dependency("read inventory", err)
		}
		if left < n {
			return nil, fmt.Errorf("%w: %d %s left on %s", model.ErrInsufficientInventory, left, class, plan.Ride())
		}
	}

	res, err := s.Allocator.Allocate(ctx, train, plan, req)
	if err != nil {
		return nil, err
	}
	cleanup := context.WithoutCancel(ctx)
	release := func() {
		if rerr := s.Allocator.Release(cleanup, plan, res); rerr != nil {
			log.WithError(rerr).Error("purchase: return inventory counters")
		}
	}

	p := repository.Persist{OrderSN: uuid.NewString(), Username: req.Username, Legs: plan.Legs, Result: res}
	if err := s.Ledger.PersistSeatAssignments(ctx, p); err != nil {
		release()
		if errors.Is(err, repository.ErrSeatUnavailable) {
			return nil, fmt.Errorf("%w: %w", model.ErrInsufficientInventory, err)
		}
		return nil, model.Dependency("persist seats", err)
	}

	sn, err := s.Orders.CreateOrder(ctx, orderclient.NewOrderRequest(p.OrderSN, req.Username, res))
	if err != nil {
		if rerr := s.Ledger.RevertSeatAssignments(cleanup, p); rerr != nil {
			log.WithError(rerr).Error("purchase: revert seat assignments")
		}
		release()
		if !errors.Is(err, model.ErrDependencyFailure) {
			err = model.Dependency("create order", err)
		}
		return nil, err
	}
	if sn != p.OrderSN {
		log.WithFields(logrus.Fields{"order_sn": p.OrderSN, "remote_sn": sn}).Warn("order service assigned a different order number")
	}
	return &model.PurchaseResult{OrderSN: p.OrderSN, AllocationResult: *res}, nil
}

func (s *Service) publish(ctx context.Context, res *model.PurchaseResult) {
	if s.Events == nil {
		return
	}
	ev := queue.TicketPurchasedEvent{
		OrderSN:     res.OrderSN,
		TrainID:     res.TrainID,
		Departure:   res.Departure,
		Arrival:     res.Arrival,
		PurchasedAt: s.now().UTC(),
	}
	for _, a := range res.Assignments {
		ev.Seats = append(ev.Seats, a.Carriage+"-"+a.Seat)
		ev.AmountCents += a.PriceCents
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	// best effort; the publisher logs its own failures
	_ = s.Events.PublishTicketPurchased(ctx, ev)
}

// Remaining reports the seats left per class between two stations.
func (s *Service) Remaining(ctx context.Context, trainID uint64, departure, arrival string) (map[model.SeatClass]int, error) {
	if _, err := s.Catalog.Train(ctx, trainID); err != nil {
		if errors.Is(err, repository.ErrTrainNotFound) {
			return nil, model.Reject("train %d does not exist", trainID)
		}
		return nil, model.Dependency("load train", err)
	}
	stops, err := s.Catalog.Stops(ctx, trainID)
	if err != nil {
		return nil, model.Dependency("load stops", err)
	}
	plan, err := route.Calculate(stops, departure, arrival)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrClientRejection, err)
	}
	out, err := s.Inventory.Remaining(ctx, trainID, plan.Ride())
	if err != nil {
		return nil, model.Dependency("read inventory", err)
	}
	return out, nil
}

// ReleaseOrder puts the seats of an unpaid, closed order back on sale.
// messageID deduplicates redeliveries of the same close.
func (s *Service) ReleaseOrder(ctx context.Context, orderSN, messageID string) error {
	fp := "release:" + messageID
	if err := s.Guard.Acquire(ctx, fp); err != nil {
		return err
	}
	cleanup := context.WithoutCancel(ctx)
	log := s.Log.WithField("order_sn", orderSN)

	closed, err := s.Ledger.CloseOrder(ctx, orderSN)
	if errors.Is(err, repository.ErrOrderNotFound) {
		log.Info("release: no pending tickets")
		_ = s.Guard.Complete(cleanup, fp)
		return nil
	}
	if err != nil {
		_ = s.Guard.Release(cleanup, fp)
		return model.Dependency("close order", err)
	}
	_ = s.Guard.Complete(cleanup, fp)

	// the ledger is committed from here on; counter errors are logged and
	// heal on the next cache reload
	res := closed.Result
	plan, err := route.Calculate(closed.Stops, res.Departure, res.Arrival)
	if err != nil {
		log.WithError(err).Error("release: route no longer valid")
		return nil
	}
	demand := res.Demand()
	inc := func(ctx context.Context) error {
		return s.Inventory.Increment(ctx, res.TrainID, plan.Takeout, demand)
	}
	err = s.Locks.WithLocks(cleanup, res.TrainID, classes(demand), inc)
	if errors.Is(err, model.ErrServiceBusy) {
		// the increment script is atomic; only ordering against purchases is lost
		log.Warn("release: locks busy, returning counters without them")
		err = inc(cleanup)
	}
	if err != nil {
		log.WithError(err).Error("release: return inventory counters")
	}
	if err := s.Admission.Rollback(cleanup, res.TrainID, plan, demand); err != nil {
		log.WithError(err).Error("release: return admission tokens")
	}
	return nil
}

func classes(demand map[model.SeatClass]int) []model.SeatClass {
	out := make([]model.SeatClass, 0, len(demand))
	for c := range demand {
		out = append(out, c)
	}
	return out
}
