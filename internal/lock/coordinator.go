package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// Phase is the state of one purchase attempt inside WithLocks.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseLocksAcquiring
	PhaseLocksHeld
	PhaseCompleting
	PhaseAborting
	PhaseReleased
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseLocksAcquiring:
		return "locks_acquiring"
	case PhaseLocksHeld:
		return "locks_held"
	case PhaseCompleting:
		return "completing"
	case PhaseAborting:
		return "aborting"
	case PhaseReleased:
		return "released"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Mode selects how a train is locked.
type Mode int

const (
	PerClass   Mode = iota // one local and one cluster lock per seat class
	WholeTrain             // one cluster lock for the train
)

// Coordinator runs purchase critical sections.
type Coordinator struct {
	local   Locker
	cluster Locker
	wait    time.Duration
	mode    Mode
	coarse  map[uint64]bool
	observe func(trainID uint64, p Phase)
	log     logrus.FieldLogger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMode sets the default lock mode.
func WithMode(m Mode) Option { return func(c *Coordinator) { c.mode = m } }

// WithCoarseTrains forces whole-train locking for the given trains.
func WithCoarseTrains(ids ...uint64) Option {
	return func(c *Coordinator) {
		for _, id := range ids {
			c.coarse[id] = true
		}
	}
}

// WithObserver registers a callback for every phase transition.
func WithObserver(f func(trainID uint64, p Phase)) Option {
	return func(c *Coordinator) { c.observe = f }
}

// NewCoordinator builds a Coordinator. local may be nil, in which case
// only the cluster tier is used. wait bounds lock acquisition.
func NewCoordinator(local, cluster Locker, wait time.Duration, log logrus.FieldLogger, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:   local,
		cluster: cluster,
		wait:    wait,
		coarse:  make(map[uint64]bool),
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ModeFor returns the lock mode used for a train.
func (c *Coordinator) ModeFor(trainID uint64) Mode {
	if c.coarse[trainID] {
		return WholeTrain
	}
	return c.mode
}

// Keys returns the lock keys for a purchase in acquisition order.
func (c *Coordinator) Keys(trainID uint64, classes []model.SeatClass) []string {
	if c.ModeFor(trainID) == WholeTrain {
		return []string{fmt.Sprintf("train:%d", trainID)}
	}
	sorted := append([]model.SeatClass(nil), classes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	keys := make([]string, 0, len(sorted))
	for i, cl := range sorted {
		if i > 0 && cl == sorted[i-1] {
			continue
		}
		keys = append(keys, fmt.Sprintf("train:%d:class:%d", trainID, cl))
	}
	return keys
}

type attempt struct {
	c       *Coordinator
	trainID uint64
	phase   Phase
	held    []Unlocker
}

func (a *attempt) move(p Phase) {
	a.phase = p
	a.c.log.WithFields(logrus.Fields{"train_id": a.trainID, "phase": p}).Debug("lock: phase")
	if a.c.observe != nil {
		a.c.observe(a.trainID, p)
	}
}

// release unlocks everything held, newest first. Failures are logged; the
// cluster locks expire on their own.
func (a *attempt) release(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(a.held) - 1; i >= 0; i-- {
		if err := a.held[i].Unlock(ctx); err != nil {
			a.c.log.WithError(err).WithField("train_id", a.trainID).Warn("lock: release")
		}
	}
	a.held = nil
}

// WithLocks acquires every lock for the classes, local tier first, then
// runs fn and releases all of them on every exit path. If the locks cannot
// be taken within the configured wait it returns model.ErrServiceBusy.
func (c *Coordinator) WithLocks(ctx context.Context, trainID uint64, classes []model.SeatClass, fn func(ctx context.Context) error) (err error) {
	a := &attempt{c: c, trainID: trainID}
	a.move(PhaseInit)
	keys := c.Keys(trainID, classes)

	a.move(PhaseLocksAcquiring)
	if err := c.acquire(ctx, a, keys); err != nil {
		a.move(PhaseAborting)
		a.release(ctx)
		a.move(PhaseReleased)
		return err
	}
	a.move(PhaseLocksHeld)

	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.watch(fctx, cancel)

	defer func() {
		if r := recover(); r != nil {
			a.move(PhaseAborting)
			a.release(ctx)
			a.move(PhaseReleased)
			panic(r)
		}
		if err != nil {
			a.move(PhaseAborting)
		} else {
			a.move(PhaseCompleting)
		}
		a.release(ctx)
		a.move(PhaseReleased)
	}()
	err = fn(fctx)
	if err != nil && errors.Is(context.Cause(fctx), ErrLeaseLost) {
		err = fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return err
}

// watch aborts the critical section when a held lease is lost.
func (a *attempt) watch(ctx context.Context, cancel context.CancelCauseFunc) {
	for _, u := range a.held {
		l, ok := u.(Lease)
		if !ok {
			continue
		}
		go func(lost <-chan struct{}) {
			select {
			case <-lost:
				a.c.log.WithField("train_id", a.trainID).Warn("lock: lease lost, aborting")
				cancel(ErrLeaseLost)
			case <-ctx.Done():
			}
		}(l.Lost())
	}
}

func (c *Coordinator) acquire(ctx context.Context, a *attempt, keys []string) error {
	wctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	tiers := []Locker{c.local, c.cluster}
	if c.ModeFor(a.trainID) == WholeTrain {
		tiers = []Locker{c.cluster}
	}
	for _, tier := range tiers {
		if tier == nil {
			continue
		}
		for _, k := range keys {
			u, err := tier.Lock(wctx, k)
			if err != nil {
				if errors.Is(err, ErrNotAcquired) {
					return fmt.Errorf("%w: %s", model.ErrServiceBusy, k)
				}
				return model.Dependency("lock "+k, err)
			}
			a.held = append(a.held, u)
		}
	}
	return nil
}
