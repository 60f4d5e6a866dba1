package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-seat-inventory/internal/clock"
	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

// Reconciler compares rejected token counts with the ledger after a delay
// and clears buckets that were lower than the truth. At most one
// reconciliation per train is scheduled within a cooldown: an in-memory
// marker stops repeats in this process, a cluster lock held for the
// cooldown stops the other instances.
type Reconciler struct {
	bucket   *Bucket
	clock    clock.Clock
	marker   *gocache.Cache
	delay    time.Duration
	cooldown time.Duration
}

func newReconciler(b *Bucket, clk clock.Clock, delay, cooldown time.Duration) *Reconciler {
	if delay <= 0 {
		delay = 10 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return &Reconciler{
		bucket:   b,
		clock:    clk,
		marker:   gocache.New(cooldown, 2*cooldown),
		delay:    delay,
		cooldown: cooldown,
	}
}

// Schedule arranges a reconciliation of trainID unless one is already
// pending within the cooldown. It never blocks on the reconciliation.
func (r *Reconciler) Schedule(trainID uint64, legs []route.Segment, rejected map[model.SeatClass]int) bool {
	log := r.bucket.log.WithField("train_id", trainID)
	if err := r.marker.Add(fmt.Sprint(trainID), struct{}{}, r.cooldown); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// held until it expires
	_, err := r.bucket.locker.Obtain(ctx, r.bucket.key(trainID)+":reconcile", r.cooldown, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false
	}
	if err != nil {
		log.WithError(err).Warn("admission: reconcile lock")
		r.marker.Delete(fmt.Sprint(trainID))
		return false
	}

	r.clock.AfterFunc(r.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.reconcile(ctx, trainID, legs, rejected); err != nil {
			log.WithError(err).Warn("admission: reconcile")
		}
	})
	log.WithField("delay", r.delay).Debug("admission: reconciliation scheduled")
	return true
}

func (r *Reconciler) reconcile(ctx context.Context, trainID uint64, legs []route.Segment, rejected map[model.SeatClass]int) error {
	free, err := r.bucket.ledger.CountAvailableByClass(ctx, trainID, legs)
	if err != nil {
		return err
	}
	// legs cover exactly the ride pair the rejected tokens were read from
	for class, tokens := range rejected {
		if free[class] >= tokens {
			r.bucket.log.WithFields(logrus.Fields{
				"train_id":   trainID,
				"seat_class": class,
				"tokens":     tokens,
				"free":       free[class],
			}).Info("admission: bucket behind ledger, clearing")
			if err := r.bucket.Clear(ctx, trainID); err != nil {
				return err
			}
			if r.bucket.counters == nil {
				return nil
			}
			return r.bucket.counters.Invalidate(ctx, trainID)
		}
	}
	return nil
}
