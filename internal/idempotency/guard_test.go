package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

func newGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewGuard(rdb, "ticket", time.Minute), mr
}

func TestGuardLifecycle(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "fp"))
	err := g.Acquire(ctx, "fp")
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)
	assert.ErrorIs(t, err, model.ErrClientRejection)
	assert.Contains(t, err.Error(), "in progress")

	// a failed attempt may be retried
	require.NoError(t, g.Release(ctx, "fp"))
	require.NoError(t, g.Acquire(ctx, "fp"))

	require.NoError(t, g.Complete(ctx, "fp"))
	require.NoError(t, g.Release(ctx, "fp"))
	err = g.Acquire(ctx, "fp")
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)
	assert.Contains(t, err.Error(), "already completed")

	mr.FastForward(2 * time.Minute)
	assert.NoError(t, g.Acquire(ctx, "fp"))
}

func TestFingerprint(t *testing.T) {
	req := model.PurchaseRequest{
		TrainID: 1, Departure: "A", Arrival: "C",
		Passengers: []model.Passenger{{ID: "p1", Class: model.ClassFirst}, {ID: "p2", Class: model.ClassSecond}},
	}
	swapped := req
	swapped.Passengers = []model.Passenger{req.Passengers[1], req.Passengers[0]}

	assert.Equal(t, Fingerprint("alice", req), Fingerprint("alice", swapped))
	assert.NotEqual(t, Fingerprint("alice", req), Fingerprint("bob", req))

	other := req
	other.Arrival = "B"
	assert.NotEqual(t, Fingerprint("alice", req), Fingerprint("alice", other))
	assert.Len(t, Fingerprint("alice", req), 64)
}
