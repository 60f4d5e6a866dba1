// Package idempotency keeps retried requests and redelivered messages from
// being applied twice.
package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

const (
	statusProcessing = "processing"
	statusDone       = "done"
)

// Guard records fingerprints in Redis. A fingerprint is first marked as
// processing, then either completed (kept for the TTL) or released so the
// client may try again.
type Guard struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewGuard(rdb *redis.Client, prefix string, ttl time.Duration) *Guard {
	return &Guard{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (g *Guard) key(fp string) string { return g.prefix + ":idem:" + fp }

// Acquire returns nil if fp was not seen within the TTL, or an error
// wrapping model.ErrDuplicateRequest otherwise.
func (g *Guard) Acquire(ctx context.Context, fp string) error {
	ok, err := g.rdb.SetNX(ctx, g.key(fp), statusProcessing, g.ttl).Result()
	if err != nil {
		return model.Dependency("idempotency acquire", err)
	}
	if ok {
		return nil
	}
	status, err := g.rdb.Get(ctx, g.key(fp)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Dependency("idempotency acquire", err)
	}
	if status == statusDone {
		return fmt.Errorf("%w: already completed", model.ErrDuplicateRequest)
	}
	return fmt.Errorf("%w: in progress", model.ErrDuplicateRequest)
}

// Complete marks fp as applied.
func (g *Guard) Complete(ctx context.Context, fp string) error {
	return g.rdb.Set(ctx, g.key(fp), statusDone, g.ttl).Err()
}

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Release forgets fp if it is still processing. Completed fingerprints
// are kept.
func (g *Guard) Release(ctx context.Context, fp string) error {
	return releaseScript.Run(ctx, g.rdb, []string{g.key(fp)}, statusProcessing).Err()
}

// Fingerprint identifies a purchase by its buyer and content, independent
// of passenger order.
func Fingerprint(username string, req model.PurchaseRequest) string {
	ps := make([]string, len(req.Passengers))
	for i, p := range req.Passengers {
		ps[i] = p.ID + ":" + p.Class.String()
	}
	sort.Strings(ps)
	choose := append([]string(nil), req.ChooseSeats...)
	sort.Strings(choose)

	canonical := strings.Join([]string{
		username,
		fmt.Sprint(req.TrainID),
		req.Departure,
		req.Arrival,
		strings.Join(ps, ","),
		strings.Join(choose, ","),
	}, "|")
	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
