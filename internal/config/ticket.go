package config

import (
	"strconv"
	"time"
)

// Lock modes for the purchase lock coordinator.
const (
	LockModeClass = "class" // one lock per (train, seat class)
	LockModeTrain = "train" // a single lock per train
)

// TicketConfig tunes the inventory, admission and locking layers.
type TicketConfig struct {
	KeyPrefix         string
	LockMode          string
	CoarseLockTrains  []string // trains always locked as a whole
	LockWait          time.Duration
	LockTTL           time.Duration
	ReconcileDelay    time.Duration
	ReconcileCooldown time.Duration
	CacheTTL          time.Duration // aligned with the advance-sale window
	WorkerPoolSize    int
	IdempotencyTTL    time.Duration
	OrderTimeout      time.Duration
}

func LoadTicketConfig() TicketConfig {
	def := TicketConfig{
		KeyPrefix:         envStr("TICKET_KEY_PREFIX", "ticket"),
		LockMode:          envStr("TICKET_LOCK_MODE", LockModeClass),
		CoarseLockTrains:  envList("TICKET_COARSE_LOCK_TRAINS"),
		LockWait:          envDur("TICKET_LOCK_WAIT", 3*time.Second),
		LockTTL:           envDur("TICKET_LOCK_TTL", 10*time.Second),
		ReconcileDelay:    envDur("TICKET_RECONCILE_DELAY", 10*time.Second),
		ReconcileCooldown: envDur("TICKET_RECONCILE_COOLDOWN", 10*time.Minute),
		CacheTTL:          envDur("TICKET_CACHE_TTL", 15*24*time.Hour),
		WorkerPoolSize:    envInt("TICKET_WORKER_POOL", 8),
		IdempotencyTTL:    envDur("TICKET_IDEMPOTENCY_TTL", 10*time.Minute),
		OrderTimeout:      envDur("TICKET_ORDER_TIMEOUT", 5*time.Second),
	}
	if def.LockMode != LockModeTrain {
		def.LockMode = LockModeClass
	}
	if def.WorkerPoolSize < 1 {
		def.WorkerPoolSize = 1
	}
	// a lock must outlive the wait for it
	if def.LockTTL < def.LockWait {
		def.LockTTL = 2 * def.LockWait
	}
	return def
}

// CoarseTrainIDs parses CoarseLockTrains, skipping entries that are not
// train ids.
func (t TicketConfig) CoarseTrainIDs() ([]uint64, []string) {
	var ids []uint64
	var bad []string
	for _, s := range t.CoarseLockTrains {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil || id == 0 {
			bad = append(bad, s)
			continue
		}
		ids = append(ids, id)
	}
	return ids, bad
}
