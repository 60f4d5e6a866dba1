package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

// Ledger is the authoritative seat store consumed by the purchase flow. It
// combines the repositories behind the operations that must run in one
// transaction.
type Ledger struct {
	db      *sql.DB
	Trains  *TrainRepo
	Prices  *PriceRepo
	Seats   *SeatRepo
	Tickets *TicketRepo
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{
		db:      db,
		Trains:  NewTrainRepo(db),
		Prices:  NewPriceRepo(db),
		Seats:   NewSeatRepo(db),
		Tickets: NewTicketRepo(db),
	}
}

// ListPrices returns the fares of a station pair.
func (l *Ledger) ListPrices(ctx context.Context, trainID uint64, from, to string) ([]model.Price, error) {
	return l.Prices.ListPrices(ctx, trainID, from, to)
}

// CountAvailableByClass counts seats free on every leg, per class.
func (l *Ledger) CountAvailableByClass(ctx context.Context, trainID uint64, legs []route.Segment) (map[model.SeatClass]int, error) {
	return l.Seats.CountAvailableByClass(ctx, trainID, legs)
}

// Persist describes a committed allocation to write to the ledger.
type Persist struct {
	OrderSN  string
	Username string
	Legs     []route.Segment
	Result   *model.AllocationResult
}

// PersistSeatAssignments holds the allocated seats on every leg and writes
// one pending ticket per passenger, atomically.
func (l *Ledger) PersistSeatAssignments(ctx context.Context, p Persist) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := l.Seats.HoldTx(ctx, tx, p.Result.TrainID, p.Legs, p.Result.Seats()); err != nil {
		return err
	}
	tickets := make([]TicketRecord, len(p.Result.Assignments))
	for i, a := range p.Result.Assignments {
		tickets[i] = TicketRecord{
			OrderSN:     p.OrderSN,
			Username:    p.Username,
			TrainID:     p.Result.TrainID,
			PassengerID: a.PassengerID,
			Carriage:    a.Carriage,
			Seat:        a.Seat,
			Class:       a.Class,
			Departure:   p.Result.Departure,
			Arrival:     p.Result.Arrival,
			PriceCents:  a.PriceCents,
			Status:      TicketPending,
		}
	}
	if err := l.Tickets.CreateBulkTx(ctx, tx, tickets); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// RevertSeatAssignments undoes PersistSeatAssignments for an order that
// could not be created downstream.
func (l *Ledger) RevertSeatAssignments(ctx context.Context, p Persist) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := l.Seats.ReleaseTx(ctx, tx, p.Result.TrainID, p.Legs, p.Result.Seats()); err != nil {
		return err
	}
	if err := l.Tickets.DeleteByOrderTx(ctx, tx, p.OrderSN); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ClosedOrder reports what CloseOrder returned to the pool.
type ClosedOrder struct {
	Result *model.AllocationResult
	Stops  []string
}

// CloseOrder closes the pending tickets of an unpaid order and frees their
// seats. It returns ErrOrderNotFound when nothing was pending, so a
// redelivered close is harmless.
func (l *Ledger) CloseOrder(ctx context.Context, orderSN string) (*ClosedOrder, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	tickets, err := l.Tickets.PendingByOrderTx(ctx, tx, orderSN)
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, ErrOrderNotFound
	}
	first := tickets[0]
	stops, err := listStops(ctx, tx, first.TrainID)
	if err != nil {
		return nil, err
	}
	plan, err := route.Calculate(model.StationNames(stops), first.Departure, first.Arrival)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderSN, err)
	}
	res := &model.AllocationResult{TrainID: first.TrainID, Departure: first.Departure, Arrival: first.Arrival}
	for _, t := range tickets {
		res.Assignments = append(res.Assignments, model.Assignment{
			PassengerID: t.PassengerID,
			Carriage:    t.Carriage,
			Seat:        t.Seat,
			Class:       t.Class,
			PriceCents:  t.PriceCents,
		})
	}
	if err := l.Seats.ReleaseTx(ctx, tx, first.TrainID, plan.Legs, res.Seats()); err != nil {
		return nil, err
	}
	if _, err := l.Tickets.SetStatusByOrderTx(ctx, tx, orderSN, TicketPending, TicketClosed); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return &ClosedOrder{Result: res, Stops: model.StationNames(stops)}, nil
}
