package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

// Seat status values of the seat table.
const (
	SeatAvailable = 0
	SeatHeld      = 1
)

// SeatRepo works on the per-leg seat rows. A seat is free for a ride only
// when it is available on every leg of that ride.
type SeatRepo struct {
	db *sql.DB
}

func NewSeatRepo(db *sql.DB) *SeatRepo { return &SeatRepo{db: db} }

// legStarts returns the start stations of legs; a leg is identified by
// its start station within one train.
func legStarts(legs []route.Segment) []any {
	out := make([]any, len(legs))
	for i, l := range legs {
		out[i] = l.From
	}
	return out
}

// ListAvailable returns the seats of class that are free on all legs,
// ordered by carriage and seat number.
func (r *SeatRepo) ListAvailable(ctx context.Context, trainID uint64, class model.SeatClass, legs []route.Segment) ([]model.Seat, error) {
	if len(legs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT carriage_number, seat_number FROM seat
	           WHERE train_id = ? AND seat_class = ? AND seat_status = ? AND start_station IN (%s)
	           GROUP BY carriage_number, seat_number
	           HAVING COUNT(*) = ?
	           ORDER BY carriage_number, seat_number`, placeholders(len(legs)))
	args := append([]any{trainID, class, SeatAvailable}, legStarts(legs)...)
	args = append(args, len(legs))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seats []model.Seat
	for rows.Next() {
		s := model.Seat{Class: class}
		if err := rows.Scan(&s.Carriage, &s.Number); err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return seats, nil
}

// CountAvailableByClass counts, per seat class, the seats free on all legs.
// Classes without any free seat are absent from the map.
func (r *SeatRepo) CountAvailableByClass(ctx context.Context, trainID uint64, legs []route.Segment) (map[model.SeatClass]int, error) {
	out := make(map[model.SeatClass]int)
	if len(legs) == 0 {
		return out, nil
	}
	q := fmt.Sprintf(`SELECT seat_class, COUNT(*) FROM (
	               SELECT seat_class, carriage_number, seat_number FROM seat
	               WHERE train_id = ? AND seat_status = ? AND start_station IN (%s)
	               GROUP BY seat_class, carriage_number, seat_number
	               HAVING COUNT(*) = ?
	           ) free
	           GROUP BY seat_class`, placeholders(len(legs)))
	args := append([]any{trainID, SeatAvailable}, legStarts(legs)...)
	args = append(args, len(legs))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			class model.SeatClass
			n     int
		)
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		out[class] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// HoldTx marks seats as held on every leg. Each seat must flip on all legs,
// otherwise ErrSeatUnavailable is returned and the caller rolls back.
func (r *SeatRepo) HoldTx(ctx context.Context, tx *sql.Tx, trainID uint64, legs []route.Segment, seats []model.Seat) error {
	return r.setStatusTx(ctx, tx, trainID, legs, seats, SeatAvailable, SeatHeld)
}

// ReleaseTx makes held seats available again on every leg.
func (r *SeatRepo) ReleaseTx(ctx context.Context, tx *sql.Tx, trainID uint64, legs []route.Segment, seats []model.Seat) error {
	return r.setStatusTx(ctx, tx, trainID, legs, seats, SeatHeld, SeatAvailable)
}

func (r *SeatRepo) setStatusTx(ctx context.Context, tx *sql.Tx, trainID uint64, legs []route.Segment, seats []model.Seat, from, to int) error {
	q := fmt.Sprintf(`UPDATE seat SET seat_status = ?
	           WHERE train_id = ? AND carriage_number = ? AND seat_number = ?
	             AND seat_status = ? AND start_station IN (%s)`, placeholders(len(legs)))
	starts := legStarts(legs)
	for _, s := range seats {
		args := append([]any{to, trainID, s.Carriage, s.Number, from}, starts...)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != int64(len(legs)) {
			return fmt.Errorf("%w: carriage %s seat %s", ErrSeatUnavailable, s.Carriage, s.Number)
		}
	}
	return nil
}
