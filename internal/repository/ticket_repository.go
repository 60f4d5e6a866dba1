package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// Ticket status values.
const (
	TicketPending = "PENDING" // order created, awaiting payment
	TicketPaid    = "PAID"
	TicketClosed  = "CLOSED" // order closed before payment, seat returned
)

// TicketRecord is one row of the ticket table.
type TicketRecord struct {
	ID          uint64
	OrderSN     string
	Username    string
	TrainID     uint64
	PassengerID string
	Carriage    string
	Seat        string
	Class       model.SeatClass
	Departure   string
	Arrival     string
	PriceCents  int64
	Status      string
}

// TicketRepo persists issued tickets.
type TicketRepo struct {
	db *sql.DB
}

func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

// CreateBulkTx inserts tickets in a single statement.
func (r *TicketRepo) CreateBulkTx(ctx context.Context, tx *sql.Tx, tickets []TicketRecord) error {
	if len(tickets) == 0 {
		return nil
	}
	query := `INSERT INTO ticket (order_sn, username, train_id, passenger_id, carriage_number, seat_number, seat_class, departure, arrival, price, status) VALUES `
	args := make([]any, 0, len(tickets)*11)
	for i, t := range tickets {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, t.OrderSN, t.Username, t.TrainID, t.PassengerID, t.Carriage, t.Seat,
			t.Class, t.Departure, t.Arrival, t.PriceCents, t.Status)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// DeleteByOrderTx removes the tickets of an order that never got created
// downstream.
func (r *TicketRepo) DeleteByOrderTx(ctx context.Context, tx *sql.Tx, orderSN string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM ticket WHERE order_sn = ?`, orderSN)
	return err
}

// PendingByOrderTx locks and returns the pending tickets of an order.
func (r *TicketRepo) PendingByOrderTx(ctx context.Context, tx *sql.Tx, orderSN string) ([]TicketRecord, error) {
	const q = `SELECT id, order_sn, username, train_id, passenger_id, carriage_number, seat_number, seat_class, departure, arrival, price, status
	           FROM ticket
	           WHERE order_sn = ? AND status = ?
	           ORDER BY id
	           FOR UPDATE`
	rows, err := tx.QueryContext(ctx, q, orderSN, TicketPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TicketRecord
	for rows.Next() {
		var t TicketRecord
		if err := rows.Scan(&t.ID, &t.OrderSN, &t.Username, &t.TrainID, &t.PassengerID, &t.Carriage, &t.Seat,
			&t.Class, &t.Departure, &t.Arrival, &t.PriceCents, &t.Status); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetStatusByOrderTx moves every ticket of an order from one status to another.
func (r *TicketRepo) SetStatusByOrderTx(ctx context.Context, tx *sql.Tx, orderSN, from, to string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE ticket SET status = ? WHERE order_sn = ? AND status = ?`, to, orderSN, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountActive counts non-closed tickets already held by any of the
// passengers on a train.
func (r *TicketRepo) CountActive(ctx context.Context, trainID uint64, passengerIDs []string) (int, error) {
	if len(passengerIDs) == 0 {
		return 0, nil
	}
	q := fmt.Sprintf(`SELECT COUNT(*) FROM ticket
	           WHERE train_id = ? AND status <> ? AND passenger_id IN (%s)`, placeholders(len(passengerIDs)))
	args := []any{trainID, TicketClosed}
	for _, id := range passengerIDs {
		args = append(args, id)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
