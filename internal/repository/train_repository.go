package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// TrainRepo reads train metadata and stop sequences.
type TrainRepo struct {
	db *sql.DB
}

func NewTrainRepo(db *sql.DB) *TrainRepo { return &TrainRepo{db: db} }

// GetByID returns the train or ErrTrainNotFound.
func (r *TrainRepo) GetByID(ctx context.Context, id uint64) (*model.Train, error) {
	const q = `SELECT id, train_number, train_type, sale_time, departure_time
	           FROM train WHERE id = ?`
	var t model.Train
	err := r.db.QueryRowContext(ctx, q, id).Scan(&t.ID, &t.Number, &t.Type, &t.SaleTime, &t.DepartureTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTrainNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListStops returns the stops of a train ordered by sequence.
func (r *TrainRepo) ListStops(ctx context.Context, trainID uint64) ([]model.Stop, error) {
	return listStops(ctx, r.db, trainID)
}

func listStops(ctx context.Context, q querier, trainID uint64) ([]model.Stop, error) {
	const sel = `SELECT sequence, station FROM train_station
	             WHERE train_id = ?
	             ORDER BY sequence`
	rows, err := q.QueryContext(ctx, sel, trainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stops []model.Stop
	for rows.Next() {
		var s model.Stop
		if err := rows.Scan(&s.Sequence, &s.Station); err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stops, nil
}

// PriceRepo reads fares per station pair.
type PriceRepo struct {
	db *sql.DB
}

func NewPriceRepo(db *sql.DB) *PriceRepo { return &PriceRepo{db: db} }

// ListPrices returns the fare of every seat class sold between from and to.
// The set of classes doubles as the train's class table for that pair.
func (r *PriceRepo) ListPrices(ctx context.Context, trainID uint64, from, to string) ([]model.Price, error) {
	const q = `SELECT seat_class, price FROM train_station_price
	           WHERE train_id = ? AND departure = ? AND arrival = ?
	           ORDER BY seat_class`
	rows, err := r.db.QueryContext(ctx, q, trainID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Price
	for rows.Next() {
		var p model.Price
		if err := rows.Scan(&p.Class, &p.Cents); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
