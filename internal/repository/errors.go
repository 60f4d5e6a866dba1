// Package repository implements the seat ledger on MySQL: trains and their
// stops, fares, per-leg seat rows and issued tickets. The ledger is the
// source of truth that the Redis layers are loaded from and reconciled
// against.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// ErrTrainNotFound is returned when a train id has no row.
var ErrTrainNotFound = errors.New("train not found")

// ErrSeatUnavailable is returned when a seat could not be held on every
// leg of a ride because another purchase got there first.
var ErrSeatUnavailable = errors.New("seat unavailable")

// ErrOrderNotFound is returned when no open tickets belong to an order.
var ErrOrderNotFound = errors.New("order not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
