// Package queue carries ticket events over RabbitMQ.
package queue

import "time"

const (
	// TicketPurchasedQueue receives an event per successful purchase.
	TicketPurchasedQueue = "ticket.purchased"
	// OrderClosedQueue delivers orders closed without payment.
	OrderClosedQueue = "order.closed"
)

// TicketPurchasedEvent is published once an order was created for a purchase.
// Consumers use it for notifications and reporting without querying the ledger.
type TicketPurchasedEvent struct {
	OrderSN     string    `json:"order_sn"`
	Username    string    `json:"username"`
	TrainID     uint64    `json:"train_id"`
	Departure   string    `json:"departure"`
	Arrival     string    `json:"arrival"`
	Seats       []string  `json:"seats"`
	AmountCents int64     `json:"amount_cents"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// OrderClosedEvent tells the inventory service that a pending order timed
// out or was cancelled and its seats go back on sale.
type OrderClosedEvent struct {
	MessageID string `json:"message_id"`
	OrderSN   string `json:"order_sn"`
	Reason    string `json:"reason"`
}
