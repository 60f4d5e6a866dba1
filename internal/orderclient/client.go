// Package orderclient talks to the order service over HTTP.
package orderclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// OrderItem is one ticket line of an order.
type OrderItem struct {
	PassengerID string          `json:"passenger_id"`
	Carriage    string          `json:"carriage_number"`
	Seat        string          `json:"seat_number"`
	Class       model.SeatClass `json:"seat_class"`
	PriceCents  int64           `json:"amount"`
}

// OrderRequest asks the order service for a pending order.
type OrderRequest struct {
	OrderSN   string      `json:"order_sn"`
	Username  string      `json:"username"`
	TrainID   uint64      `json:"train_id"`
	Departure string      `json:"departure"`
	Arrival   string      `json:"arrival"`
	Items     []OrderItem `json:"items"`
}

// NewOrderRequest turns an allocation into an order request.
func NewOrderRequest(orderSN, username string, res *model.AllocationResult) OrderRequest {
	items := make([]OrderItem, len(res.Assignments))
	for i, a := range res.Assignments {
		items[i] = OrderItem{
			PassengerID: a.PassengerID,
			Carriage:    a.Carriage,
			Seat:        a.Seat,
			Class:       a.Class,
			PriceCents:  a.PriceCents,
		}
	}
	return OrderRequest{
		OrderSN:   orderSN,
		Username:  username,
		TrainID:   res.TrainID,
		Departure: res.Departure,
		Arrival:   res.Arrival,
		Items:     items,
	}
}

type orderResponse struct {
	OrderSN string `json:"order_sn"`
	Error   string `json:"error"`
}

// Client creates orders on the order service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil hc gets a client with timeout.
func New(baseURL string, hc *http.Client, timeout time.Duration) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// CreateOrder posts req and returns the order number the service assigned.
// Any failure is reported as a dependency failure.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", model.Dependency("encode order", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", model.Dependency("build order request", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(hr)
	if err != nil {
		return "", model.Dependency("create order", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", model.Dependency("read order response", err)
	}
	var out orderResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", model.Dependency("create order", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	if out.OrderSN == "" {
		return req.OrderSN, nil
	}
	return out.OrderSN, nil
}
