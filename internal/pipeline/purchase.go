package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/train-seat-inventory/internal/clock"
	"github.com/iliyamo/train-seat-inventory/internal/model"
	"github.com/iliyamo/train-seat-inventory/internal/repository"
	"github.com/iliyamo/train-seat-inventory/internal/route"
)

// MaxPassengers bounds the party size of one purchase.
const MaxPassengers = 5

// Catalog resolves trains and their stops.
type Catalog interface {
	Train(ctx context.Context, id uint64) (*model.Train, error)
	Stops(ctx context.Context, id uint64) ([]string, error)
}

// TicketCounter reports tickets passengers already hold on a train.
type TicketCounter interface {
	CountActive(ctx context.Context, trainID uint64, passengerIDs []string) (int, error)
}

// RequiredFields checks the request shape.
type RequiredFields struct{}

func (RequiredFields) Order() int { return 0 }

func (RequiredFields) Handle(_ context.Context, req *model.PurchaseRequest) error {
	req.Departure = strings.TrimSpace(req.Departure)
	req.Arrival = strings.TrimSpace(req.Arrival)
	switch {
	case req.TrainID == 0:
		return model.Reject("train_id is required")
	case req.Departure == "" || req.Arrival == "":
		return model.Reject("departure and arrival are required")
	case len(req.Passengers) == 0:
		return model.Reject("at least one passenger is required")
	case len(req.Passengers) > MaxPassengers:
		return model.Reject("at most %d passengers per purchase", MaxPassengers)
	}
	for i, p := range req.Passengers {
		if strings.TrimSpace(p.ID) == "" {
			return model.Reject("passenger %d has no id", i+1)
		}
		if !p.Class.Valid() {
			return model.Reject("passenger %s has an unknown seat class", p.ID)
		}
	}
	return nil
}

// TrainOnSale checks the train exists and is inside its sale window.
type TrainOnSale struct {
	Catalog Catalog
	Clock   clock.Clock
}

func (TrainOnSale) Order() int { return 10 }

func (h TrainOnSale) Handle(ctx context.Context, req *model.PurchaseRequest) error {
	t, err := h.Catalog.Train(ctx, req.TrainID)
	if errors.Is(err, repository.ErrTrainNotFound) {
		return model.Reject("train %d does not exist", req.TrainID)
	}
	if err != nil {
		return model.Dependency("load train", err)
	}
	now := h.Clock.Now()
	if now.Before(t.SaleTime) {
		return model.Reject("train %s is not on sale yet", t.Number)
	}
	if !t.OnSale(now) {
		return model.Reject("train %s has departed", t.Number)
	}
	return nil
}

// StationOrder checks both stations are on the route in travel order.
type StationOrder struct {
	Catalog Catalog
}

func (StationOrder) Order() int { return 20 }

func (h StationOrder) Handle(ctx context.Context, req *model.PurchaseRequest) error {
	stops, err := h.Catalog.Stops(ctx, req.TrainID)
	if err != nil {
		return model.Dependency("load stops", err)
	}
	if _, err := route.Calculate(stops, req.Departure, req.Arrival); err != nil {
		return fmt.Errorf("%w: %w", model.ErrClientRejection, err)
	}
	return nil
}

// DistinctPassengers rejects a passenger listed twice.
type DistinctPassengers struct{}

func (DistinctPassengers) Order() int { return 30 }

func (DistinctPassengers) Handle(_ context.Context, req *model.PurchaseRequest) error {
	seen := make(map[string]bool, len(req.Passengers))
	for _, p := range req.Passengers {
		if seen[p.ID] {
			return model.Reject("passenger %s listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// NotAlreadyTicketed rejects passengers who already hold a ticket on the train.
type NotAlreadyTicketed struct {
	Tickets TicketCounter
}

func (NotAlreadyTicketed) Order() int { return 40 }

func (h NotAlreadyTicketed) Handle(ctx context.Context, req *model.PurchaseRequest) error {
	n, err := h.Tickets.CountActive(ctx, req.TrainID, req.PassengerIDs())
	if err != nil {
		return model.Dependency("count tickets", err)
	}
	if n > 0 {
		return model.Reject("a passenger already holds a ticket on this train")
	}
	return nil
}

// Purchase builds the purchase validation chain.
func Purchase(catalog Catalog, tickets TicketCounter, clk clock.Clock) *Pipeline[model.PurchaseRequest] {
	return New[model.PurchaseRequest](
		NotAlreadyTicketed{Tickets: tickets},
		StationOrder{Catalog: catalog},
		DistinctPassengers{},
		TrainOnSale{Catalog: catalog, Clock: clk},
		RequiredFields{},
	)
}
