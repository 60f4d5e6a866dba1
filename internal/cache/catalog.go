package cache

import (
	"context"
	"fmt"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// TrainSource is the ledger side of the catalog.
type TrainSource interface {
	GetByID(ctx context.Context, id uint64) (*model.Train, error)
	ListStops(ctx context.Context, trainID uint64) ([]model.Stop, error)
}

// Catalog serves train metadata and stop lists through the Store.
type Catalog struct {
	store  *Store
	src    TrainSource
	prefix string
}

func NewCatalog(store *Store, src TrainSource, prefix string) *Catalog {
	return &Catalog{store: store, src: src, prefix: prefix}
}

func (c *Catalog) trainKey(id uint64) string { return fmt.Sprintf("%s:train:%d", c.prefix, id) }
func (c *Catalog) stopsKey(id uint64) string { return fmt.Sprintf("%s:stops:%d", c.prefix, id) }

// Train returns the train with the given id.
func (c *Catalog) Train(ctx context.Context, id uint64) (*model.Train, error) {
	t, err := SafeGet(ctx, c.store, c.trainKey(id), func(ctx context.Context) (model.Train, error) {
		t, err := c.src.GetByID(ctx, id)
		if err != nil {
			return model.Train{}, err
		}
		return *t, nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Stops returns the station names of a train in stop order.
func (c *Catalog) Stops(ctx context.Context, id uint64) ([]string, error) {
	return SafeGet(ctx, c.store, c.stopsKey(id), func(ctx context.Context) ([]string, error) {
		stops, err := c.src.ListStops(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(stops) == 0 {
			return nil, fmt.Errorf("train %d has no stops", id)
		}
		return model.StationNames(stops), nil
	})
}
