// Package allocation turns an admitted purchase into concrete seats. Seat
// picking is delegated to a Strategy registered per (train type, seat
// class).
package allocation

import (
	"fmt"
	"sort"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// Key identifies a strategy.
type Key struct {
	Train model.TrainType
	Class model.SeatClass
}

func (k Key) String() string { return k.Train.String() + "/" + k.Class.String() }

// Registry maps keys to strategies. It is filled at startup and read-only
// afterwards.
type Registry struct {
	strategies map[Key]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[Key]Strategy)}
}

// Register binds a strategy to (train type, class), replacing any earlier one.
func (r *Registry) Register(train model.TrainType, class model.SeatClass, s Strategy) *Registry {
	r.strategies[Key{Train: train, Class: class}] = s
	return r
}

// Lookup fails with model.ErrUnsupportedTrainType for unknown combinations.
func (r *Registry) Lookup(train model.TrainType, class model.SeatClass) (Strategy, error) {
	s, ok := r.strategies[Key{Train: train, Class: class}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedTrainType, Key{Train: train, Class: class})
	}
	return s, nil
}

// Validate checks that every combination in sold has a strategy, so a
// misconfigured deployment fails at startup rather than on a purchase.
func (r *Registry) Validate(sold map[model.TrainType][]model.SeatClass) error {
	var missing []string
	for train, classes := range sold {
		for _, class := range classes {
			if _, err := r.Lookup(train, class); err != nil {
				missing = append(missing, Key{Train: train, Class: class}.String())
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: no strategy for %v", model.ErrUnsupportedTrainType, missing)
	}
	return nil
}

// Sold lists the seat classes each train type sells.
var Sold = map[model.TrainType][]model.SeatClass{
	model.TrainHighSpeed: {model.ClassBusiness, model.ClassFirst, model.ClassSecond},
	model.TrainBullet:    {model.ClassFirst, model.ClassSecond, model.ClassSoftSleeper},
	model.TrainRegular:   {model.ClassSoftSleeper, model.ClassHardSleeper, model.ClassHardSeat},
}

// DefaultRegistry registers the carriage layouts in service.
func DefaultRegistry() *Registry {
	business := RowLayout{Letters: []string{"A", "C", "F"}}
	first := RowLayout{Letters: []string{"A", "C", "D", "F"}}
	second := RowLayout{Letters: []string{"A", "B", "C", "D", "F"}}
	return NewRegistry().
		Register(model.TrainHighSpeed, model.ClassBusiness, business).
		Register(model.TrainHighSpeed, model.ClassFirst, first).
		Register(model.TrainHighSpeed, model.ClassSecond, second).
		Register(model.TrainBullet, model.ClassFirst, first).
		Register(model.TrainBullet, model.ClassSecond, second).
		Register(model.TrainBullet, model.ClassSoftSleeper, Berths{}).
		Register(model.TrainRegular, model.ClassSoftSleeper, Berths{}).
		Register(model.TrainRegular, model.ClassHardSleeper, Berths{}).
		Register(model.TrainRegular, model.ClassHardSeat, Berths{})
}
