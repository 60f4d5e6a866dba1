package model

import (
	"fmt"
	"strings"
	"time"
)

// TrainType selects the carriage layout family of a train and, together
// with a seat class, the seat allocation strategy used for it.
type TrainType int

const (
	TrainHighSpeed TrainType = iota // G trains
	TrainBullet                     // D trains
	TrainRegular                    // K/T/Z trains
)

var trainTypeNames = map[TrainType]string{
	TrainHighSpeed: "HIGH_SPEED",
	TrainBullet:    "BULLET",
	TrainRegular:   "REGULAR",
}

func (t TrainType) String() string {
	if n, ok := trainTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TrainType(%d)", int(t))
}

// Train describes a scheduled run of a train.
//
// Fields:
//
//	ID            – primary key identifier.
//	Number        – public train number such as G1234.
//	Type          – carriage layout family.
//	SaleTime      – when tickets go on sale.
//	DepartureTime – departure from the first stop; sales close afterwards.
type Train struct {
	ID            uint64    `json:"id"`             // train.id
	Number        string    `json:"train_number"`   // train.train_number
	Type          TrainType `json:"train_type"`     // train.train_type
	SaleTime      time.Time `json:"sale_time"`      // train.sale_time
	DepartureTime time.Time `json:"departure_time"` // train.departure_time
}

// OnSale reports whether tickets can be bought at now.
func (t Train) OnSale(now time.Time) bool {
	return !now.Before(t.SaleTime) && now.Before(t.DepartureTime)
}

// Stop is one station in a train's fixed stop sequence.
type Stop struct {
	Sequence int    `json:"sequence"` // train_station.sequence
	Station  string `json:"station"`  // train_station.station
}

// StationNames returns the station names of stops in order.
func StationNames(stops []Stop) []string {
	out := make([]string, len(stops))
	for i, s := range stops {
		out[i] = s.Station
	}
	return out
}

// SeatClass is a fare/comfort tier with its own inventory per segment.
type SeatClass int

const (
	ClassBusiness SeatClass = iota
	ClassFirst
	ClassSecond
	ClassSoftSleeper
	ClassHardSleeper
	ClassHardSeat
)

var seatClassNames = map[SeatClass]string{
	ClassBusiness:    "BUSINESS",
	ClassFirst:       "FIRST",
	ClassSecond:      "SECOND",
	ClassSoftSleeper: "SOFT_SLEEPER",
	ClassHardSleeper: "HARD_SLEEPER",
	ClassHardSeat:    "HARD_SEAT",
}

func (c SeatClass) String() string {
	if n, ok := seatClassNames[c]; ok {
		return n
	}
	return fmt.Sprintf("SeatClass(%d)", int(c))
}

// Valid reports whether c is a known class.
func (c SeatClass) Valid() bool {
	_, ok := seatClassNames[c]
	return ok
}

// ParseSeatClass accepts the upper or lower case class name.
func ParseSeatClass(s string) (SeatClass, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for c, n := range seatClassNames {
		if n == up {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown seat class %q", s)
}

func (c SeatClass) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown seat class %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *SeatClass) UnmarshalText(b []byte) error {
	v, err := ParseSeatClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Price is the fare of one seat class between two stations.
type Price struct {
	Class SeatClass `json:"seat_class"`  // train_station_price.seat_class
	Cents int64     `json:"price_cents"` // train_station_price.price
}
