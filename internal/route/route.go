// Package route maps a train's stop sequence and a requested ride onto the
// station-pair segments whose seat counters it touches.
package route

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownStation = errors.New("station not on route")
	ErrInvalidOrder   = errors.New("departure must come before arrival")
)

// Segment is an ordered station pair along a route.
type Segment struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s Segment) String() string { return s.From + "-" + s.To }

// Plan describes the segments relevant to a ride from Departure to Arrival.
type Plan struct {
	Departure string
	Arrival   string
	// Legs are the adjacent hops the passenger physically rides.
	Legs []Segment
	// Through holds every station pair inside the ride, Legs included.
	Through []Segment
	// Takeout holds every station pair of the whole route that shares at
	// least one leg with the ride. Selling the ride removes one seat from
	// each of them.
	Takeout []Segment
}

// Ride returns the requested station pair.
func (p Plan) Ride() Segment { return Segment{From: p.Departure, To: p.Arrival} }

// Calculate builds the Plan for a ride over stops.
func Calculate(stops []string, departure, arrival string) (Plan, error) {
	start, end := index(stops, departure), index(stops, arrival)
	if start < 0 {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownStation, departure)
	}
	if end < 0 {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownStation, arrival)
	}
	if start >= end {
		return Plan{}, fmt.Errorf("%w: %s -> %s", ErrInvalidOrder, departure, arrival)
	}
	p := Plan{Departure: departure, Arrival: arrival}
	for i := start; i < end; i++ {
		p.Legs = append(p.Legs, Segment{From: stops[i], To: stops[i+1]})
	}
	for i := start; i < end; i++ {
		for j := i + 1; j <= end; j++ {
			p.Through = append(p.Through, Segment{From: stops[i], To: stops[j]})
		}
	}
	for i := 0; i < end; i++ {
		for j := max(i+1, start+1); j < len(stops); j++ {
			p.Takeout = append(p.Takeout, Segment{From: stops[i], To: stops[j]})
		}
	}
	return p, nil
}

// All returns every station pair of a route, in stop order.
func All(stops []string) []Segment {
	var out []Segment
	for i := 0; i < len(stops); i++ {
		for j := i + 1; j < len(stops); j++ {
			out = append(out, Segment{From: stops[i], To: stops[j]})
		}
	}
	return out
}

// index returns the first position of station, or -1.
func index(stops []string, station string) int {
	for i, s := range stops {
		if s == station {
			return i
		}
	}
	return -1
}
