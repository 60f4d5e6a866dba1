package model

import "strings"

// Seat identifies a physical seat in a carriage. The ledger stores one row
// per seat per leg; a Seat returned as available is free on every leg of
// the queried ride.
//
// Fields:
//
//	Carriage – carriage number, e.g. "03".
//	Number   – seat number inside the carriage, e.g. "07F" or "12".
//	Class    – seat class of the carriage.
type Seat struct {
	Carriage string    `json:"carriage_number"` // seat.carriage_number
	Number   string    `json:"seat_number"`     // seat.seat_number
	Class    SeatClass `json:"seat_class"`      // seat.seat_class
}

// Letter returns the trailing seat letter ("F" for "07F"), or "" for
// berths and seats numbered without letters.
func (s Seat) Letter() string {
	if s.Number == "" {
		return ""
	}
	last := s.Number[len(s.Number)-1]
	if last >= 'A' && last <= 'Z' || last >= 'a' && last <= 'z' {
		return strings.ToUpper(string(last))
	}
	return ""
}

// Row returns the seat number without its letter.
func (s Seat) Row() string {
	if s.Letter() == "" {
		return s.Number
	}
	return s.Number[:len(s.Number)-1]
}
