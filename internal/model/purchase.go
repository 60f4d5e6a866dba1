package model

// Passenger is one traveller in a purchase request.
type Passenger struct {
	ID    string    `json:"passenger_id"`
	Class SeatClass `json:"seat_class"`
}

// PurchaseRequest is the input of one purchase attempt.
type PurchaseRequest struct {
	TrainID     uint64      `json:"train_id"`
	Departure   string      `json:"departure"`
	Arrival     string      `json:"arrival"`
	Passengers  []Passenger `json:"passengers"`
	ChooseSeats []string    `json:"choose_seats,omitempty"` // preferred seat letters
	Username    string      `json:"-"`                      // set from the authenticated token
}

// Demand counts requested seats per class.
func (r PurchaseRequest) Demand() map[SeatClass]int {
	out := make(map[SeatClass]int)
	for _, p := range r.Passengers {
		out[p.Class]++
	}
	return out
}

// PassengerIDs returns the passenger ids in request order.
func (r PurchaseRequest) PassengerIDs() []string {
	ids := make([]string, len(r.Passengers))
	for i, p := range r.Passengers {
		ids[i] = p.ID
	}
	return ids
}

// Assignment binds one passenger to a concrete seat.
type Assignment struct {
	PassengerID string    `json:"passenger_id"`
	Carriage    string    `json:"carriage_number"`
	Seat        string    `json:"seat_number"`
	Class       SeatClass `json:"seat_class"`
	PriceCents  int64     `json:"price_cents"`
}

// AllocationResult holds one assignment per passenger of a request.
type AllocationResult struct {
	TrainID     uint64       `json:"train_id"`
	Departure   string       `json:"departure"`
	Arrival     string       `json:"arrival"`
	Assignments []Assignment `json:"assignments"`
}

// Demand counts allocated seats per class.
func (r *AllocationResult) Demand() map[SeatClass]int {
	out := make(map[SeatClass]int)
	for _, a := range r.Assignments {
		out[a.Class]++
	}
	return out
}

// Seats returns the allocated seats.
func (r *AllocationResult) Seats() []Seat {
	out := make([]Seat, len(r.Assignments))
	for i, a := range r.Assignments {
		out[i] = Seat{Carriage: a.Carriage, Number: a.Seat, Class: a.Class}
	}
	return out
}

// PurchaseResult is returned to the buyer after the order was created.
type PurchaseResult struct {
	OrderSN string `json:"order_sn"`
	AllocationResult
}
