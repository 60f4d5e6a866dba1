package allocation

import (
	"strings"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// Strategy picks seats for the passengers of one class from the seats
// that are free on the whole ride. It may return fewer seats than
// passengers when not enough are free; it never returns more.
type Strategy interface {
	Select(free []model.Seat, passengers int, choose []string) []model.Seat
}

// RowLayout allocates carriages with lettered seats per row, such as
// A B C D F in second class. A party gets a single row if any carriage has
// one free, else a single carriage, else seats spread over carriages. Chosen letters are
// honoured when a single carriage can satisfy all of them.
type RowLayout struct {
	Letters []string
}

// Berths allocates numbered berths or seats without letters, keeping a
// party in one carriage when possible.
type Berths struct{}

func (Berths) Select(free []model.Seat, passengers int, _ []string) []model.Seat {
	return fill(byCarriage(free), passengers)
}

func (l RowLayout) Select(free []model.Seat, passengers int, choose []string) []model.Seat {
	carriages := byCarriage(free)
	if want := l.validChoice(choose, passengers); len(want) > 0 {
		for _, seats := range carriages {
			if picked := pickLetters(seats, want, passengers); picked != nil {
				return picked
			}
		}
	}
	for _, seats := range carriages {
		for _, row := range byRow(seats) {
			if len(row) >= passengers {
				return row[:passengers]
			}
		}
	}
	return fill(carriages, passengers)
}

// validChoice upper-cases choose and drops it entirely if it names a
// letter the layout does not have or more seats than passengers.
func (l RowLayout) validChoice(choose []string, passengers int) []string {
	if len(choose) == 0 || len(choose) > passengers {
		return nil
	}
	out := make([]string, len(choose))
	for i, c := range choose {
		c = strings.ToUpper(strings.TrimSpace(c))
		if !contains(l.Letters, c) {
			return nil
		}
		out[i] = c
	}
	return out
}

// pickLetters takes one seat per wanted letter from a carriage, row by
// row, then tops up with the carriage's other seats. It returns nil if the
// carriage cannot satisfy every letter and every passenger.
func pickLetters(seats []model.Seat, want []string, passengers int) []model.Seat {
	if len(seats) < passengers {
		return nil
	}
	left := append([]string(nil), want...)
	taken := make(map[int]bool)
	var picked []model.Seat
	for i, s := range seats {
		if j := indexOf(left, s.Letter()); j >= 0 {
			picked = append(picked, s)
			taken[i] = true
			left = append(left[:j], left[j+1:]...)
			if len(left) == 0 {
				break
			}
		}
	}
	if len(left) > 0 {
		return nil
	}
	for i, s := range seats {
		if len(picked) == passengers {
			break
		}
		if !taken[i] {
			picked = append(picked, s)
		}
	}
	return picked
}

// fill keeps the party in the first carriage with room, otherwise spreads
// it over carriages in order.
func fill(carriages [][]model.Seat, passengers int) []model.Seat {
	for _, seats := range carriages {
		if len(seats) >= passengers {
			return seats[:passengers]
		}
	}
	var out []model.Seat
	for _, seats := range carriages {
		for _, s := range seats {
			if len(out) == passengers {
				return out
			}
			out = append(out, s)
		}
	}
	return out
}

// byCarriage groups seats by carriage, keeping input order.
func byCarriage(seats []model.Seat) [][]model.Seat {
	return group(seats, func(s model.Seat) string { return s.Carriage })
}

func byRow(seats []model.Seat) [][]model.Seat {
	return group(seats, func(s model.Seat) string { return s.Row() })
}

func group(seats []model.Seat, key func(model.Seat) string) [][]model.Seat {
	idx := make(map[string]int)
	var out [][]model.Seat
	for _, s := range seats {
		k := key(s)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], s)
	}
	return out
}

func indexOf(xs []string, x string) int {
	if x == "" {
		return -1
	}
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

func contains(xs []string, x string) bool { return indexOf(xs, x) >= 0 }
