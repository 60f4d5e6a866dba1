package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stops = []string{"Beijing", "Jinan", "Nanjing", "Shanghai"}

func seg(from, to string) Segment { return Segment{From: from, To: to} }

func TestCalculate(t *testing.T) {
	t.Run("middle ride", func(t *testing.T) {
		p, err := Calculate(stops, "Jinan", "Shanghai")
		require.NoError(t, err)
		assert.Equal(t, seg("Jinan", "Shanghai"), p.Ride())
		assert.Equal(t, []Segment{seg("Jinan", "Nanjing"), seg("Nanjing", "Shanghai")}, p.Legs)
		assert.Equal(t, []Segment{
			seg("Jinan", "Nanjing"), seg("Jinan", "Shanghai"), seg("Nanjing", "Shanghai"),
		}, p.Through)
		assert.Equal(t, []Segment{
			seg("Beijing", "Nanjing"), seg("Beijing", "Shanghai"),
			seg("Jinan", "Nanjing"), seg("Jinan", "Shanghai"),
			seg("Nanjing", "Shanghai"),
		}, p.Takeout)
	})

	t.Run("single leg", func(t *testing.T) {
		p, err := Calculate(stops, "Beijing", "Jinan")
		require.NoError(t, err)
		assert.Equal(t, []Segment{seg("Beijing", "Jinan")}, p.Legs)
		assert.Equal(t, p.Legs, p.Through)
		// every pair starting at the origin overlaps the first leg
		assert.Equal(t, []Segment{
			seg("Beijing", "Jinan"), seg("Beijing", "Nanjing"), seg("Beijing", "Shanghai"),
		}, p.Takeout)
	})

	t.Run("whole route touches every pair", func(t *testing.T) {
		p, err := Calculate(stops, "Beijing", "Shanghai")
		require.NoError(t, err)
		assert.Len(t, p.Legs, 3)
		assert.ElementsMatch(t, All(stops), p.Takeout)
		assert.ElementsMatch(t, All(stops), p.Through)
	})

	t.Run("takeout always covers through", func(t *testing.T) {
		p, err := Calculate(stops, "Jinan", "Nanjing")
		require.NoError(t, err)
		assert.Subset(t, p.Takeout, p.Through)
		assert.NotContains(t, p.Takeout, seg("Beijing", "Jinan"))
		assert.NotContains(t, p.Takeout, seg("Nanjing", "Shanghai"))
	})
}

func TestCalculateErrors(t *testing.T) {
	cases := []struct {
		name     string
		from, to string
		want     error
	}{
		{"unknown departure", "Tianjin", "Shanghai", ErrUnknownStation},
		{"unknown arrival", "Beijing", "Hangzhou", ErrUnknownStation},
		{"reversed", "Shanghai", "Jinan", ErrInvalidOrder},
		{"same station", "Nanjing", "Nanjing", ErrInvalidOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Calculate(stops, tc.from, tc.to)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAll(t *testing.T) {
	assert.Len(t, All(stops), 6)
	assert.Empty(t, All(stops[:1]))
}
