package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceRunsDueCallbacksInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var got []string
	c.AfterFunc(10*time.Second, func() { got = append(got, "late") })
	c.AfterFunc(5*time.Second, func() { got = append(got, "early") })
	stopped := c.AfterFunc(7*time.Second, func() { got = append(got, "stopped") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(6 * time.Second)
	assert.Equal(t, []string{"early"}, got)
	assert.Equal(t, 1, c.Pending())

	c.Advance(4 * time.Second)
	assert.Equal(t, []string{"early", "late"}, got)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, start.Add(10*time.Second), c.Now())
}
