package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockTime_AddCarriesIntoSeconds(t *testing.T) {
	c := ClockTime{Seconds: 1, Nanos: 900_000_000}

	got := c.Add(250 * time.Millisecond)
	assert.Equal(t, ClockTime{Seconds: 2, Nanos: 150_000_000}, got)

	assert.Equal(t, c, c.Add(-time.Second), "negative durations are ignored")
}

func TestClockTime_Ordering(t *testing.T) {
	tests := []struct {
		name string
		a, b ClockTime
		want bool
	}{
		{"earlier second", ClockTime{Seconds: 1, Nanos: 999}, ClockTime{Seconds: 2}, true},
		{"same second earlier nanos", ClockTime{Seconds: 2, Nanos: 1}, ClockTime{Seconds: 2, Nanos: 2}, true},
		{"equal", ClockTime{Seconds: 3}, ClockTime{Seconds: 3}, false},
		{"later", ClockTime{Seconds: 4}, ClockTime{Seconds: 3, Nanos: 999_999_999}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Before(tt.b))
		})
	}
}

func TestClockTime_Conversions(t *testing.T) {
	c := ClockFromNanos(3*TicksPerSecond + 42_500_000)

	assert.Equal(t, uint32(3), c.Seconds)
	assert.Equal(t, uint32(42_500_000), c.Nanos)
	assert.Equal(t, uint64(3*TicksPerSecond+42_500_000), c.TotalNanos())
	assert.Equal(t, uint64(3042), c.Millis())
	assert.Equal(t, "3:042500000", c.String())
}
