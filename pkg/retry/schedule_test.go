package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedule(t *testing.T) {
	s := NewSchedule(NewExponentialBackoff(15*time.Millisecond), 4)
	assert.Equal(t, 4, s.MaxAttempts())

	var delays []time.Duration
	for {
		d, ok := s.Next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{
		15 * time.Millisecond,
		30 * time.Millisecond,
		60 * time.Millisecond,
	}, delays)
	assert.True(t, s.Exhausted())
	assert.Equal(t, 4, s.Attempts())

	s.Reset()
	assert.False(t, s.Exhausted())
	d, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, 15*time.Millisecond, d)
}

func TestSchedule_SingleAttempt(t *testing.T) {
	for _, max := range []int{0, 1} {
		s := NewSchedule(NewFixedBackoff(time.Millisecond), max)
		_, ok := s.Next()
		assert.False(t, ok)
		assert.True(t, s.Exhausted())
	}
}
