package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJitter(t *testing.T) {
	for _, name := range []string{"", "none", " NONE "} {
		j, err := ParseJitter(name)
		require.NoError(t, err, name)
		assert.Nil(t, j, name)
	}

	delay := 100 * time.Millisecond
	full, err := ParseJitter("full")
	require.NoError(t, err)
	assert.Less(t, full(delay), delay)

	equal, err := ParseJitter("Equal")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		d := equal(delay)
		assert.GreaterOrEqual(t, d, delay/2)
		assert.Less(t, d, delay)
	}

	exp, err := ParseJitter("exponential")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, exp(delay), delay)

	_, err = ParseJitter("gaussian")
	assert.ErrorContains(t, err, "gaussian")
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy("fixed", 20*time.Millisecond, 0, nil)
	require.NoError(t, err)
	assert.IsType(t, &FixedBackoff{}, s)
	assert.Equal(t, 20*time.Millisecond, s.NextDelay(7))

	s, err = NewStrategy("", 10*time.Millisecond, 40*time.Millisecond, nil)
	require.NoError(t, err)
	assert.IsType(t, &ExponentialBackoff{}, s)
	assert.Equal(t, 20*time.Millisecond, s.NextDelay(2))
	assert.Equal(t, 40*time.Millisecond, s.NextDelay(10))

	s, err = NewStrategy("exponential", 10*time.Millisecond, 0, EqualJitter)
	require.NoError(t, err)
	d := s.NextDelay(1)
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	assert.Less(t, d, 10*time.Millisecond)

	s, err = NewStrategy("decorrelated", 5*time.Millisecond, 50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.IsType(t, &DecorrelatedJitterBackoff{}, s)
	for i := 1; i <= 20; i++ {
		d := s.NextDelay(i)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestNewStrategy_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		base     time.Duration
		maxDelay time.Duration
		jitter   JitterFunc
		want     string
	}{
		{"unknown kind", "linear", time.Millisecond, 0, nil, "linear"},
		{"zero base", "fixed", 0, 0, nil, "base delay"},
		{"negative cap", "exponential", time.Millisecond, -time.Second, nil, "max delay"},
		{"jittered decorrelated", "decorrelated", time.Millisecond, 0, FullJitter, "no jitter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStrategy(tt.kind, tt.base, tt.maxDelay, tt.jitter)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
