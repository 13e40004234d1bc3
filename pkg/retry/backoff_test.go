package retry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedBackoff(t *testing.T) {
	delay := 100 * time.Millisecond
	backoff := NewFixedBackoff(delay)

	for _, attempt := range []int{1, 2, 3, 10} {
		assert.Equal(t, delay, backoff.NextDelay(attempt), "attempt %d", attempt)
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := NewExponentialBackoff(15*time.Millisecond,
		WithMultiplier(2.0),
		WithMaxDelay(100*time.Millisecond))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 15 * time.Millisecond},
		{2, 30 * time.Millisecond},
		{3, 60 * time.Millisecond},
		{4, 100 * time.Millisecond}, // capped
		{50, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoff_Defaults(t *testing.T) {
	backoff := NewExponentialBackoff(time.Second)

	assert.Equal(t, backoff.NextDelay(1), backoff.NextDelay(0))
	assert.Equal(t, backoff.NextDelay(1), backoff.NextDelay(-3))
	assert.Equal(t, 2*time.Second, backoff.NextDelay(2))
	assert.Equal(t, 30*time.Second, backoff.NextDelay(1000))
}

func TestDecorrelatedJitterBackoff(t *testing.T) {
	base, capDelay := 10*time.Millisecond, 200*time.Millisecond
	backoff := NewDecorrelatedJitterBackoff(base, capDelay)

	for i := 1; i <= 50; i++ {
		d := backoff.NextDelay(i)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, capDelay)
	}

	backoff.Reset()
	d := backoff.NextDelay(1)
	assert.LessOrEqual(t, d, 3*base)
}

func TestJitterFunctions(t *testing.T) {
	delay := time.Second

	for i := 0; i < 100; i++ {
		full := FullJitter(delay)
		assert.GreaterOrEqual(t, full, time.Duration(0))
		assert.Less(t, full, delay)

		equal := EqualJitter(delay)
		assert.GreaterOrEqual(t, equal, delay/2)
		assert.Less(t, equal, delay)

		assert.GreaterOrEqual(t, ExponentialJitter(0.1)(delay), delay)
	}

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, EqualJitter(0))
	assert.Zero(t, ExponentialJitter(0.1)(0))
}

func TestFixedBackoff_WithJitter(t *testing.T) {
	delay := 100 * time.Millisecond
	backoff := NewFixedBackoff(delay, WithJitter(EqualJitter))

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		d := backoff.NextDelay(1)
		seen[d] = true
		assert.GreaterOrEqual(t, d, delay/2)
		assert.LessOrEqual(t, d, delay)
	}
	assert.Greater(t, len(seen), 1, "jitter should vary the delay")
}

func TestBackoffReset(t *testing.T) {
	strategies := []BackoffStrategy{
		NewFixedBackoff(100 * time.Millisecond),
		NewExponentialBackoff(100 * time.Millisecond),
		NewDecorrelatedJitterBackoff(100*time.Millisecond, time.Second),
	}

	for i, strategy := range strategies {
		t.Run(fmt.Sprintf("strategy_%d", i), func(t *testing.T) {
			for j := 1; j <= 5; j++ {
				strategy.NextDelay(j)
			}
			strategy.Reset()
			assert.Positive(t, strategy.NextDelay(1))
		})
	}
}

func BenchmarkExponentialBackoff(b *testing.B) {
	backoff := NewExponentialBackoff(100*time.Millisecond, WithJitter(FullJitter))
	for i := 0; i < b.N; i++ {
		backoff.NextDelay(i%10 + 1)
	}
}
