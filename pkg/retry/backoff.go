package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines the backoff strategy interface
type BackoffStrategy interface {
	// NextDelay calculates the delay before the given attempt, starting at 1
	NextDelay(attempt int) time.Duration

	// Reset resets the backoff state
	Reset()
}

// Option configures a backoff strategy
type Option func(*options)

type options struct {
	multiplier float64
	maxDelay   time.Duration
	jitter     JitterFunc
}

// WithMultiplier sets the growth factor of an exponential backoff
func WithMultiplier(multiplier float64) Option {
	return func(o *options) {
		o.multiplier = multiplier
	}
}

// WithMaxDelay caps the delay of an exponential backoff
func WithMaxDelay(maxDelay time.Duration) Option {
	return func(o *options) {
		o.maxDelay = maxDelay
	}
}

// WithJitter applies jitter to every computed delay
func WithJitter(jitter JitterFunc) Option {
	return func(o *options) {
		o.jitter = jitter
	}
}

func buildOptions(opts []Option) options {
	o := options{
		multiplier: 2.0,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FixedBackoff waits the same delay before every attempt
type FixedBackoff struct {
	delay  time.Duration
	jitter JitterFunc
}

// NewFixedBackoff creates a fixed backoff strategy
func NewFixedBackoff(delay time.Duration, opts ...Option) *FixedBackoff {
	o := buildOptions(opts)
	return &FixedBackoff{delay: delay, jitter: o.jitter}
}

// NextDelay returns the fixed delay
func (b *FixedBackoff) NextDelay(int) time.Duration {
	if b.jitter != nil {
		return b.jitter(b.delay)
	}
	return b.delay
}

// Reset is a no-op, fixed backoff is stateless
func (b *FixedBackoff) Reset() {}

// ExponentialBackoff multiplies the delay after every attempt
type ExponentialBackoff struct {
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	jitter       JitterFunc
}

// NewExponentialBackoff creates an exponential backoff strategy. The
// multiplier defaults to 2 and the delay is capped at 30s.
func NewExponentialBackoff(initialDelay time.Duration, opts ...Option) *ExponentialBackoff {
	o := buildOptions(opts)
	return &ExponentialBackoff{
		initialDelay: initialDelay,
		multiplier:   o.multiplier,
		maxDelay:     o.maxDelay,
		jitter:       o.jitter,
	}
}

// NextDelay returns initialDelay * multiplier^(attempt-1), capped
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	raw := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt-1))
	delay := b.maxDelay
	if raw < float64(b.maxDelay) {
		delay = time.Duration(raw)
	}

	if b.jitter != nil {
		delay = b.jitter(delay)
	}
	return delay
}

// Reset is a no-op, exponential backoff is stateless
func (b *ExponentialBackoff) Reset() {}

// DecorrelatedJitterBackoff picks each delay at random between the base delay
// and three times the previous one
type DecorrelatedJitterBackoff struct {
	baseDelay time.Duration
	capDelay  time.Duration
	prevDelay time.Duration
}

// NewDecorrelatedJitterBackoff creates a decorrelated jitter backoff strategy
func NewDecorrelatedJitterBackoff(baseDelay, capDelay time.Duration) *DecorrelatedJitterBackoff {
	return &DecorrelatedJitterBackoff{
		baseDelay: baseDelay,
		capDelay:  capDelay,
		prevDelay: baseDelay,
	}
}

// NextDelay returns a random delay in [base, min(cap, 3*previous)]
func (b *DecorrelatedJitterBackoff) NextDelay(int) time.Duration {
	upper := b.prevDelay * 3
	if upper > b.capDelay {
		upper = b.capDelay
	}
	if upper <= b.baseDelay {
		b.prevDelay = b.baseDelay
		return b.baseDelay
	}

	delay := b.baseDelay + time.Duration(rand.Int63n(int64(upper-b.baseDelay)))
	b.prevDelay = delay
	return delay
}

// Reset restarts the sequence from the base delay
func (b *DecorrelatedJitterBackoff) Reset() {
	b.prevDelay = b.baseDelay
}

// JitterFunc randomizes a delay
type JitterFunc func(time.Duration) time.Duration

// FullJitter returns a random delay in [0, delay)
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay)))
}

// EqualJitter returns delay/2 plus a random share of the other half
func EqualJitter(delay time.Duration) time.Duration {
	half := delay / 2
	if half <= 0 {
		return 0
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

// ExponentialJitter adds exponentially distributed jitter scaled by factor
func ExponentialJitter(factor float64) JitterFunc {
	return func(delay time.Duration) time.Duration {
		if delay <= 0 {
			return 0
		}
		result := delay + time.Duration(rand.ExpFloat64()*float64(delay)*factor)
		if result < 0 {
			return delay / 2
		}
		return result
	}
}
