package retry

import "time"

// Schedule bounds a BackoffStrategy to a number of consecutive attempts.
// It is not safe for concurrent use.
type Schedule struct {
	strategy    BackoffStrategy
	maxAttempts int
	attempt     int
}

// NewSchedule creates a Schedule allowing maxAttempts attempts. A
// non-positive maxAttempts allows one.
func NewSchedule(strategy BackoffStrategy, maxAttempts int) *Schedule {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Schedule{strategy: strategy, maxAttempts: maxAttempts}
}

// Next records a failed attempt and returns the delay before the next one.
// It reports false once the attempts are used up.
func (s *Schedule) Next() (time.Duration, bool) {
	s.attempt++
	if s.attempt >= s.maxAttempts {
		return 0, false
	}
	return s.strategy.NextDelay(s.attempt), true
}

// Attempts returns the number of failed attempts since the last Reset
func (s *Schedule) Attempts() int {
	return s.attempt
}

// Exhausted reports whether every attempt has failed
func (s *Schedule) Exhausted() bool {
	return s.attempt >= s.maxAttempts
}

// MaxAttempts returns the attempt bound
func (s *Schedule) MaxAttempts() int {
	return s.maxAttempts
}

// Reset starts a new sequence after a success
func (s *Schedule) Reset() {
	s.attempt = 0
	s.strategy.Reset()
}
