// Package retry provides the backoff strategies used to pace unit respawns.
//
// A BackoffStrategy maps an attempt number to a delay. A Schedule bounds a
// strategy to a maximum number of consecutive attempts and tracks where the
// caller is in that sequence:
//
//	s := retry.NewSchedule(retry.NewExponentialBackoff(15*time.Millisecond), 5)
//	for {
//		delay, ok := s.Next()
//		if !ok {
//			break // give up
//		}
//		...
//	}
//
// Jitter functions (FullJitter, EqualJitter, ExponentialJitter) can be applied
// to the fixed and exponential strategies with WithJitter.
package retry
