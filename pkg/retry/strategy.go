package retry

import (
	"fmt"
	"strings"
	"time"
)

// Strategy names accepted by NewStrategy
const (
	StrategyFixed        = "fixed"
	StrategyExponential  = "exponential"
	StrategyDecorrelated = "decorrelated"
)

// ParseJitter returns the jitter function called name: none, full, equal or
// exponential. The empty name means none.
func ParseJitter(name string) (JitterFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, nil
	case "full":
		return FullJitter, nil
	case "equal":
		return EqualJitter, nil
	case "exponential":
		return ExponentialJitter(0.5), nil
	default:
		return nil, fmt.Errorf("unknown jitter %q", name)
	}
}

// NewStrategy builds the strategy called kind, exponential when kind is
// empty. A zero maxDelay keeps the strategy's own cap. Decorrelated backoff
// is random already and takes no jitter.
func NewStrategy(kind string, base, maxDelay time.Duration, jitter JitterFunc) (BackoffStrategy, error) {
	if base <= 0 {
		return nil, fmt.Errorf("base delay must be positive, got %s", base)
	}
	if maxDelay < 0 {
		return nil, fmt.Errorf("max delay must not be negative, got %s", maxDelay)
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case StrategyFixed:
		return NewFixedBackoff(base, WithJitter(jitter)), nil
	case "", StrategyExponential:
		opts := []Option{WithJitter(jitter)}
		if maxDelay > 0 {
			opts = append(opts, WithMaxDelay(maxDelay))
		}
		return NewExponentialBackoff(base, opts...), nil
	case StrategyDecorrelated:
		if jitter != nil {
			return nil, fmt.Errorf("%s backoff takes no jitter", StrategyDecorrelated)
		}
		if maxDelay == 0 {
			maxDelay = buildOptions(nil).maxDelay
		}
		return NewDecorrelatedJitterBackoff(base, maxDelay), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", kind)
	}
}
