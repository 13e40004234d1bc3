package pool

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/retry"
	"github.com/jzx17/decodepool/pkg/types"
	"github.com/jzx17/decodepool/pkg/unit"
)

// Options defines the tuning of a Manager
type Options struct {
	// Spawner creates units, defaults to in-process frame decoding units
	Spawner unit.Spawner

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	Logger *zap.Logger
	Tracer trace.Tracer

	// StartupDelay is the time between spawning a unit and admitting it to the idle set
	StartupDelay time.Duration

	// ReplaceDelay is the time between a unit failure and spawning its replacement
	ReplaceDelay time.Duration

	// SpawnBackoff paces retries after a spawner error
	SpawnBackoff retry.BackoffStrategy

	// SpawnAttempts is the number of consecutive spawner errors tolerated
	// before the pool reports exhaustion
	SpawnAttempts int

	// Listeners are called synchronously on the control goroutine for every event
	Listeners []Listener

	// EventBuffer is the default channel size for Subscribe
	EventBuffer int

	// IsolatedJobs makes every job start from an empty decoder, so bytes left
	// unframed by one payload never prefix the next
	IsolatedJobs bool

	// TerminateFailsInFlight settles jobs still pending on units that exit
	// during Terminate with ErrPoolTerminated. When false they are left to
	// the caller's context.
	TerminateFailsInFlight bool
}

// DefaultOptions returns default options
func DefaultOptions() *Options {
	return &Options{
		Spawner:                unit.NewLocalSpawner(),
		Clock:                  types.NewRealClock(),
		Logger:                 zap.NewNop(),
		Tracer:                 noop.NewTracerProvider().Tracer("decodepool"),
		StartupDelay:           10 * time.Millisecond,
		ReplaceDelay:           15 * time.Millisecond,
		SpawnBackoff:           retry.NewExponentialBackoff(15*time.Millisecond, retry.WithMaxDelay(time.Second)),
		SpawnAttempts:          5,
		EventBuffer:            64,
		TerminateFailsInFlight: true,
	}
}

// Option configures a Manager
type Option func(*Options)

// WithSpawner sets the unit spawner
func WithSpawner(spawner unit.Spawner) Option {
	return func(o *Options) {
		o.Spawner = spawner
	}
}

// WithClock sets the clock used for delays and processing times
func WithClock(clock types.Clock) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithTracer sets the tracer used for decode spans
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = tracer
	}
}

// WithStartupDelay sets the unit startup delay
func WithStartupDelay(d time.Duration) Option {
	return func(o *Options) {
		o.StartupDelay = d
	}
}

// WithReplaceDelay sets the delay before a failed unit is replaced
func WithReplaceDelay(d time.Duration) Option {
	return func(o *Options) {
		o.ReplaceDelay = d
	}
}

// WithSpawnBackoff sets the spawner retry pacing and attempt bound
func WithSpawnBackoff(strategy retry.BackoffStrategy, maxAttempts int) Option {
	return func(o *Options) {
		o.SpawnBackoff = strategy
		o.SpawnAttempts = maxAttempts
	}
}

// WithListener registers a synchronous event listener
func WithListener(l Listener) Option {
	return func(o *Options) {
		o.Listeners = append(o.Listeners, l)
	}
}

// WithEventBuffer sets the default subscriber channel size
func WithEventBuffer(n int) Option {
	return func(o *Options) {
		o.EventBuffer = n
	}
}

// WithIsolatedJobs decodes every payload independently of earlier ones
func WithIsolatedJobs(isolated bool) Option {
	return func(o *Options) {
		o.IsolatedJobs = isolated
	}
}

// WithTerminateFailsInFlight controls how Terminate settles in-flight jobs
func WithTerminateFailsInFlight(fail bool) Option {
	return func(o *Options) {
		o.TerminateFailsInFlight = fail
	}
}

// WithPoolSettings applies the pool section of a configuration file
func WithPoolSettings(s config.PoolSettings) Option {
	return func(o *Options) {
		if s.StartupDelay > 0 {
			o.StartupDelay = s.StartupDelay
		}
		if s.ReplaceDelay > 0 {
			o.ReplaceDelay = s.ReplaceDelay
		}
		if s.SpawnAttempts > 0 {
			o.SpawnAttempts = s.SpawnAttempts
		}
		if s.TerminateInFlight != nil {
			o.TerminateFailsInFlight = *s.TerminateInFlight
		}
		// config.Parse rejects settings that fail to build
		if strategy, err := s.SpawnStrategy(); err == nil && strategy != nil {
			o.SpawnBackoff = strategy
		}
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.Spawner == nil {
		o.Spawner = d.Spawner
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.Tracer == nil {
		o.Tracer = d.Tracer
	}
	if o.SpawnBackoff == nil {
		o.SpawnBackoff = d.SpawnBackoff
	}
	if o.SpawnAttempts <= 0 {
		o.SpawnAttempts = d.SpawnAttempts
	}
	if o.EventBuffer < 0 {
		o.EventBuffer = 0
	}
	if o.StartupDelay < 0 {
		o.StartupDelay = 0
	}
	if o.ReplaceDelay < 0 {
		o.ReplaceDelay = 0
	}
}
