package pool

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
	"github.com/jzx17/decodepool/pkg/retry"
	"github.com/jzx17/decodepool/pkg/types"
)

// Manager dispatches decode jobs to a self-healing pool of units.
//
// All pool state is owned by one control goroutine. Public methods and unit
// events reach it over channels; read-only getters use a snapshot published
// after every handled message.
type Manager struct {
	opts   *Options
	logger *zap.Logger
	tracer trace.Tracer
	bus    *bus

	commands   chan command
	unitEvents chan unitEvent
	timers     chan timerEvent
	done       chan struct{}

	// spawnCtx is passed to the spawner and cancelled when the loop ends
	spawnCtx    context.Context
	spawnCancel context.CancelFunc

	terminated atomic.Bool
	snapshot   atomic.Pointer[Statistics]
	cfgSnap    atomic.Pointer[config.Configuration]

	// owned by the control goroutine
	cfg        config.Configuration
	all        map[int]*unitHandle
	idle       []*unitHandle
	retired    map[int]*unitHandle
	jobs       map[string]*job
	waiting    *waitQueue
	stats      Statistics
	nextUnitID int
	scheduled  int
	spawns     *retry.Schedule
	exhausted  bool

	answers          []answer
	terminating      bool
	finished         bool
	terminateWaiters []chan struct{}
}

// New validates cfg, creates PoolSize units and starts the control goroutine
func New(cfg config.Configuration, opts ...Option) (*Manager, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.normalize()

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	spawnCtx, spawnCancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:        o,
		logger:      o.Logger.Named("pool"),
		tracer:      o.Tracer,
		bus:         newBus(),
		commands:    make(chan command),
		unitEvents:  make(chan unitEvent, 64),
		timers:      make(chan timerEvent, 16),
		done:        make(chan struct{}),
		spawnCtx:    spawnCtx,
		spawnCancel: spawnCancel,
		cfg:         cfg,
		all:         make(map[int]*unitHandle),
		retired:     make(map[int]*unitHandle),
		jobs:        make(map[string]*job),
		waiting:     newWaitQueue(),
		spawns:      retry.NewSchedule(o.SpawnBackoff, o.SpawnAttempts),
	}
	snap := cfg.Clone()
	m.cfgSnap.Store(&snap)

	// the control goroutine is not running yet, so the initial units are
	// created here and their startup timers exist when New returns
	for i := 0; i < cfg.PoolSize; i++ {
		m.spawnUnit()
	}
	m.publishStats()

	m.logger.Info("pool started",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Stringer("mode", cfg.OperationMode),
		zap.Int("units", len(m.all)))

	go m.run()
	return m, nil
}

// Decode submits buf and waits for its frames. It fails with
// types.ErrNoAvailableUnits once the pool is terminated and returns
// ctx.Err() if ctx ends first.
func (m *Manager) Decode(ctx context.Context, buf []byte) ([]frame.Frame, error) {
	ctx, span := m.tracer.Start(ctx, "decodepool.Decode",
		trace.WithAttributes(attribute.Int("decode.payload_bytes", len(buf))))
	defer span.End()

	res := m.await(ctx, m.submit(ctx, buf))
	if res.JobID != "" {
		span.SetAttributes(attribute.String("decode.job_id", res.JobID))
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return nil, res.Err
	}
	span.SetAttributes(
		attribute.Int("decode.frames", len(res.Frames)),
		attribute.Int64("decode.elapsed_us", res.Elapsed.Microseconds()))
	return res.Frames, nil
}

// DecodeAsync submits buf and returns a channel that receives exactly one
// Result. Cancelling ctx while the request waits for a unit settles it with
// ctx.Err(); after dispatch the job runs to completion.
func (m *Manager) DecodeAsync(ctx context.Context, buf []byte) <-chan Result {
	return m.submit(ctx, buf).result
}

// DecodeBatch decodes bufs one after another. Items that fail are logged
// and left out, so the result may be shorter than bufs.
func (m *Manager) DecodeBatch(ctx context.Context, bufs [][]byte) [][]frame.Frame {
	results := make([][]frame.Frame, 0, len(bufs))
	for i, buf := range bufs {
		frames, err := m.Decode(ctx, buf)
		if err != nil {
			m.logger.Warn("batch item dropped",
				zap.Int("index", i),
				zap.Int("bytes", len(buf)),
				zap.Error(err))
			continue
		}
		results = append(results, frames)
	}
	return results
}

func (m *Manager) submit(ctx context.Context, buf []byte) *request {
	req := newRequest(ctx, buf, m.opts.Clock.Now())
	if m.terminated.Load() {
		req.settle(Result{Err: types.ErrNoAvailableUnits})
		return req
	}

	select {
	case m.commands <- submitCmd{req: req}:
	case <-m.done:
		req.settle(Result{Err: types.ErrNoAvailableUnits})
	}
	return req
}

func (m *Manager) await(ctx context.Context, req *request) Result {
	select {
	case res := <-req.result:
		return res
	case <-ctx.Done():
	}

	// the loop may have settled the request in the meantime
	select {
	case m.commands <- cancelCmd{req: req}:
	case <-m.done:
	case res := <-req.result:
		return res
	}
	return Result{Err: ctx.Err()}
}

// UpdateConfiguration merges patch into the pool configuration and sends it
// to every live unit without waiting for acknowledgment. Busy units receive
// the latest configuration before their next job.
func (m *Manager) UpdateConfiguration(patch config.Patch) error {
	reply := make(chan error, 1)
	select {
	case m.commands <- configureCmd{patch: patch, reply: reply}:
	case <-m.done:
		return types.ErrPoolTerminated
	}
	return <-reply
}

// Terminate shuts every unit down and waits for all of them to exit. It
// has no deadline of its own: when ctx ends first, the remaining units are
// killed and ctx.Err() is returned. Concurrent and repeated calls are safe.
func (m *Manager) Terminate(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case m.commands <- terminateCmd{reply: reply}:
	case <-m.done:
		return nil
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
	}

	m.logger.Warn("terminate deadline reached, killing remaining units", zap.Error(ctx.Err()))
	select {
	case m.commands <- forceCmd{}:
	case <-m.done:
	}
	<-m.done
	return ctx.Err()
}

// Done is closed once the pool has terminated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Subscribe returns a channel of pool events and a function that ends the
// subscription. Events are dropped when the channel is full. A buffer of 0
// or less uses the pool's default.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = m.opts.EventBuffer
	}
	return m.bus.subscribe(buffer)
}

// Statistics returns the latest statistics snapshot
func (m *Manager) Statistics() Statistics {
	s := *m.snapshot.Load()
	s.DroppedEvents = m.bus.dropped.Load()
	return s
}

// ActiveUnitCount returns the number of live units
func (m *Manager) ActiveUnitCount() int {
	return m.snapshot.Load().ActiveUnits
}

// QueuedJobCount returns the number of requests admitted so far
func (m *Manager) QueuedJobCount() int {
	return int(m.snapshot.Load().QueuedJobs)
}

// IsHealthy reports whether the pool has live units and is not terminated
func (m *Manager) IsHealthy() bool {
	s := m.snapshot.Load()
	return !s.Terminated && s.ActiveUnits > 0
}

// Configuration returns the current pool configuration
func (m *Manager) Configuration() config.Configuration {
	return m.cfgSnap.Load().Clone()
}

// IsTerminated reports whether Terminate has been called
func (m *Manager) IsTerminated() bool {
	return m.terminated.Load()
}
