package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jzx17/decodepool/internal/testutils"
	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
	"github.com/jzx17/decodepool/pkg/retry"
)

// recorder collects events delivered to a Listener
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "unit_online", EventUnitOnline.String())
	assert.Equal(t, "unit_error", EventUnitError.String())
	assert.Equal(t, "unit_exit", EventUnitExit.String())
	assert.Equal(t, "job_completed", EventJobCompleted.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}

func TestManager_ListenerSeesLifecycle(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestPool(t, 2, failOn("bad"), WithListener(rec))
	waitIdle(t, m, 2)

	online := rec.kinds(EventUnitOnline)
	require.Len(t, online, 2)
	assert.ElementsMatch(t, []int{0, 1}, []int{online[0].UnitID, online[1].UnitID})

	_, err := m.Decode(context.Background(), []byte("good"))
	require.NoError(t, err)

	completed := rec.kinds(EventJobCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Found)
	assert.Equal(t, []byte("good"), completed[0].Frames[0].Data)
	assert.Equal(t, uint64(1), completed[0].Stats.JobsProcessed)

	_, err = m.Decode(context.Background(), []byte("bad"))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return len(rec.kinds(EventUnitError)) == 1 && len(rec.kinds(EventUnitExit)) == 1
	}, waitFor, tick)
	failed := rec.kinds(EventUnitError)[0]
	assert.Contains(t, failed.Err.Error(), "cannot decode")
	assert.Equal(t, failed.UnitID, rec.kinds(EventUnitExit)[0].UnitID)
}

func TestManager_ResultForUnknownJob(t *testing.T) {
	rec := &recorder{}
	m, spawner := newTestPool(t, 1, testutils.Hold, WithListener(rec))
	waitIdle(t, m, 1)

	spawner.Units()[0].Reply("not-a-job", frame.Frame{Data: []byte("stray")})

	require.Eventually(t, func() bool {
		return len(rec.kinds(EventJobCompleted)) == 1
	}, waitFor, tick)
	ev := rec.kinds(EventJobCompleted)[0]
	assert.False(t, ev.Found)
	assert.Equal(t, "not-a-job", ev.JobID)
	assert.Zero(t, ev.Elapsed)

	stats := m.Statistics()
	assert.Zero(t, stats.JobsProcessed)
	assert.Equal(t, 1, stats.IdleUnits)
}

func TestManager_Subscribe(t *testing.T) {
	m, _ := newTestPool(t, 1, testutils.Echo)
	waitIdle(t, m, 1)

	events, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	_, err := m.Decode(context.Background(), []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventJobCompleted, ev.Kind)
		assert.True(t, ev.Found)
	case <-time.After(waitFor):
		t.Fatal("no event received")
	}

	require.NoError(t, m.Terminate(context.Background()))
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-time.After(waitFor):
			t.Fatal("subscription not closed after terminate")
		}
	}
}

func TestManager_SlowSubscriberDropsEvents(t *testing.T) {
	m, _ := newTestPool(t, 1, testutils.Echo)
	waitIdle(t, m, 1)

	events, unsubscribe := m.Subscribe(1)
	for i := 0; i < 3; i++ {
		_, err := m.Decode(context.Background(), []byte("x"))
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(2), m.Statistics().DroppedEvents)
	assert.Len(t, events, 1)

	unsubscribe()
	unsubscribe()
	_, ok := <-events
	assert.True(t, ok, "buffered event survives unsubscribe")
	_, ok = <-events
	assert.False(t, ok)
}

func TestManager_SubscribeAfterTerminate(t *testing.T) {
	m, _ := newTestPool(t, 1, testutils.Echo)
	require.NoError(t, m.Terminate(context.Background()))
	<-m.Done()

	events, unsubscribe := m.Subscribe(0)
	defer unsubscribe()
	_, ok := <-events
	assert.False(t, ok)
}

func TestManager_DecodeSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m, _ := newTestPool(t, 1, failOn("bad"), WithTracer(tp.Tracer("test")))

	_, err := m.Decode(context.Background(), []byte("good"))
	require.NoError(t, err)
	_, err = m.Decode(context.Background(), []byte("bad"))
	require.Error(t, err)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "decodepool.Decode", ok.Name)
	assert.Equal(t, codes.Unset, ok.Status.Code)
	attrs := attribute.NewSet(ok.Attributes...)
	v, found := attrs.Value("decode.payload_bytes")
	require.True(t, found)
	assert.Equal(t, int64(4), v.AsInt64())
	v, found = attrs.Value("decode.frames")
	require.True(t, found)
	assert.Equal(t, int64(1), v.AsInt64())
	_, found = attrs.Value("decode.job_id")
	assert.True(t, found)

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status.Code)
	require.NotEmpty(t, failed.Events)
	assert.Equal(t, "exception", failed.Events[0].Name)
}

func TestWithPoolSettings(t *testing.T) {
	keep := false
	o := DefaultOptions()
	WithPoolSettings(config.PoolSettings{
		StartupDelay:      time.Second,
		SpawnAttempts:     9,
		TerminateInFlight: &keep,
	})(o)

	assert.Equal(t, time.Second, o.StartupDelay)
	assert.Equal(t, 15*time.Millisecond, o.ReplaceDelay)
	assert.Equal(t, 9, o.SpawnAttempts)
	assert.False(t, o.TerminateFailsInFlight)
	assert.IsType(t, &retry.ExponentialBackoff{}, o.SpawnBackoff)

	WithPoolSettings(config.PoolSettings{SpawnBackoff: "decorrelated"})(o)
	assert.IsType(t, &retry.DecorrelatedJitterBackoff{}, o.SpawnBackoff)

	// invalid names keep the current strategy
	WithPoolSettings(config.PoolSettings{SpawnBackoff: "linear"})(o)
	assert.IsType(t, &retry.DecorrelatedJitterBackoff{}, o.SpawnBackoff)
}

func TestOptions_Normalize(t *testing.T) {
	o := &Options{StartupDelay: -time.Second, EventBuffer: -1}
	o.normalize()

	assert.NotNil(t, o.Spawner)
	assert.NotNil(t, o.Clock)
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.Tracer)
	assert.NotNil(t, o.SpawnBackoff)
	assert.Equal(t, 5, o.SpawnAttempts)
	assert.Zero(t, o.StartupDelay)
	assert.Zero(t, o.EventBuffer)
}

func TestListenerFunc(t *testing.T) {
	var got Event
	var l Listener = ListenerFunc(func(ev Event) { got = ev })
	l.OnEvent(Event{Kind: EventUnitExit, Code: 3, Err: errors.New("x")})
	assert.Equal(t, 3, got.Code)
}
