package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/decodepool/internal/testutils"
	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
	"github.com/jzx17/decodepool/pkg/pool"
)

func TestListener_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := NewListener(reg, "test")

	l.OnEvent(pool.Event{Kind: pool.EventUnitOnline})
	l.OnEvent(pool.Event{Kind: pool.EventUnitOnline})
	l.OnEvent(pool.Event{Kind: pool.EventUnitError, Err: errors.New("boom")})
	l.OnEvent(pool.Event{Kind: pool.EventUnitExit, Code: 1})
	l.OnEvent(pool.Event{
		Kind:    pool.EventJobCompleted,
		Found:   true,
		Frames:  []frame.Frame{{}, {}},
		Elapsed: 2 * time.Millisecond,
		Stats:   pool.Statistics{WaitingJobs: 3, InFlightJobs: 1},
	})
	l.OnEvent(pool.Event{Kind: pool.EventJobCompleted})

	assert.Equal(t, 2.0, testutil.ToFloat64(l.unitsOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.unitErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.unitExits.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.jobs.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.jobs.WithLabelValues("false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.frames))
	assert.Equal(t, 1, testutil.CollectAndCount(l.jobDuration))

	// the last event carried an empty snapshot
	assert.Zero(t, testutil.ToFloat64(l.waitingJobs))
}

func TestListener_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewListener(reg, "test")
	assert.Panics(t, func() { NewListener(reg, "test") })
}

func TestStatsCollector(t *testing.T) {
	stats := pool.Statistics{
		UnitsCreated:        5,
		UnitsTerminated:     1,
		JobsProcessed:       10,
		JobsFailed:          2,
		QueuedJobs:          12,
		TotalProcessingTime: 1500 * time.Millisecond,
		ActiveUnits:         3,
		IdleUnits:           1,
		BusyUnits:           1,
		RetiringUnits:       1,
	}
	c := NewStatsCollector("test", func() pool.Statistics { return stats })

	expected := `
# HELP test_pool_jobs_processed_total Jobs answered with a result
# TYPE test_pool_jobs_processed_total counter
test_pool_jobs_processed_total 10
# HELP test_pool_units Units by state
# TYPE test_pool_units gauge
test_pool_units{state="busy"} 1
test_pool_units{state="idle"} 1
test_pool_units{state="retiring"} 1
test_pool_units{state="starting"} 1
# HELP test_pool_up 1 while the pool has live units and is not terminated
# TYPE test_pool_up gauge
test_pool_up 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"test_pool_jobs_processed_total", "test_pool_units", "test_pool_up"))

	stats.Terminated = true
	assert.Equal(t, 12, testutil.CollectAndCount(c))
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP test_pool_up 1 while the pool has live units and is not terminated
# TYPE test_pool_up gauge
test_pool_up 0
`), "test_pool_up"))
}

func TestMetrics_WithPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := NewListener(reg, "decodepool")

	cfg := config.Default()
	cfg.PoolSize = 2
	m, err := pool.New(cfg,
		pool.WithSpawner(testutils.NewFakeSpawner(testutils.Echo)),
		pool.WithStartupDelay(time.Millisecond),
		pool.WithListener(l))
	require.NoError(t, err)
	reg.MustRegister(NewStatsCollector("decodepool", m.Statistics))

	require.Eventually(t, func() bool {
		return m.Statistics().IdleUnits == 2
	}, 2*time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := m.Decode(context.Background(), []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, m.Terminate(context.Background()))

	assert.Equal(t, 2.0, testutil.ToFloat64(l.unitsOnline))
	assert.Equal(t, 3.0, testutil.ToFloat64(l.jobs.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.unitExits.WithLabelValues("0")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["decodepool_pool_units_created_total"])
	assert.True(t, names["decodepool_job_duration_seconds"])
}
