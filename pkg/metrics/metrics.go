// Package metrics exports decode pool activity as Prometheus metrics.
//
// Two pieces are provided. Listener is a pool.Listener that counts events
// and records job latency as they happen. StatsCollector is a
// prometheus.Collector that reads a Statistics snapshot on every scrape.
//
//	reg := prometheus.NewRegistry()
//	l := metrics.NewListener(reg, "decodepool")
//	m, _ := pool.New(cfg, pool.WithListener(l))
//	reg.MustRegister(metrics.NewStatsCollector("decodepool", m.Statistics))
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jzx17/decodepool/pkg/pool"
)

// Listener records pool events
type Listener struct {
	unitsOnline  prometheus.Counter
	unitErrors   prometheus.Counter
	unitExits    *prometheus.CounterVec
	jobs         *prometheus.CounterVec
	frames       prometheus.Counter
	jobDuration  prometheus.Histogram
	waitingJobs  prometheus.Gauge
	inFlightJobs prometheus.Gauge
}

// NewListener creates a Listener and registers its metrics with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewListener(reg prometheus.Registerer, namespace string) *Listener {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	l := &Listener{
		unitsOnline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "online_total",
			Help:      "Units admitted to the idle set",
		}),
		unitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "errors_total",
			Help:      "Units taken out of service after a failure",
		}),
		unitExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "exits_total",
			Help:      "Unit exits by exit code",
		}, []string{"code"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "results_total",
			Help:      "Decode results returned by units, by whether the job was still tracked",
		}, []string{"tracked"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "frames_total",
			Help:      "Frames returned by completed jobs",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Time from dispatch to result for tracked jobs",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		waitingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "waiting",
			Help:      "Requests waiting for an idle unit",
		}),
		inFlightJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "in_flight",
			Help:      "Jobs dispatched and not yet answered",
		}),
	}

	reg.MustRegister(
		l.unitsOnline,
		l.unitErrors,
		l.unitExits,
		l.jobs,
		l.frames,
		l.jobDuration,
		l.waitingJobs,
		l.inFlightJobs,
	)
	return l
}

// OnEvent implements pool.Listener
func (l *Listener) OnEvent(ev pool.Event) {
	switch ev.Kind {
	case pool.EventUnitOnline:
		l.unitsOnline.Inc()
	case pool.EventUnitError:
		l.unitErrors.Inc()
	case pool.EventUnitExit:
		l.unitExits.WithLabelValues(strconv.Itoa(ev.Code)).Inc()
	case pool.EventJobCompleted:
		l.jobs.WithLabelValues(strconv.FormatBool(ev.Found)).Inc()
		if ev.Found {
			l.frames.Add(float64(len(ev.Frames)))
			l.jobDuration.Observe(ev.Elapsed.Seconds())
		}
	}

	l.waitingJobs.Set(float64(ev.Stats.WaitingJobs))
	l.inFlightJobs.Set(float64(ev.Stats.InFlightJobs))
}

// StatsCollector exposes a pool statistics snapshot at scrape time
type StatsCollector struct {
	source func() pool.Statistics

	unitsCreated    *prometheus.Desc
	unitsTerminated *prometheus.Desc
	jobsProcessed   *prometheus.Desc
	jobsFailed      *prometheus.Desc
	jobsQueued      *prometheus.Desc
	processingTime  *prometheus.Desc
	droppedEvents   *prometheus.Desc
	units           *prometheus.Desc
	healthy         *prometheus.Desc
}

// NewStatsCollector creates a collector that calls source on every scrape,
// typically Manager.Statistics
func NewStatsCollector(namespace string, source func() pool.Statistics) *StatsCollector {
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "pool", n)
	}
	return &StatsCollector{
		source:          source,
		unitsCreated:    prometheus.NewDesc(name("units_created_total"), "Units created since start", nil, nil),
		unitsTerminated: prometheus.NewDesc(name("units_terminated_total"), "Units that have exited", nil, nil),
		jobsProcessed:   prometheus.NewDesc(name("jobs_processed_total"), "Jobs answered with a result", nil, nil),
		jobsFailed:      prometheus.NewDesc(name("jobs_failed_total"), "Jobs failed by a unit error or exit", nil, nil),
		jobsQueued:      prometheus.NewDesc(name("jobs_queued_total"), "Requests admitted", nil, nil),
		processingTime:  prometheus.NewDesc(name("processing_seconds_total"), "Summed processing time of processed jobs", nil, nil),
		droppedEvents:   prometheus.NewDesc(name("dropped_events_total"), "Events dropped by slow subscribers", nil, nil),
		units:           prometheus.NewDesc(name("units"), "Units by state", []string{"state"}, nil),
		healthy:         prometheus.NewDesc(name("up"), "1 while the pool has live units and is not terminated", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.unitsCreated
	ch <- c.unitsTerminated
	ch <- c.jobsProcessed
	ch <- c.jobsFailed
	ch <- c.jobsQueued
	ch <- c.processingTime
	ch <- c.droppedEvents
	ch <- c.units
	ch <- c.healthy
}

// Collect implements prometheus.Collector
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()

	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	counter(c.unitsCreated, float64(s.UnitsCreated))
	counter(c.unitsTerminated, float64(s.UnitsTerminated))
	counter(c.jobsProcessed, float64(s.JobsProcessed))
	counter(c.jobsFailed, float64(s.JobsFailed))
	counter(c.jobsQueued, float64(s.QueuedJobs))
	counter(c.processingTime, s.TotalProcessingTime.Seconds())
	counter(c.droppedEvents, float64(s.DroppedEvents))

	starting := s.ActiveUnits - s.IdleUnits - s.BusyUnits
	if starting < 0 {
		starting = 0
	}
	ch <- prometheus.MustNewConstMetric(c.units, prometheus.GaugeValue, float64(s.IdleUnits), "idle")
	ch <- prometheus.MustNewConstMetric(c.units, prometheus.GaugeValue, float64(s.BusyUnits), "busy")
	ch <- prometheus.MustNewConstMetric(c.units, prometheus.GaugeValue, float64(starting), "starting")
	ch <- prometheus.MustNewConstMetric(c.units, prometheus.GaugeValue, float64(s.RetiringUnits), "retiring")

	up := 0.0
	if !s.Terminated && s.ActiveUnits > 0 {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, up)
}
