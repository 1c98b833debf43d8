// Package metrics exposes pipeline and scheduler state in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/fmueller/voxserve/internal/scheduler"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxserve"

// StatsSource is read on every scrape.
type StatsSource interface {
	Stats() scheduler.Stats
}

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	requests           *prometheus.CounterVec
	requestDuration    prometheus.Histogram
	attempts           prometheus.Histogram
	queueWait          prometheus.Histogram
}

func New(pool StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_invocations_total",
			Help:      "Engine invocations by tier and outcome.",
		}, []string{"tier", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_invocation_duration_seconds",
			Help:      "Wall-clock duration of engine invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"tier"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Transcription requests by result and the tier that produced it.",
		}, []string{"result", "model_used"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Total time spent on a transcription request across all attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 11),
		}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_attempts",
			Help:      "Engine invocations made per request.",
			Buckets:   []float64{0, 1, 2, 3},
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_wait_seconds",
			Help:      "Time spent waiting for a concurrency slot.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}

	info := version.Current()
	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata; always 1.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(info.Version, info.Commit).Set(1)

	m.registry.MustRegister(
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.invocations,
		m.invocationDuration,
		m.requests,
		m.requestDuration,
		m.attempts,
		m.queueWait,
	)

	if pool != nil {
		gauge := func(name, help string, read func(scheduler.Stats) float64) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      name,
				Help:      help,
			}, func() float64 { return read(pool.Stats()) })
		}
		m.registry.MustRegister(
			gauge("slots", "Configured concurrency slots.", func(s scheduler.Stats) float64 { return float64(s.Slots) }),
			gauge("active_slots", "Slots currently held by running engine invocations.", func(s scheduler.Stats) float64 { return float64(s.Active) }),
			gauge("queued", "Requests waiting for a slot.", func(s scheduler.Stats) float64 { return float64(s.Queued) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "rejected_total",
				Help:      "Requests rejected because the queue was full.",
			}, func() float64 { return float64(pool.Stats().Rejected) }),
		)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveQueueWait(wait time.Duration) {
	m.queueWait.Observe(wait.Seconds())
}

func (m *Metrics) ObserveInvocation(inv whisper.Invocation) {
	tier := string(inv.Tier)
	m.invocations.WithLabelValues(tier, inv.Outcome.String()).Inc()
	m.invocationDuration.WithLabelValues(tier).Observe(inv.Elapsed().Seconds())
}

// ObserveRequest records one finished request. result is "ok" or an error
// kind; tier is empty on failure.
func (m *Metrics) ObserveRequest(result string, tier whisper.Tier, attempts int, elapsed time.Duration) {
	m.requests.WithLabelValues(result, string(tier)).Inc()
	m.requestDuration.Observe(elapsed.Seconds())
	m.attempts.Observe(float64(attempts))
}
