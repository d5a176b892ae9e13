// Package jobmetrics holds the Prometheus collectors of the notification worker.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	deliveries *prometheus.CounterVec
	purged     prometheus.Counter
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	return build(prometheus.DefaultRegisterer)
})

// NewMetrics registers the job metrics against registerer. A nil registerer selects the default
// Prometheus registerer; the collectors are then shared process wide.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return defaultMetrics()
	}
	return build(registerer)
}

func build(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mealsphere_jobs_total",
			Help: "Job executions by task type and status.",
		}, []string{"job", "status"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mealsphere_jobs_failures_total",
			Help: "Failed job executions by task type.",
		}, []string{"job"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mealsphere_job_duration_seconds",
			Help:    "Duration of job executions.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"job"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mealsphere_notifications_delivered_total",
			Help: "Notification rows written per period event type and result.",
		}, []string{"event", "result"}),
		purged: factory.NewCounter(prometheus.CounterOpts{
			Name: "mealsphere_notifications_purged_total",
			Help: "Read notifications removed by the retention purge.",
		}),
	}
}

// Tracker times a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run outcome and returns err unchanged, so it can wrap a named result:
//
//	defer func() { err = tracker.End(err) }()
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddDeliveries counts notification rows written for an event type.
func (m *Metrics) AddDeliveries(eventType, result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.deliveries.WithLabelValues(eventType, result).Add(float64(count))
}

// AddPurged counts notifications removed by the retention purge.
func (m *Metrics) AddPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
