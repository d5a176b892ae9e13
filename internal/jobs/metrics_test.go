package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	_ = m.Track("periods:notify").End(nil)
	err := m.Track("periods:notify").End(errors.New("boom"))
	assert.EqualError(t, err, "boom")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("periods:notify", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("periods:notify", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("periods:notify")))
}

func TestAddDeliveries(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddDeliveries("period.ended", "ok", 3)
	m.AddDeliveries("period.ended", "ok", 0)
	m.AddDeliveries("", "failed", 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.deliveries.WithLabelValues("period.ended", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("unknown", "failed")))

	var nilMetrics *Metrics
	nilMetrics.AddDeliveries("period.ended", "ok", 1)
	assert.NoError(t, nilMetrics.Track("x").End(nil))
}

func TestAddPurged(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddPurged(5)
	m.AddPurged(0)
	m.AddPurged(-1)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.purged))

	var nilMetrics *Metrics
	nilMetrics.AddPurged(3)
}

func TestDefaultMetricsAreShared(t *testing.T) {
	assert.Same(t, NewMetrics(nil), NewMetrics(nil))
}
