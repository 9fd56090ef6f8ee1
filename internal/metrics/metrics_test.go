package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/leejennwah/workqueue/internal/queue"
)

func TestObserveQueue(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveQueue(queue.Metrics{
		QueueID:     "default",
		Scheduled:   7,
		Running:     2,
		Completed:   40,
		Canceled:    1,
		Rescheduled: 3,
	}, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueActive.WithLabelValues("default")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueScheduled.WithLabelValues("default")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueRunning.WithLabelValues("default")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.QueueCompleted.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueCanceled.WithLabelValues("default")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueRescheduled.WithLabelValues("default")))

	m.ObserveQueue(queue.Metrics{QueueID: "default"}, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueActive.WithLabelValues("default")))
}

func TestNewRegistersOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) }, "duplicate registration must be caught")
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}
