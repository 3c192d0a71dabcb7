package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures a duration and records it in a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}
