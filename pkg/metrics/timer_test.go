package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}
	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 50 * time.Millisecond
	time.Sleep(sleepDuration)

	duration := timer.Duration()
	if duration < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", duration, sleepDuration)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	if timer.Duration() == 0 {
		t.Error("Timer.ObserveDuration() recorded zero duration")
	}
}

func TestTimerMultipleCalls(t *testing.T) {
	timer := NewTimer()

	time.Sleep(10 * time.Millisecond)
	duration1 := timer.Duration()

	time.Sleep(10 * time.Millisecond)
	duration2 := timer.Duration()

	if duration2 <= duration1 {
		t.Errorf("second Duration() call should be longer: first=%v, second=%v", duration1, duration2)
	}
}
