package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ExtractionErrors.WithLabelValues("truth"))
	ExtractionErrors.WithLabelValues("truth").Inc()
	ExtractionErrors.WithLabelValues("truth").Inc()
	assert.Equal(t, before+2, testutil.ToFloat64(ExtractionErrors.WithLabelValues("truth")))
}

func TestTimer(t *testing.T) {
	timer := NewTimer("merge")
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), 5*time.Millisecond)
	assert.Equal(t, "merge", timer.Name())
}

func TestThroughputTracker(t *testing.T) {
	tracker := NewThroughputTracker("test")
	tracker.Increment(100)
	time.Sleep(10 * time.Millisecond)

	fps := tracker.GetAndReset()
	assert.Greater(t, fps, 0.0)
	assert.Equal(t, fps, testutil.ToFloat64(Throughput.WithLabelValues("test")))

	// counter was reset
	tracker.mu.Lock()
	assert.Zero(t, tracker.count)
	tracker.mu.Unlock()
}
