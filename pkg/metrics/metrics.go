// Package metrics exposes Prometheus collectors for the conversion pipeline.
//
// Collectors are registered on the default registry at package init through
// promauto. Label sets are kept small: backend kind, batch status, table or
// extractor name. Batch names are never used as labels.
//
// # Basic Usage
//
//	metrics.FramesProcessed.WithLabelValues("sqlite").Inc()
//
//	timer := metrics.NewTimer("batch")
//	convertBatch(b)
//	metrics.BatchDuration.WithLabelValues("sqlite").Observe(timer.Stop().Seconds())
//
//	tracker := metrics.NewThroughputTracker("parquet")
//	tracker.Increment(1)
//	fps := tracker.GetAndReset()
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesProcessed counts physics frames read from input files.
	// Labels: backend
	FramesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameconv_frames_processed_total",
			Help: "Total number of physics frames processed",
		},
		[]string{"backend"},
	)

	// RecordsWritten counts records handed to a backend writer.
	// Labels: backend, table
	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameconv_records_written_total",
			Help: "Total number of extracted records written",
		},
		[]string{"backend", "table"},
	)

	// ExtractionErrors counts per-frame extractor failures.
	// Labels: extractor
	ExtractionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameconv_extraction_errors_total",
			Help: "Total number of extractor failures",
		},
		[]string{"extractor"},
	)

	// FilesProcessed counts input files by outcome.
	// Labels: status (ok, failed)
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameconv_files_processed_total",
			Help: "Total number of input files processed",
		},
		[]string{"status"},
	)

	// BatchesFinished counts batches by terminal status.
	// Labels: backend, status (complete, incomplete, failed)
	BatchesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameconv_batches_finished_total",
			Help: "Total number of batches finished",
		},
		[]string{"backend", "status"},
	)

	// BatchDuration tracks wall time per batch in seconds.
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "frameconv_batch_duration_seconds",
			Help: "Batch conversion duration in seconds",
			Buckets: []float64{
				0.1,  // single small file
				1,    // typical test file
				10,   // one production file
				60,   // small batch
				600,  // large batch
				3600, // very large batch
			},
		},
		[]string{"backend"},
	)

	// MergeDuration tracks merge wall time in seconds.
	MergeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frameconv_merge_duration_seconds",
			Help:    "Merge duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"backend"},
	)

	// ActiveWorkers tracks workers currently converting a batch.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frameconv_active_workers",
			Help: "Number of workers converting a batch",
		},
	)

	// QueueDepth tracks batches waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frameconv_queue_depth",
			Help: "Batches waiting for a worker",
		},
	)

	// Throughput tracks frames per second.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "frameconv_throughput_frames_per_second",
			Help: "Current throughput in frames per second",
		},
		[]string{"backend"},
	)

	// MemoryUsed tracks resident memory sampled at the end of a run.
	MemoryUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frameconv_memory_used_bytes",
			Help: "System memory in use when the last run finished",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the label given at creation.
func (t *Timer) Name() string {
	return t.name
}

// Stop returns the elapsed duration since creation. It can be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks frames per second over time windows.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	backend   string
}

// NewThroughputTracker creates a new throughput tracker for a backend.
func NewThroughputTracker(backend string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		backend:   backend,
	}
}

// Increment adds n to the frame count. Safe for concurrent use.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput, updates the Prometheus gauge,
// resets the counter and returns the calculated throughput.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.backend).Set(throughput)

	return throughput
}
