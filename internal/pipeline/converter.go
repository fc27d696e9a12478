package pipeline

import (
	"context"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/batch"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/extractor"
	"github.com/ajitpratap0/frameconv/pkg/metrics"
	"github.com/ajitpratap0/frameconv/pkg/observability"
	"github.com/ajitpratap0/frameconv/pkg/source"
)

// Converter converts input directories into per-batch artifacts and merges
// them. A Converter may be reused for several runs but not concurrently.
type Converter struct {
	extractors []extractor.Extractor
	cfg        *config.Config
	logger     *zap.Logger
	factory    backend.Factory
	registry   *source.Registry
	monitor    *observability.ResourceMonitor

	// frameLogger is shared by the workers so repeat counts span the run
	frameLogger *zap.Logger
}

// Option customizes a Converter.
type Option func(*Converter)

// WithRegistry replaces the default frame source registry.
func WithRegistry(r *source.Registry) Option {
	return func(c *Converter) { c.registry = r }
}

// WithFactory replaces the backend selected by the configuration.
func WithFactory(f backend.Factory) Option {
	return func(c *Converter) { c.factory = f }
}

// NewConverter validates cfg and the extractor set and returns a Converter.
// The logger is used for everything the conversion reports; nil discards.
func NewConverter(extractors []extractor.Extractor, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Converter, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := extractor.ValidateSet(extractors); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Converter{
		extractors: extractors,
		cfg:        cfg,
		logger:     logger,
		registry:   source.DefaultRegistry(),

		frameLogger: frameWarnings(logger, cfg.Logging.RepeatLimit),
		monitor:    observability.NewResourceMonitor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.factory == nil {
		f, err := NewFactory(cfg.Backend.Kind)
		if err != nil {
			return nil, err
		}
		c.factory = f
	}
	return c, nil
}

// Summary reports the outcome of Convert.
type Summary struct {
	Backend string
	Batches []*BatchResult
	// Skipped lists input files that matched no batch key
	Skipped []string
	// FailedFiles lists input files that could not be opened or fully read
	FailedFiles []string
	Incomplete  []string
	Failed      []string
	// ExtractionErrors counts failed extractions per extractor over all batches
	ExtractionErrors map[string]int
	Frames           int64
	Records          int64
	Duration         time.Duration
	Resources        observability.ResourceUsage
}

// OK reports whether every batch completed without skipped files.
func (s *Summary) OK() bool {
	return len(s.Incomplete) == 0 && len(s.Failed) == 0
}

// Convert discovers the files under inputDirs, plans batches, writes the run
// plan and converts every batch on the worker pool. Per-batch problems are
// reported in the summary; an error is returned for configuration and
// planning failures and when ctx is cancelled.
func (c *Converter) Convert(ctx context.Context, inputDirs []string) (*Summary, error) {
	timer := metrics.NewTimer("convert")
	ctx, span := observability.StartSpan(ctx, "convert")
	defer span.End()

	if len(inputDirs) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "at least one input directory is required")
	}

	plan, err := batch.New(c.cfg.Batching, c.registry.Recognizes).Plan(inputDirs)
	if err != nil {
		span.Fail(err)
		return nil, err
	}
	for _, path := range plan.Skipped {
		c.logger.Warn("input file matches no batch key", zap.String("file", path))
	}

	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "creating output directory").WithDetail("path", c.cfg.OutputDir)
	}
	names := make([]string, len(c.extractors))
	for i, e := range c.extractors {
		names[i] = e.Name()
	}
	if err := writeRunPlan(c.cfg.OutputDir, newRunPlan(c.factory.Kind(), names, plan)); err != nil {
		return nil, err
	}

	workers := c.cfg.Performance.MaxUsefulWorkers(len(plan.Batches))
	span.SetAttribute("batches", len(plan.Batches))
	span.SetAttribute("workers", workers)
	c.logger.Info("starting conversion",
		zap.String("config", c.cfg.String()),
		zap.Int("batches", len(plan.Batches)),
		zap.Int("skipped_files", len(plan.Skipped)))

	summary := &Summary{
		Backend:          c.factory.Kind(),
		Skipped:          plan.Skipped,
		ExtractionErrors: make(map[string]int),
	}

	tracker := metrics.NewThroughputTracker(c.factory.Kind())
	pool := NewPool(workers, c.newWorker, c.logger)
	for res := range pool.Run(ctx, plan.Batches) {
		summary.Batches = append(summary.Batches, res)
		tracker.Increment(res.Frames)
	}
	sort.Slice(summary.Batches, func(i, j int) bool {
		return summary.Batches[i].Batch.Index < summary.Batches[j].Batch.Index
	})

	for _, res := range summary.Batches {
		summary.Frames += res.Frames
		summary.Records += res.Records
		summary.FailedFiles = append(summary.FailedFiles, res.FailedFiles...)
		for name, n := range res.ExtractionErrors {
			summary.ExtractionErrors[name] += n
		}
		switch res.Status {
		case backend.StatusIncomplete:
			summary.Incomplete = append(summary.Incomplete, res.Batch.Name)
		case backend.StatusFailed:
			summary.Failed = append(summary.Failed, res.Batch.Name)
		}
	}
	summary.Duration = timer.Stop()
	summary.Resources = c.monitor.Usage()
	metrics.MemoryUsed.Set(float64(summary.Resources.SystemMemoryUsed))

	c.logger.Info("conversion finished",
		zap.Int("batches", len(summary.Batches)),
		zap.Int64("frames", summary.Frames),
		zap.Int64("records", summary.Records),
		zap.Strings("incomplete", summary.Incomplete),
		zap.Strings("failed", summary.Failed),
		zap.Int("failed_files", len(summary.FailedFiles)),
		zap.Any("extraction_errors", summary.ExtractionErrors),
		zap.Float64("frames_per_second", tracker.GetAndReset()),
		zap.Uint64("memory_rss", summary.Resources.MemoryRSS),
		zap.Duration("duration", summary.Duration))

	if err := ctx.Err(); err != nil {
		span.Fail(err)
		return summary, err
	}
	return summary, nil
}

func (c *Converter) newWorker(id int) *Worker {
	return &Worker{
		id:         id,
		extractors: c.extractors,
		factory:    c.factory,
		registry:   c.registry,
		opts:       backend.OptionsFromConfig(c.cfg.Backend, c.logger),
		outputDir:  c.cfg.OutputDir,
		verbose:    c.cfg.Source.Verbose,
		logger:     c.logger,

		frameLogger: c.frameLogger,
	}
}
