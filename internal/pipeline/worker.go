package pipeline

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/extractor"
	"github.com/ajitpratap0/frameconv/pkg/logger"
	"github.com/ajitpratap0/frameconv/pkg/metrics"
	"github.com/ajitpratap0/frameconv/pkg/models"
	"github.com/ajitpratap0/frameconv/pkg/observability"
	"github.com/ajitpratap0/frameconv/pkg/source"
)

// BatchResult is the completion message a worker sends for one batch.
type BatchResult struct {
	Batch    models.Batch
	Status   backend.BatchStatus
	Artifact string
	Manifest *backend.Manifest
	Frames   int64
	Records  int64
	// ExtractionErrors counts failed or invalid extractions per extractor
	ExtractionErrors map[string]int
	FailedFiles      []string
	Duration         time.Duration
	// Err is the reason a failed batch failed
	Err error
}

// Worker converts batches. A worker is used by one goroutine at a time and
// owns the writer of the batch it is converting.
type Worker struct {
	id          int
	extractors  []extractor.Extractor
	factory     backend.Factory
	registry    *source.Registry
	opts        backend.Options
	outputDir   string
	verbose     int
	logger      *zap.Logger
	frameLogger *zap.Logger // per-frame warnings, repeat filtered
}

// frameWarnings builds the repeat filtered logger shared by all workers of a
// conversion; warnings of different extractors are counted separately.
func frameWarnings(l *zap.Logger, limit int) *zap.Logger {
	return logger.Repeating(l, limit, "extractor")
}

// writeError marks a failure of the batch writer, as opposed to a failure
// of one input file.
type writeError struct{ error }

func (e writeError) Unwrap() error { return e.error }

// Run converts b into one partial artifact. Problems with single files or
// frames are recorded in the result; the batch only fails when its writer
// does or ctx is cancelled.
func (w *Worker) Run(ctx context.Context, b models.Batch) *BatchResult {
	timer := metrics.NewTimer("batch")
	logger := w.logger.With(zap.String("batch", b.Name), zap.Int("worker", w.id))
	ctx, span := observability.StartSpan(ctx, "convert_batch")
	defer span.End()
	span.SetAttribute("batch", b.Name)
	span.SetAttribute("files", len(b.Files))

	frameLog := w.frameLogger.With(zap.String("batch", b.Name), zap.Int("worker", w.id))

	res := &BatchResult{Batch: b, ExtractionErrors: make(map[string]int)}
	logger.Info("starting batch", zap.Int("files", len(b.Files)))

	writer, err := w.factory.NewWriter(b, w.outputDir, w.opts)
	if err != nil {
		res.Status = backend.StatusFailed
		res.Err = err
		res.Duration = timer.Stop()
		span.Fail(err)
		logger.Error("cannot create batch artifact", zap.Error(err))
		metrics.BatchesFinished.WithLabelValues(w.factory.Kind(), string(res.Status)).Inc()
		return res
	}
	res.Artifact = writer.Path()

	manifest := &backend.Manifest{Batch: b.Name, Index: b.Index, Status: backend.StatusComplete}
	var event int64
	for _, f := range b.Files {
		fs := backend.FileStatus{Path: f.Path}
		frames, err := w.convertFile(ctx, f.Path, writer, &event, res, logger, frameLog)
		fs.Frames = frames
		if err != nil {
			var we writeError
			if errors.As(err, &we) || ctx.Err() != nil {
				manifest.Status = backend.StatusFailed
				manifest.Error = err.Error()
				res.Err = err
				fs.Error = err.Error()
				manifest.Files = append(manifest.Files, fs)
				break
			}
			manifest.Status = backend.StatusIncomplete
			fs.Error = err.Error()
			res.FailedFiles = append(res.FailedFiles, f.Path)
			metrics.FilesProcessed.WithLabelValues("failed").Inc()
			logger.Warn("skipping input file",
				zap.String("file", f.Path),
				zap.String("error_type", string(errors.TypeOf(err))),
				zap.Int("frames_read", frames),
				zap.Error(err))
		} else {
			metrics.FilesProcessed.WithLabelValues("ok").Inc()
		}
		manifest.Files = append(manifest.Files, fs)
	}
	manifest.Events = event
	res.Frames = event

	// The manifest is written even when the run is being cancelled.
	m, err := writer.Close(context.WithoutCancel(ctx), manifest)
	if err != nil && res.Err == nil {
		res.Err = err
	}
	res.Manifest = m
	res.Status = m.Status
	if res.Err != nil {
		res.Status = backend.StatusFailed
		span.Fail(res.Err)
	}
	res.Duration = timer.Stop()

	metrics.BatchesFinished.WithLabelValues(w.factory.Kind(), string(res.Status)).Inc()
	metrics.BatchDuration.WithLabelValues(w.factory.Kind()).Observe(res.Duration.Seconds())
	span.SetAttribute("status", string(res.Status))
	span.SetAttribute("events", res.Frames)

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int64("events", res.Frames),
		zap.Int64("records", res.Records),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		logger.Error("batch failed", append(fields, zap.Error(res.Err))...)
	} else {
		logger.Info("finished batch", fields...)
	}
	return res
}

// convertFile streams the frames of one file through the extractors into
// writer. event is the next event index of the batch.
func (w *Worker) convertFile(ctx context.Context, path string, writer backend.Writer, event *int64, res *BatchResult, logger, frameLog *zap.Logger) (int, error) {
	reader, err := w.registry.Open(path, source.Options{Verbose: w.verbose, Logger: logger})
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	frames := 0
	for {
		frame, err := reader.Next(ctx)
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		idx := *event
		*event++
		frames++
		metrics.FramesProcessed.WithLabelValues(w.factory.Kind()).Inc()

		for _, e := range w.extractors {
			rec, err := e.Extract(frame)
			if err == nil && rec != nil {
				rec.Table = e.Table()
				rec.Event = idx
				_, _, err = rec.Shape()
				if err != nil {
					err = errors.Wrap(err, errors.ErrorTypeExtraction, "invalid record")
				}
			}
			if err != nil {
				res.ExtractionErrors[e.Name()]++
				metrics.ExtractionErrors.WithLabelValues(e.Name()).Inc()
				frameLog.Warn("extractor failed on frame",
					zap.String("extractor", e.Name()),
					zap.String("file", path),
					zap.Int("frame", frame.Index),
					zap.Error(err))
				continue
			}
			if rec == nil {
				continue
			}
			if err := writer.Write(ctx, rec); err != nil {
				return frames, writeError{errors.Wrap(err, errors.TypeOf(err), "writing record to table "+rec.Table)}
			}
			res.Records++
			metrics.RecordsWritten.WithLabelValues(w.factory.Kind(), rec.Table).Inc()
		}
	}
}
