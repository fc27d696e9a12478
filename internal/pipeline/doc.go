// Package pipeline provides the conversion engine of frameconv, orchestrating
// the flow from input frame files to per-batch artifacts and from those
// artifacts to one merged dataset.
//
// # Overview
//
// The pipeline package provides:
//   - A Converter that plans batches and runs them on a worker pool
//   - Workers that read frames, run every extractor and write records
//   - A merge step that offsets event indices and consolidates artifacts
//
// # Architecture
//
// A conversion consists of:
//   - Batcher: groups discovered input files into named batches
//   - Pool: a task queue of batches consumed by a bounded set of workers
//   - Worker: owns one batch and one backend writer for its lifetime
//   - Merger: runs after the pool has drained and builds the final artifact
//
// Workers share no mutable state. Each writes to an artifact path derived
// from its batch name, and batch names are unique within a plan.
//
// # Basic Usage
//
//	cfg := config.NewDefault("./temp/ic86")
//	cfg.Performance.Workers = 4
//	cfg.Batching.NbFilesToBatch = 10
//
//	conv, err := pipeline.NewConverter([]extractor.Extractor{
//	    extractor.NewFeatureExtractor("SRTInIcePulses"),
//	    extractor.NewTruthExtractor(),
//	}, cfg, logger)
//
//	summary, err := conv.Convert(ctx, []string{"./data/ic86"})
//	result, err := conv.MergeFiles(ctx, "./data/ic86_merged")
package pipeline
