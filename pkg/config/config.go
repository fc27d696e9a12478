package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/logger"
)

// Backend kinds.
const (
	BackendSQLite  = "sqlite"
	BackendParquet = "parquet"
)

// SchemaPolicy decides what happens when a record's field set differs from the
// schema already established for its table.
type SchemaPolicy string

const (
	// SchemaExtend adds the new fields as nullable columns.
	SchemaExtend SchemaPolicy = "extend"
	// SchemaFail rejects the record with a schema mismatch error and fails the batch.
	SchemaFail SchemaPolicy = "fail"
)

// Config is the complete converter configuration. The zero value is not usable;
// start from NewDefault and override.
type Config struct {
	// OutputDir receives the per-batch partial artifacts and the run plan.
	OutputDir string `yaml:"output_dir" json:"output_dir" mapstructure:"output_dir"`

	Batching      BatchingConfig      `yaml:"batching" json:"batching" mapstructure:"batching"`
	Performance   PerformanceConfig   `yaml:"performance" json:"performance" mapstructure:"performance"`
	Backend       BackendConfig       `yaml:"backend" json:"backend" mapstructure:"backend"`
	Merge         MergeConfig         `yaml:"merge" json:"merge" mapstructure:"merge"`
	Source        SourceConfig        `yaml:"source" json:"source" mapstructure:"source"`
	Logging       logger.Config       `yaml:"logging" json:"logging" mapstructure:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// BatchingConfig selects how input files are grouped into batches. At most one
// of NbFilesToBatch and InputFileBatchPattern may be set.
type BatchingConfig struct {
	// NbFilesToBatch groups files into fixed-size batches (0 = one batch per file)
	NbFilesToBatch int `yaml:"nb_files_to_batch" json:"nb_files_to_batch" mapstructure:"nb_files_to_batch"`
	// SequentialBatchPattern names count-based batches, e.g. "batch_%03d" or "temp_{:03d}"
	SequentialBatchPattern string `yaml:"sequential_batch_pattern" json:"sequential_batch_pattern" mapstructure:"sequential_batch_pattern"`
	// InputFileBatchPattern is a regular expression whose match (or "key"/first group) is the batch key
	InputFileBatchPattern string `yaml:"input_file_batch_pattern" json:"input_file_batch_pattern" mapstructure:"input_file_batch_pattern"`
}

// PerformanceConfig contains parallelism settings.
type PerformanceConfig struct {
	// Workers is the number of batches converted concurrently
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
}

// BackendConfig selects and tunes the output backend.
type BackendConfig struct {
	// Kind is "sqlite" (relational) or "parquet" (columnar)
	Kind string `yaml:"kind" json:"kind" mapstructure:"kind"`
	// BufferSize is the number of rows staged per table before a flush
	BufferSize int `yaml:"buffer_size" json:"buffer_size" mapstructure:"buffer_size"`
	// SchemaPolicy is "extend" or "fail"
	SchemaPolicy SchemaPolicy `yaml:"schema_policy" json:"schema_policy" mapstructure:"schema_policy"`
	// Compression is the parquet codec (snappy, gzip, zstd, lz4, none)
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression"`
}

// MergeConfig controls the merge step.
type MergeConfig struct {
	// FailOnIncomplete aborts the merge when any batch is incomplete, failed or missing
	FailOnIncomplete bool `yaml:"fail_on_incomplete" json:"fail_on_incomplete" mapstructure:"fail_on_incomplete"`
	// Force rebuilds the merged artifact even when its fingerprint is current
	Force bool `yaml:"force" json:"force" mapstructure:"force"`
}

// SourceConfig configures frame sources.
type SourceConfig struct {
	// Verbose is forwarded to frame readers (0 quiet, 1 per-file, 2 per-frame)
	Verbose int `yaml:"verbose" json:"verbose" mapstructure:"verbose"`
}

// ObservabilityConfig contains metrics and tracing switches.
type ObservabilityConfig struct {
	EnableMetrics     bool    `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	EnableTracing     bool    `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
}

// NewDefault creates a Config with sensible defaults writing to outputDir.
//
// Example:
//
//	cfg := config.NewDefault("./temp/test_ic86")
//	cfg.Performance.Workers = 4
//	cfg.Batching.NbFilesToBatch = 10
func NewDefault(outputDir string) *Config {
	return &Config{
		OutputDir: outputDir,
		Performance: PerformanceConfig{
			Workers: 1,
		},
		Backend: BackendConfig{
			Kind:         BackendSQLite,
			BufferSize:   10000,
			SchemaPolicy: SchemaExtend,
			Compression:  "snappy",
		},
		Logging: logger.DefaultConfig(),
		Observability: ObservabilityConfig{
			EnableMetrics:     true,
			TracingSampleRate: 1.0,
		},
	}
}

var compressionCodecs = map[string]struct{}{
	"snappy": {}, "gzip": {}, "zstd": {}, "lz4": {}, "none": {}, "": {},
}

// Validate checks required fields, value ranges and mutually exclusive options.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New(errors.ErrorTypeConfig, "output_dir is required")
	}
	switch c.Backend.Kind {
	case BackendSQLite, BackendParquet:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown backend %q (want sqlite or parquet)", c.Backend.Kind)
	}
	if c.Performance.Workers < 0 {
		return errors.New(errors.ErrorTypeConfig, "workers cannot be negative")
	}
	if c.Backend.BufferSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "buffer_size must be positive")
	}
	switch c.Backend.SchemaPolicy {
	case SchemaExtend, SchemaFail:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown schema_policy %q (want extend or fail)", c.Backend.SchemaPolicy)
	}
	if _, ok := compressionCodecs[strings.ToLower(c.Backend.Compression)]; !ok {
		return errors.Newf(errors.ErrorTypeConfig, "unknown compression %q", c.Backend.Compression)
	}
	return c.Batching.Validate()
}

// Validate checks that at most one batching policy is selected.
func (b *BatchingConfig) Validate() error {
	if b.NbFilesToBatch < 0 {
		return errors.New(errors.ErrorTypeConfig, "nb_files_to_batch cannot be negative")
	}
	if b.InputFileBatchPattern == "" {
		return nil
	}
	if b.SequentialBatchPattern != "" {
		return errors.New(errors.ErrorTypeConfig,
			"sequential_batch_pattern and input_file_batch_pattern are mutually exclusive")
	}
	if b.NbFilesToBatch > 0 {
		return errors.New(errors.ErrorTypeConfig,
			"nb_files_to_batch and input_file_batch_pattern are mutually exclusive")
	}
	if _, err := regexp.Compile(b.InputFileBatchPattern); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid input_file_batch_pattern")
	}
	return nil
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (p *PerformanceConfig) GetWorkers() int {
	if p.Workers <= 0 {
		return 1
	}
	return p.Workers
}

// MaxUsefulWorkers caps workers at the number of batches.
func (p *PerformanceConfig) MaxUsefulWorkers(batches int) int {
	w := p.GetWorkers()
	if w > batches {
		w = batches
	}
	if w < 1 {
		w = 1
	}
	return w
}

// String renders a one-line summary for logs.
func (c *Config) String() string {
	return fmt.Sprintf("backend=%s workers=%d nb_files_to_batch=%d schema_policy=%s output_dir=%s",
		c.Backend.Kind, c.Performance.GetWorkers(), c.Batching.NbFilesToBatch, c.Backend.SchemaPolicy, c.OutputDir)
}
