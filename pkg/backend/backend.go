// Package backend defines the contract between the converter and its output
// formats. A Factory creates one Writer per batch, finds the partial
// artifacts those writers left behind, and merges them into a final artifact.
//
// Implementations live in the sqlite and parquet subpackages.
package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

// EventColumn holds the event index in every output table.
const EventColumn = "event_no"

// Writer persists the records of one batch into one partial artifact.
// A Writer is owned by a single worker and is not safe for concurrent use.
type Writer interface {
	// Write stages rec; staged rows are flushed once the buffer fills.
	Write(ctx context.Context, rec *models.Record) error
	// Close flushes what is staged, completes m with table statistics,
	// stores it alongside the data and releases the artifact.
	Close(ctx context.Context, m *Manifest) (*Manifest, error)
	// Path is the artifact location.
	Path() string
}

// Options configure writers and mergers.
type Options struct {
	BufferSize   int
	SchemaPolicy config.SchemaPolicy
	Compression  string
	Logger       *zap.Logger
}

// OptionsFromConfig builds Options from the backend section of cfg.
func OptionsFromConfig(cfg config.BackendConfig, logger *zap.Logger) Options {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Options{
		BufferSize:   cfg.BufferSize,
		SchemaPolicy: cfg.SchemaPolicy,
		Compression:  cfg.Compression,
		Logger:       logger,
	}
}

// Artifact is a partial artifact found in an output directory.
type Artifact struct {
	Path     string
	Manifest *Manifest
	// Err is set when the artifact exists but its manifest cannot be read,
	// typically because the batch never closed.
	Err error
}

// Part is an artifact scheduled for merging.
type Part struct {
	Artifact
	// Offset is added to every event index of the part.
	Offset int64
}

// Factory creates writers and merges their artifacts for one backend kind.
type Factory interface {
	Kind() string
	NewWriter(batch models.Batch, outputDir string, opts Options) (Writer, error)
	Discover(outputDir string) ([]Artifact, error)
	// Merge writes parts, in order, into a new artifact at tmpDest and
	// stores manifest with it. The merged table statistics are returned.
	Merge(ctx context.Context, parts []Part, tmpDest string, manifest *MergedManifest, opts Options) (map[string]*TableStats, error)
	// FinalPath maps the merge destination to the final artifact path.
	FinalPath(dest string) string
	// ReadMerged returns the manifest of an existing final artifact, or
	// nil when there is none.
	ReadMerged(final string) (*MergedManifest, error)
}
