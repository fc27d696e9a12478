// Package source reads detector frames from input files.
//
// A FrameReader is a single forward pass over one file. Only physics frames are
// returned; geometry, calibration, detector status and DAQ frames are folded
// into the physics frames that follow them (see Mixer).
//
// Formats are selected by file suffix through a Registry. The default registry
// knows JSON-lines frame files (.jsonl, .i3.json) and Avro object container
// files (.avro), each optionally compressed (.gz, .zst, .lz4, .sz, .bz2).
package source

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/compression"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

// FrameReader yields the physics frames of one input file in order.
type FrameReader interface {
	// Next returns the next physics frame, or io.EOF after the last one.
	Next(ctx context.Context) (*models.Frame, error)
	Close() error
}

// RawFrame is a decoded frame before normalization and mixing.
type RawFrame struct {
	Stop    string                 `json:"stop"`
	Objects map[string]interface{} `json:"objects"`
}

// Decoder decodes consecutive raw frames from a decompressed stream. Decode
// returns io.EOF when the stream is exhausted.
type Decoder interface {
	Decode() (*RawFrame, error)
}

// Format describes one on-disk frame encoding.
type Format struct {
	Name     string
	Suffixes []string
	// NewDecoder validates the stream header and returns a decoder.
	NewDecoder func(r io.Reader) (Decoder, error)
}

// Options tune readers opened by a Registry.
type Options struct {
	// Verbose > 0 logs per-file frame counts, > 1 also every skipped frame
	Verbose int
	Logger  *zap.Logger
}

// Registry maps file suffixes to formats.
type Registry struct {
	mu      sync.RWMutex
	formats []Format
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry with the JSON-lines and Avro formats.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(JSONLinesFormat())
	r.Register(AvroFormat())
	return r
}

// Register adds a format. Later registrations win on suffix conflicts.
func (r *Registry) Register(f Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats = append([]Format{f}, r.formats...)
}

// Lookup finds the format and compression of path.
func (r *Registry) Lookup(path string) (Format, compression.Algorithm, bool) {
	alg, rest := compression.FromPath(filepath.Base(path))
	rest = strings.ToLower(rest)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.formats {
		for _, s := range f.Suffixes {
			if strings.HasSuffix(rest, s) {
				return f, alg, true
			}
		}
	}
	return Format{}, alg, false
}

// Recognizes reports whether path has a registered format suffix.
func (r *Registry) Recognizes(path string) bool {
	_, _, ok := r.Lookup(path)
	return ok
}

// Open opens path for reading. Unknown suffixes yield a source_format error;
// missing, unreadable or corrupt-header files yield a source_open error.
func (r *Registry) Open(path string, opts Options) (FrameReader, error) {
	format, alg, ok := r.Lookup(path)
	if !ok {
		return nil, errors.New(errors.ErrorTypeSourceFormat, "unrecognized input file format").
			WithDetail("path", path)
	}

	f, err := os.Open(path) //nolint:gosec // input paths come from discovery
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceOpen, "cannot open input file").
			WithDetail("path", path)
	}

	rc, err := compression.NewReader(f, alg)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeSourceOpen, "cannot decompress input file").
			WithDetail("path", path)
	}

	// Force the first decompressed block so that corrupt headers of lazily
	// initialized codecs are reported as open failures.
	br := bufio.NewReader(rc)
	if _, err := br.Peek(1); err != nil && err != io.EOF {
		rc.Close()
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeSourceOpen, "cannot decompress input file").
			WithDetail("path", path)
	}

	dec, err := format.NewDecoder(br)
	if err != nil {
		rc.Close()
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeSourceOpen, "invalid "+format.Name+" header").
			WithDetail("path", path)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &fileReader{
		path:    path,
		file:    f,
		rc:      rc,
		dec:     dec,
		mixer:   NewMixer(),
		verbose: opts.Verbose,
		logger:  logger.With(zap.String("file", path)),
	}, nil
}

var defaultRegistry = DefaultRegistry()

// Open opens path with the default registry and quiet options.
func Open(path string) (FrameReader, error) {
	return defaultRegistry.Open(path, Options{})
}

// Recognizes reports whether the default registry can read path.
func Recognizes(path string) bool {
	return defaultRegistry.Recognizes(path)
}
