// Package compression provides streaming decompression for input frame files
// and streaming compression for writing them.
//
// The algorithm is chosen from the file suffix:
//
//	.gz   gzip    (klauspost/compress/gzip)
//	.zst  zstd    (klauspost/compress/zstd)
//	.lz4  lz4     (pierrec/lz4/v4)
//	.sz   s2      (klauspost/compress/s2, reads Snappy framed streams too)
//	.bz2  bzip2   (read only)
//
// # Basic Usage
//
//	alg, rest := compression.FromPath("run_0001.i3.jsonl.zst") // Zstd, "run_0001.i3.jsonl"
//	rc, err := compression.NewReader(f, alg)
//	defer rc.Close()
package compression

import (
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
	// Bzip2 represents bzip2 compression
	Bzip2 Algorithm = "bzip2"
)

// Level represents compression level, controlling the trade-off between
// compression speed and compression ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Better improves compression at cost of speed.
	Better Level = 7
	// Best maximizes compression ratio.
	Best Level = 9
)

var suffixes = []struct {
	suffix string
	alg    Algorithm
}{
	{".gz", Gzip},
	{".zst", Zstd},
	{".lz4", LZ4},
	{".sz", S2},
	{".bz2", Bzip2},
}

// FromPath returns the algorithm implied by the path's compression suffix and
// the path with that suffix removed. Paths without a known suffix yield None.
func FromPath(path string) (Algorithm, string) {
	lower := strings.ToLower(path)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.alg, path[:len(path)-len(s.suffix)]
		}
	}
	return None, path
}

// Suffix returns the file suffix for alg, empty for None.
func Suffix(alg Algorithm) string {
	for _, s := range suffixes {
		if s.alg == alg {
			return s.suffix
		}
	}
	return ""
}

// NewReader wraps r with a decompressor for alg. Headers are validated eagerly
// where the format allows, so a corrupt or mislabelled stream fails here.
func NewReader(r io.Reader, alg Algorithm) (io.ReadCloser, error) {
	switch alg {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		return gr, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	case Bzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

// NewWriter wraps w with a compressor for alg. Close must be called to flush
// the stream; it does not close w.
func NewWriter(w io.Writer, alg Algorithm, level Level) (io.WriteCloser, error) {
	switch alg {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, mapGzipLevel(level))
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(mapZstdLevel(level)))
	case LZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(mapLZ4Level(level))); err != nil {
			return nil, err
		}
		return lw, nil
	case S2:
		return s2.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("compression not supported for writing: %s", alg)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
