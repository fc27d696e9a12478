// Package parquet implements the columnar backend on Apache Parquet using the
// arrow-go pqarrow writer and reader.
//
// Each batch is written to the directory <output>/<batch>. Every table gets a
// subdirectory of fragments named <batch>_<nnnnn>.parquet, one per buffer
// flush, in arrival order. The batch manifest is <output>/<batch>/_manifest.json.
//
// A scalar table has one row per record. A series table also has one row per
// record, with every data column stored as a list; scalar fields of a series
// record are repeated once per element.
package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	pq "github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

// Suffix of every data file.
const Suffix = ".parquet"

// Factory creates Parquet writers and merges Parquet artifacts.
type Factory struct{}

// NewFactory returns the Parquet backend.
func NewFactory() *Factory {
	return &Factory{}
}

// Kind implements backend.Factory.
func (f *Factory) Kind() string { return config.BackendParquet }

// FinalPath implements backend.Factory. The destination is a directory.
func (f *Factory) FinalPath(dest string) string { return dest }

// Discover implements backend.Factory. Every non-hidden subdirectory of
// outputDir holding a batch manifest or fragments is an artifact; merged
// artifacts are ignored.
func (f *Factory) Discover(outputDir string) ([]backend.Artifact, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "listing columnar artifacts").WithDetail("path", outputDir)
	}

	var artifacts []backend.Artifact
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		dir := filepath.Join(outputDir, e.Name())
		data, err := os.ReadFile(filepath.Join(dir, backend.ManifestFile))
		if os.IsNotExist(err) {
			fragments, _ := filepath.Glob(filepath.Join(dir, "*", "*"+Suffix))
			if len(fragments) > 0 {
				artifacts = append(artifacts, backend.Artifact{Path: dir, Err: fmt.Errorf("no manifest in %s", dir)})
			}
			continue
		}
		if err != nil {
			artifacts = append(artifacts, backend.Artifact{Path: dir, Err: err})
			continue
		}
		m, err := backend.DecodeManifest(data)
		if err != nil {
			artifacts = append(artifacts, backend.Artifact{Path: dir, Err: err})
			continue
		}
		if m.Batch == "" {
			// a merged artifact placed inside the output directory
			continue
		}
		artifacts = append(artifacts, backend.Artifact{Path: dir, Manifest: m})
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

// ReadMerged implements backend.Factory.
func (f *Factory) ReadMerged(final string) (*backend.MergedManifest, error) {
	data, err := os.ReadFile(filepath.Join(final, backend.ManifestFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "reading merged manifest").WithDetail("path", final)
	}
	m, err := backend.DecodeMergedManifest(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "decoding merged manifest").WithDetail("path", final)
	}
	if m.Fingerprint == "" {
		return nil, nil
	}
	return m, nil
}

func codec(name string) compress.Compression {
	switch strings.ToLower(name) {
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "lz4":
		return compress.Codecs.Lz4Raw
	case "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}

func writerProperties(compression string) (*pq.WriterProperties, pqarrow.ArrowWriterProperties) {
	props := pq.NewWriterProperties(
		pq.WithCompression(codec(compression)),
		pq.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	return props, arrowProps
}

func arrowType(ct models.ColumnType, series bool) arrow.DataType {
	var t arrow.DataType
	switch ct.Kind {
	case models.KindInt:
		t = arrow.PrimitiveTypes.Int64
	case models.KindFloat:
		t = arrow.PrimitiveTypes.Float64
	case models.KindBool:
		t = arrow.FixedWidthTypes.Boolean
	case models.KindString:
		t = arrow.BinaryTypes.String
	default:
		return nil
	}
	if series {
		return arrow.ListOf(t)
	}
	return t
}

// arrowSchema builds the schema of a table: event_no followed by cols.
// Columns that have only held nulls have no type yet and are left out; the
// names of the columns kept are returned alongside.
func arrowSchema(series bool, cols []string, types map[string]models.ColumnType) (*arrow.Schema, []string) {
	fields := make([]arrow.Field, 0, len(cols)+1)
	fields = append(fields, arrow.Field{Name: backend.EventColumn, Type: arrow.PrimitiveTypes.Int64})
	kept := make([]string, 0, len(cols))
	for _, c := range cols {
		t := arrowType(types[c], series)
		if t == nil {
			continue
		}
		fields = append(fields, arrow.Field{Name: c, Type: t, Nullable: true})
		kept = append(kept, c)
	}
	return arrow.NewSchema(fields, nil), kept
}

// appendValue appends one scalar of kind to b.
func appendValue(b array.Builder, kind models.Kind, v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		n, ok := models.AsInt(v)
		if !ok {
			return fmt.Errorf("cannot store %T as %s", v, kind)
		}
		bb.Append(n)
	case *array.Float64Builder:
		f, ok := models.AsFloat(v)
		if !ok {
			return fmt.Errorf("cannot store %T as %s", v, kind)
		}
		bb.Append(f)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot store %T as %s", v, kind)
		}
		bb.Append(x)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("cannot store %T as %s", v, kind)
		}
		bb.Append(s)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

// copyValue appends row i of src to b, converting int64 to float64 where the
// target is wider. A nil src appends a null.
func copyValue(b array.Builder, src arrow.Array, i int) error {
	if src == nil || src.IsNull(i) {
		b.AppendNull()
		return nil
	}
	if lb, ok := b.(*array.ListBuilder); ok {
		l, ok := src.(*array.List)
		if !ok {
			return fmt.Errorf("cannot store %s as a list", src.DataType())
		}
		start, end := l.ValueOffsets(i)
		lb.Append(true)
		values := l.ListValues()
		for j := start; j < end; j++ {
			if err := copyValue(lb.ValueBuilder(), values, int(j)); err != nil {
				return err
			}
		}
		return nil
	}

	switch s := src.(type) {
	case *array.Int64:
		return appendValue(b, models.KindInt, s.Value(i))
	case *array.Float64:
		return appendValue(b, models.KindFloat, s.Value(i))
	case *array.Boolean:
		return appendValue(b, models.KindBool, s.Value(i))
	case *array.String:
		return appendValue(b, models.KindString, s.Value(i))
	default:
		return fmt.Errorf("unsupported column type %s", src.DataType())
	}
}
