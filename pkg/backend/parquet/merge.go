package parquet

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/errors"
)

// Merge implements backend.Factory. tmpDest is created as a directory holding
// one <table>.parquet per table. Each source fragment becomes one row group,
// with event_no shifted by its part's offset and columns cast to the unified
// table schema.
func (f *Factory) Merge(ctx context.Context, parts []backend.Part, tmpDest string, manifest *backend.MergedManifest, opts backend.Options) (map[string]*backend.TableStats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	manifests := make([]*backend.Manifest, len(parts))
	for i, p := range parts {
		manifests[i] = p.Manifest
	}
	unified, err := backend.UnifyTables(manifests)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(tmpDest); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "removing stale merge output").WithDetail("path", tmpDest)
	}
	if err := os.MkdirAll(tmpDest, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "creating merge output").WithDetail("path", tmpDest)
	}

	names := make([]string, 0, len(unified))
	for name := range unified {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &merger{pool: memory.NewGoAllocator(), compression: opts.Compression, logger: logger}
	stats := make(map[string]*backend.TableStats, len(unified))
	for _, name := range names {
		ts, err := m.mergeTable(ctx, unified[name], parts, tmpDest)
		if err != nil {
			return nil, err
		}
		stats[name] = ts
	}

	manifest.Tables = stats
	if err := writeManifest(tmpDest, manifest); err != nil {
		return nil, err
	}
	return stats, nil
}

type merger struct {
	pool        memory.Allocator
	compression string
	logger      *zap.Logger
}

func (m *merger) mergeTable(ctx context.Context, u *backend.UnifiedTable, parts []backend.Part, dest string) (*backend.TableStats, error) {
	schema, cols := arrowSchema(u.Series, u.Names(), u.Columns)
	out, err := createFile(filepath.Join(dest, u.Name+Suffix), schema, m.compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "creating merged table").WithDetail("table", u.Name)
	}

	stats := &backend.TableStats{Series: u.Series, Columns: u.Columns, Fragments: []string{u.Name + Suffix}}
	last := int64(-1)
	for _, p := range parts {
		ts, ok := p.Manifest.Tables[u.Name]
		if !ok {
			continue
		}
		var physical int64
		for _, frag := range ts.Fragments {
			if err := ctx.Err(); err != nil {
				out.Close()
				return nil, err
			}
			n, err := m.copyFragment(ctx, out, schema, cols, p, filepath.Join(p.Path, filepath.FromSlash(frag)), &last)
			if err != nil {
				out.Close()
				return nil, err
			}
			physical += n
		}
		if physical != ts.Records {
			out.Close()
			return nil, errors.Newf(errors.ErrorTypeMergeIntegrity, "table %s of batch %s holds %d rows, manifest records %d",
				u.Name, p.Manifest.Batch, physical, ts.Records)
		}
		stats.Records += ts.Records
		stats.Rows += ts.Rows
		m.logger.Debug("merged table fragments",
			zap.String("batch", p.Manifest.Batch),
			zap.String("table", u.Name),
			zap.Int("fragments", len(ts.Fragments)))
	}

	if err := out.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "closing merged table").WithDetail("table", u.Name)
	}
	return stats, nil
}

// copyFragment reads one fragment, checks its event indices and writes it to
// out as one row group. last is the greatest merged event index written so
// far; merged indices must grow strictly.
func (m *merger) copyFragment(ctx context.Context, out *sink, schema *arrow.Schema, cols []string, p backend.Part, path string, last *int64) (int64, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeMergeIntegrity, "opening fragment").WithDetail("path", path)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, m.pool)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeMergeIntegrity, "reading fragment").WithDetail("path", path)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeMergeIntegrity, "reading fragment").WithDetail("path", path)
	}
	defer tbl.Release()

	n := tbl.NumRows()
	if n == 0 {
		return 0, nil
	}

	src := make(map[string]arrow.Array, tbl.NumCols())
	for i := 0; i < int(tbl.NumCols()); i++ {
		col := tbl.Column(i)
		arr, err := array.Concatenate(col.Data().Chunks(), m.pool)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeInternal, "reading column").WithDetail("column", col.Name())
		}
		defer arr.Release()
		src[col.Name()] = arr
	}

	events, ok := src[backend.EventColumn].(*array.Int64)
	if !ok {
		return 0, errors.New(errors.ErrorTypeMergeIntegrity, "fragment has no event_no column").WithDetail("path", path)
	}

	b := array.NewRecordBuilder(m.pool, schema)
	defer b.Release()
	eventCol := b.Field(0).(*array.Int64Builder)
	for i := 0; i < int(n); i++ {
		local := events.Value(i)
		if local < 0 || local >= p.Manifest.Events {
			return 0, errors.Newf(errors.ErrorTypeMergeIntegrity, "event index %d outside the %d events of batch %s",
				local, p.Manifest.Events, p.Manifest.Batch).WithDetail("path", path)
		}
		merged := local + p.Offset
		if merged <= *last {
			return 0, errors.Newf(errors.ErrorTypeMergeIntegrity, "duplicate or out of order event index %d", merged).
				WithDetail("batch", p.Manifest.Batch).WithDetail("path", path)
		}
		*last = merged
		eventCol.Append(merged)

		for j, col := range cols {
			if err := copyValue(b.Field(j+1), src[col], i); err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "casting column").
					WithDetail("column", col).WithDetail("path", path)
			}
		}
	}

	rec := b.NewRecord()
	defer rec.Release()
	if err := out.Write(rec); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "writing merged rows").WithDetail("path", path)
	}
	return n, nil
}
