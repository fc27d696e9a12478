package parquet

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

type table struct {
	schema    *backend.TableSchema
	buffered  []*models.Record
	staged    int
	records   int64
	rows      int64
	lastEvent int64
	fragments []string
}

// Writer writes one batch into one artifact directory.
type Writer struct {
	batch  models.Batch
	dir    string
	opts   backend.Options
	logger *zap.Logger
	pool   memory.Allocator
	tables map[string]*table
	order  []string
}

// NewWriter implements backend.Factory. An existing artifact of the same
// batch is replaced.
func (f *Factory) NewWriter(batch models.Batch, outputDir string, opts backend.Options) (backend.Writer, error) {
	dir := filepath.Join(outputDir, batch.Name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "removing stale artifact").WithDetail("path", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "creating artifact directory").WithDetail("path", dir)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.SchemaPolicy == "" {
		opts.SchemaPolicy = config.SchemaExtend
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		batch:  batch,
		dir:    dir,
		opts:   opts,
		logger: logger.With(zap.String("artifact", dir)),
		pool:   memory.NewGoAllocator(),
		tables: make(map[string]*table),
	}, nil
}

// Path implements backend.Writer.
func (w *Writer) Path() string { return w.dir }

// Write implements backend.Writer.
func (w *Writer) Write(ctx context.Context, rec *models.Record) error {
	rows, series, err := rec.Shape()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "invalid record").WithDetail("table", rec.Table)
	}

	t, ok := w.tables[rec.Table]
	if !ok {
		t = &table{schema: backend.NewTableSchema(rec.Table, rec, series), lastEvent: -1}
		w.tables[rec.Table] = t
		w.order = append(w.order, rec.Table)
	} else {
		change, err := t.schema.Reconcile(rec, series, w.opts.SchemaPolicy)
		if err != nil {
			return err
		}
		if len(change.Added) > 0 {
			w.logger.Debug("extended table schema", zap.String("table", rec.Table), zap.Strings("columns", change.Added))
		}
	}

	if rec.Event <= t.lastEvent {
		return errors.Newf(errors.ErrorTypeInternal, "event index %d not increasing in table %s", rec.Event, rec.Table)
	}
	t.lastEvent = rec.Event

	t.buffered = append(t.buffered, rec)
	t.staged += rows
	t.records++
	t.rows += int64(rows)

	if t.staged >= w.opts.BufferSize {
		return w.flush(ctx, rec.Table, t)
	}
	return nil
}

// flush writes the buffered records of t as the table's next fragment.
func (w *Writer) flush(ctx context.Context, name string, t *table) error {
	if len(t.buffered) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	schema, cols := arrowSchema(t.schema.Series, t.schema.Order, t.schema.Columns)
	rec, err := w.build(schema, cols, t)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "building fragment").WithDetail("table", name)
	}
	defer rec.Release()

	rel := filepath.Join(name, fmt.Sprintf("%s_%05d%s", w.batch.Name, len(t.fragments), Suffix))
	if err := writeFile(filepath.Join(w.dir, rel), rec, w.opts.Compression); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "writing fragment").WithDetail("table", name)
	}
	t.fragments = append(t.fragments, filepath.ToSlash(rel))
	t.buffered = t.buffered[:0]
	t.staged = 0
	return nil
}

func (w *Writer) build(schema *arrow.Schema, cols []string, t *table) (arrow.Record, error) {
	b := array.NewRecordBuilder(w.pool, schema)
	defer b.Release()

	eventCol := b.Field(0).(*array.Int64Builder)
	for _, r := range t.buffered {
		eventCol.Append(r.Event)
		rows, _, _ := r.Shape()
		for j, col := range cols {
			kind := t.schema.Columns[col].Kind
			fb := b.Field(j + 1)
			v, present := r.Fields[col]
			if !t.schema.Series {
				if err := appendValue(fb, kind, v); err != nil {
					return nil, fmt.Errorf("column %s: %w", col, err)
				}
				continue
			}
			lb := fb.(*array.ListBuilder)
			if !present || v == nil {
				lb.AppendNull()
				continue
			}
			lb.Append(true)
			for i := 0; i < rows; i++ {
				if err := appendValue(lb.ValueBuilder(), kind, r.ValueAt(col, i)); err != nil {
					return nil, fmt.Errorf("column %s: %w", col, err)
				}
			}
		}
	}
	return b.NewRecord(), nil
}

// sink is one Parquet file being written, one row group per Write.
type sink struct {
	f  *os.File
	fw *pqarrow.FileWriter
}

func createFile(path string, schema *arrow.Schema, compression string) (*sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	props, arrowProps := writerProperties(compression)
	fw, err := pqarrow.NewFileWriter(schema, f, props, arrowProps)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	return &sink{f: f, fw: fw}, nil
}

func (s *sink) Write(rec arrow.Record) error {
	if err := s.fw.Write(rec); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	return nil
}

func (s *sink) Close() error {
	if err := s.fw.Close(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	// the file writer closes its sink
	if err := s.f.Close(); err != nil && !stderrors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func writeFile(path string, rec arrow.Record, compression string) error {
	s, err := createFile(path, rec.Schema(), compression)
	if err != nil {
		return err
	}
	if err := s.Write(rec); err != nil {
		s.Close()
		return err
	}
	return s.Close()
}

// Close implements backend.Writer.
func (w *Writer) Close(ctx context.Context, m *backend.Manifest) (*backend.Manifest, error) {
	var flushErr error
	for _, name := range w.order {
		if err := w.flush(ctx, name, w.tables[name]); err != nil && flushErr == nil {
			flushErr = err
		}
	}

	m.Backend = config.BackendParquet
	m.Tables = make(map[string]*backend.TableStats, len(w.tables))
	for name, t := range w.tables {
		stats := t.schema.Stats()
		stats.Records = t.records
		stats.Rows = t.rows
		stats.Fragments = t.fragments
		m.Tables[name] = stats
	}
	if flushErr != nil && m.Status != backend.StatusFailed {
		m.Status = backend.StatusFailed
		m.Error = flushErr.Error()
	}

	if err := writeManifest(w.dir, m); err != nil && flushErr == nil {
		flushErr = err
	}
	return m, flushErr
}

func writeManifest(dir string, v interface{}) error {
	data, err := backend.Encode(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, backend.ManifestFile), data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "writing manifest").WithDetail("path", dir)
	}
	return nil
}
