package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

type table struct {
	schema    *backend.TableSchema
	staged    [][]interface{}
	records   int64
	rows      int64
	lastEvent int64
}

// Writer writes one batch into one SQLite file.
type Writer struct {
	path   string
	db     *sql.DB
	opts   backend.Options
	logger *zap.Logger
	tables map[string]*table
	order  []string
}

// NewWriter implements backend.Factory. An existing artifact of the same
// batch is replaced.
func (f *Factory) NewWriter(batch models.Batch, outputDir string, opts backend.Options) (backend.Writer, error) {
	path := filepath.Join(outputDir, batch.Name+Suffix)
	db, err := open(context.Background(), path, true)
	if err != nil {
		return nil, err
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
		path:   path,
		db:     db,
		opts:   opts,
		logger: logger.With(zap.String("artifact", path)),
		tables: make(map[string]*table),
	}, nil
}

// Path implements backend.Writer.
func (w *Writer) Path() string { return w.path }

// Write implements backend.Writer.
func (w *Writer) Write(ctx context.Context, rec *models.Record) error {
	rows, series, err := rec.Shape()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "invalid record").WithDetail("table", rec.Table)
	}

	t, ok := w.tables[rec.Table]
	if !ok {
		t = &table{schema: backend.NewTableSchema(rec.Table, rec, series), lastEvent: -1}
		if err := createTable(ctx, w.db, rec.Table, series, t.schema.Order, t.schema.Columns); err != nil {
			return err
		}
		w.tables[rec.Table] = t
		w.order = append(w.order, rec.Table)
	} else {
		change, err := t.schema.Reconcile(rec, series, w.opts.SchemaPolicy)
		if err != nil {
			return err
		}
		for _, col := range change.Added {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(rec.Table), columnDef(col, t.schema.Columns[col]))
			if _, err := w.db.ExecContext(ctx, stmt); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: add column").WithDetail("table", rec.Table)
			}
			w.logger.Debug("extended table schema", zap.String("table", rec.Table), zap.String("column", col))
		}
	}

	if rec.Event <= t.lastEvent {
		return errors.Newf(errors.ErrorTypeInternal, "event index %d not increasing in table %s", rec.Event, rec.Table)
	}
	t.lastEvent = rec.Event

	for i := 0; i < rows; i++ {
		row := make([]interface{}, len(t.schema.Order)+1)
		row[0] = rec.Event
		for j, col := range t.schema.Order {
			row[j+1] = rec.ValueAt(col, i)
		}
		t.staged = append(t.staged, row)
	}
	t.records++
	t.rows += int64(rows)

	if len(t.staged) >= w.opts.BufferSize {
		return w.flush(ctx, rec.Table, t)
	}
	return nil
}

func (w *Writer) flush(ctx context.Context, name string, t *table) error {
	if len(t.staged) == 0 {
		return nil
	}
	cols := t.schema.Order

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: begin tx")
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(name, cols))
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: prepare insert").WithDetail("table", name)
	}
	defer stmt.Close()

	args := make([]interface{}, len(cols)+1)
	for _, row := range t.staged {
		// rows staged before a schema extension are shorter
		n := copy(args, row)
		for i := n; i < len(args); i++ {
			args[i] = nil
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: insert").WithDetail("table", name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: commit").WithDetail("table", name)
	}
	t.staged = t.staged[:0]
	return nil
}

// Close implements backend.Writer.
func (w *Writer) Close(ctx context.Context, m *backend.Manifest) (*backend.Manifest, error) {
	var flushErr error
	for _, name := range w.order {
		if err := w.flush(ctx, name, w.tables[name]); err != nil && flushErr == nil {
			flushErr = err
		}
	}

	m.Backend = config.BackendSQLite
	m.Tables = make(map[string]*backend.TableStats, len(w.tables))
	for name, t := range w.tables {
		stats := t.schema.Stats()
		stats.Records = t.records
		stats.Rows = t.rows
		m.Tables[name] = stats
	}
	if flushErr != nil && m.Status != backend.StatusFailed {
		m.Status = backend.StatusFailed
		m.Error = flushErr.Error()
	}

	// The manifest is written even for failed batches so that merge can
	// report them.
	if err := writeMeta(context.Background(), w.db, metaPartial, m); err != nil {
		if flushErr == nil {
			flushErr = err
		}
	}
	if err := w.db.Close(); err != nil && flushErr == nil {
		flushErr = errors.Wrap(err, errors.ErrorTypeFile, "sqlite: close")
	}
	return m, flushErr
}
