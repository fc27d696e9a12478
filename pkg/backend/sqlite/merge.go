package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/errors"
)

const partAlias = "part"

// Merge implements backend.Factory. Tables are created with the union of the
// parts' columns; each part is attached in turn and its rows are appended in
// insertion order with event_no shifted by the part's offset.
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

	db, err := open(ctx, tmpDest, true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "sqlite: connection")
	}
	defer conn.Close()

	names := make([]string, 0, len(unified))
	for name := range unified {
		names = append(names, name)
	}
	sort.Strings(names)

	stats := make(map[string]*backend.TableStats, len(unified))
	for _, name := range names {
		u := unified[name]
		if err := createTable(ctx, conn, name, u.Series, u.Names(), u.Columns); err != nil {
			return nil, err
		}
		stats[name] = &backend.TableStats{Series: u.Series, Columns: u.Columns}
	}

	for _, p := range parts {
		if err := mergePart(ctx, conn, p, stats); err != nil {
			return nil, err
		}
		logger.Debug("merged partial artifact",
			zap.String("batch", p.Manifest.Batch),
			zap.Int64("offset", p.Offset))
	}

	manifest.Tables = stats
	if err := writeMeta(ctx, conn, metaMerged, manifest); err != nil {
		return nil, err
	}
	if err := conn.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "sqlite: release connection")
	}
	if err := db.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "sqlite: close merged artifact")
	}
	return stats, nil
}

func mergePart(ctx context.Context, conn *sql.Conn, p backend.Part, stats map[string]*backend.TableStats) error {
	m := p.Manifest
	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+partAlias, p.Path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: attach").WithDetail("path", p.Path)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "DETACH DATABASE "+partAlias)
	}()

	tables := make([]string, 0, len(m.Tables))
	for name := range m.Tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: begin tx")
	}
	for _, name := range tables {
		if err := mergeTable(ctx, tx, p, name, stats[name]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: commit").WithDetail("batch", m.Batch)
	}
	return nil
}

func mergeTable(ctx context.Context, tx *sql.Tx, p backend.Part, name string, stats *backend.TableStats) error {
	m := p.Manifest
	ts := m.Tables[name]
	src := partAlias + "." + quote(name)

	var count int64
	var maxEvent sql.NullInt64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*), MAX(%s) FROM %s", quote(backend.EventColumn), src)).
		Scan(&count, &maxEvent); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMergeIntegrity, "reading partial table").
			WithDetail("batch", m.Batch).WithDetail("table", name)
	}
	if count != ts.Rows {
		return errors.Newf(errors.ErrorTypeMergeIntegrity, "table %s of batch %s holds %d rows, manifest records %d",
			name, m.Batch, count, ts.Rows)
	}
	if maxEvent.Valid && maxEvent.Int64 >= m.Events {
		return errors.Newf(errors.ErrorTypeMergeIntegrity, "table %s of batch %s has event index %d beyond the batch's %d events",
			name, m.Batch, maxEvent.Int64, m.Events)
	}

	cols := make([]string, 0, len(ts.Columns))
	for c := range ts.Columns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	colList := ""
	if len(quoted) > 0 {
		colList = ", " + strings.Join(quoted, ", ")
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO main.%s (%s%s) SELECT %s + ?%s FROM %s ORDER BY rowid",
		quote(name), quote(backend.EventColumn), colList, quote(backend.EventColumn), colList, src), p.Offset)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return errors.Wrap(err, errors.ErrorTypeMergeIntegrity, "duplicate event index").
				WithDetail("batch", m.Batch).WithDetail("table", name)
		}
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: copy rows").
			WithDetail("batch", m.Batch).WithDetail("table", name)
	}
	if n, err := res.RowsAffected(); err == nil && n != ts.Rows {
		return errors.Newf(errors.ErrorTypeMergeIntegrity, "copied %d rows of table %s from batch %s, expected %d",
			n, name, m.Batch, ts.Rows)
	}

	stats.Records += ts.Records
	stats.Rows += ts.Rows
	return nil
}
