// Package sqlite implements the relational backend on SQLite using
// database/sql and the pure Go modernc.org/sqlite driver.
//
// Each batch is written to <output>/<batch>.db. Tables are created on their
// first record with an event_no column followed by the record's fields. Scalar
// tables key on event_no; series tables hold one row per element and carry an
// index named event_no_<table>. Staged rows are inserted in one transaction
// per flush with a prepared INSERT. The batch manifest is stored as JSON in
// the _frameconv_meta table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/batch"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

const (
	// Suffix of every relational artifact.
	Suffix = ".db"
	// MergedFile is the final artifact name inside a merge destination directory.
	MergedFile = batch.ReservedName + Suffix
	// MetaTable stores manifests.
	MetaTable = "_frameconv_meta"

	metaPartial = "manifest"
	metaMerged  = "merged"
)

// Factory creates SQLite writers and merges SQLite artifacts.
type Factory struct{}

// NewFactory returns the SQLite backend.
func NewFactory() *Factory {
	return &Factory{}
}

// Kind implements backend.Factory.
func (f *Factory) Kind() string { return config.BackendSQLite }

// FinalPath implements backend.Factory.
func (f *Factory) FinalPath(dest string) string {
	if strings.HasSuffix(dest, Suffix) {
		return dest
	}
	return filepath.Join(dest, MergedFile)
}

// Discover implements backend.Factory. Merged artifacts and hidden files in
// outputDir are ignored.
func (f *Factory) Discover(outputDir string) ([]backend.Artifact, error) {
	paths, err := filepath.Glob(filepath.Join(outputDir, "*"+Suffix))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "listing relational artifacts")
	}
	sort.Strings(paths)

	var artifacts []backend.Artifact
	for _, path := range paths {
		if strings.HasPrefix(filepath.Base(path), ".") {
			continue
		}
		meta, err := readMeta(path)
		if err != nil {
			artifacts = append(artifacts, backend.Artifact{Path: path, Err: err})
			continue
		}
		if _, merged := meta[metaMerged]; merged {
			continue
		}
		raw, ok := meta[metaPartial]
		if !ok {
			artifacts = append(artifacts, backend.Artifact{Path: path, Err: fmt.Errorf("no manifest in %s", path)})
			continue
		}
		m, err := backend.DecodeManifest([]byte(raw))
		if err != nil {
			artifacts = append(artifacts, backend.Artifact{Path: path, Err: err})
			continue
		}
		artifacts = append(artifacts, backend.Artifact{Path: path, Manifest: m})
	}
	return artifacts, nil
}

// ReadMerged implements backend.Factory.
func (f *Factory) ReadMerged(final string) (*backend.MergedManifest, error) {
	if _, err := os.Stat(final); os.IsNotExist(err) {
		return nil, nil
	}
	meta, err := readMeta(final)
	if err != nil {
		return nil, err
	}
	raw, ok := meta[metaMerged]
	if !ok {
		return nil, nil
	}
	return backend.DecodeMergedManifest([]byte(raw))
}

func open(ctx context.Context, path string, fresh bool) (*sql.DB, error) {
	if fresh {
		for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return nil, errors.Wrap(err, errors.ErrorTypeFile, "removing stale artifact").WithDetail("path", p)
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "creating output directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "sqlite: open").WithDetail("path", path)
	}
	// ATTACH and transactions must see a single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "sqlite: ping").WithDetail("path", path)
	}
	return db, nil
}

func readMeta(path string) (map[string]string, error) {
	db, err := open(context.Background(), path, false)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(fmt.Sprintf("SELECT key, value FROM %s", quote(MetaTable)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: read meta of %s: %w", path, err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func writeMeta(ctx context.Context, db execer, key string, v interface{}) error {
	data, err := backend.Encode(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding manifest")
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT)", quote(MetaTable))); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: create meta table")
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (key, value) VALUES (?, ?)", quote(MetaTable)), key, string(data)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: write manifest")
	}
	return nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func columnType(ct models.ColumnType) string {
	switch ct.Kind {
	case models.KindInt, models.KindBool:
		return "INTEGER"
	case models.KindFloat:
		return "REAL"
	case models.KindString:
		return "TEXT"
	default:
		return ""
	}
}

func columnDef(name string, ct models.ColumnType) string {
	if t := columnType(ct); t != "" {
		return quote(name) + " " + t
	}
	return quote(name)
}

// createTable creates table with event_no followed by cols in order.
func createTable(ctx context.Context, db execer, table string, series bool, cols []string, types map[string]models.ColumnType) error {
	defs := make([]string, 0, len(cols)+1)
	if series {
		defs = append(defs, quote(backend.EventColumn)+" INTEGER NOT NULL")
	} else {
		defs = append(defs, quote(backend.EventColumn)+" INTEGER PRIMARY KEY NOT NULL")
	}
	for _, c := range cols {
		defs = append(defs, columnDef(c, types[c]))
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quote(table), strings.Join(defs, ", "))); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: create table").WithDetail("table", table)
	}
	if series {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			quote(backend.EventColumn+"_"+table), quote(table), quote(backend.EventColumn))); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "sqlite: create index").WithDetail("table", table)
		}
	}
	return nil
}

func insertSQL(table string, cols []string) string {
	quoted := make([]string, len(cols)+1)
	placeholders := make([]string, len(cols)+1)
	quoted[0] = quote(backend.EventColumn)
	placeholders[0] = "?"
	for i, c := range cols {
		quoted[i+1] = quote(c)
		placeholders[i+1] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
}
