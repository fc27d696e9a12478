package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

func truthRecord(event int64, energy interface{}) *models.Record {
	return &models.Record{Table: "truth", Event: event, Fields: map[string]interface{}{
		"event_id": event + 100,
		"energy":   energy,
	}}
}

func pulseRecord(event int64, n int) *models.Record {
	times := make([]float64, n)
	strs := make([]int64, n)
	for i := range times {
		times[i] = float64(event)*10 + float64(i)
		strs[i] = int64(i % 2)
	}
	return &models.Record{Table: "pulses", Event: event, Fields: map[string]interface{}{
		"time":   times,
		"string": strs,
	}}
}

func writeBatch(t *testing.T, dir string, batch models.Batch, opts backend.Options, recs ...*models.Record) *backend.Manifest {
	t.Helper()
	ctx := context.Background()
	w, err := NewFactory().NewWriter(batch, dir, opts)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(ctx, r))
	}
	m, err := w.Close(ctx, &backend.Manifest{
		Batch: batch.Name, Index: batch.Index, Status: backend.StatusComplete, Events: int64(len(recs)),
	})
	require.NoError(t, err)
	return m
}

func queryInt(t *testing.T, path, q string) int64 {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int64
	require.NoError(t, db.QueryRow(q).Scan(&n))
	return n
}

func testOptions(t *testing.T) backend.Options {
	return backend.Options{BufferSize: 2, SchemaPolicy: config.SchemaExtend, Logger: zaptest.NewLogger(t)}
}

func TestWriter_ScalarAndSeriesTables(t *testing.T) {
	dir := t.TempDir()
	batch := models.Batch{Index: 0, Name: "temp_000"}
	m := writeBatch(t, dir, batch, testOptions(t),
		truthRecord(0, 1.5), pulseRecord(0, 3),
		truthRecord(1, 2.5), pulseRecord(1, 2),
		truthRecord(2, 3.5),
	)

	path := filepath.Join(dir, "temp_000.db")
	assert.Equal(t, int64(3), queryInt(t, path, `SELECT COUNT(*) FROM "truth"`))
	assert.Equal(t, int64(5), queryInt(t, path, `SELECT COUNT(*) FROM "pulses"`))
	assert.Equal(t, int64(1), queryInt(t, path,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'event_no_pulses'`))
	assert.Equal(t, int64(1), queryInt(t, path,
		`SELECT COUNT(*) FROM pragma_table_info('truth') WHERE name = 'event_no' AND pk = 1 AND "notnull" = 1`))
	assert.Equal(t, int64(0), queryInt(t, path,
		`SELECT COUNT(*) FROM pragma_table_info('pulses') WHERE pk = 1`))

	require.Contains(t, m.Tables, "pulses")
	assert.Equal(t, int64(2), m.Tables["pulses"].Records)
	assert.Equal(t, int64(5), m.Tables["pulses"].Rows)
	assert.True(t, m.Tables["pulses"].Series)
	assert.Equal(t, models.ColumnType{Kind: models.KindFloat, List: true}, m.Tables["pulses"].Columns["time"])
	assert.Equal(t, config.BackendSQLite, m.Backend)

	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.NoError(t, artifacts[0].Err)
	assert.Equal(t, m, artifacts[0].Manifest)
}

func TestWriter_SchemaPolicies(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := NewFactory().NewWriter(models.Batch{Name: "extend"}, dir, testOptions(t))
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, truthRecord(0, int64(1))))
	// int64 widens to float64 and a new column is added
	extended := truthRecord(1, 2.5)
	extended.Fields["zenith"] = 0.3
	require.NoError(t, w.Write(ctx, extended))
	require.NoError(t, w.Write(ctx, truthRecord(2, nil)))

	err = w.Write(ctx, truthRecord(3, "high"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
	err = w.Write(ctx, &models.Record{Table: "truth", Event: 4, Fields: map[string]interface{}{"energy": []float64{1}}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))

	m, err := w.Close(ctx, &backend.Manifest{Batch: "extend", Events: 5})
	require.NoError(t, err)
	assert.Equal(t, models.ColumnType{Kind: models.KindFloat}, m.Tables["truth"].Columns["energy"])
	assert.Contains(t, m.Tables["truth"].Columns, "zenith")
	assert.Equal(t, int64(1), queryInt(t, w.Path(), `SELECT COUNT(*) FROM "truth" WHERE zenith IS NOT NULL`))
	assert.Equal(t, int64(3), queryInt(t, w.Path(), `SELECT COUNT(*) FROM "truth"`))

	opts := testOptions(t)
	opts.SchemaPolicy = config.SchemaFail
	w, err = NewFactory().NewWriter(models.Batch{Name: "fail"}, dir, opts)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, truthRecord(0, 1.0)))
	err = w.Write(ctx, extended)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
	_, err = w.Close(ctx, &backend.Manifest{Batch: "fail", Status: backend.StatusFailed, Events: 2})
	require.NoError(t, err)
}

func TestWriter_RejectsRepeatedEvent(t *testing.T) {
	ctx := context.Background()
	w, err := NewFactory().NewWriter(models.Batch{Name: "b"}, t.TempDir(), testOptions(t))
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, truthRecord(3, 1.0)))
	assert.Error(t, w.Write(ctx, truthRecord(3, 1.0)))
	_, err = w.Close(ctx, &backend.Manifest{Batch: "b"})
	require.NoError(t, err)
}

func TestWriter_RerunIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	batch := models.Batch{Name: "same"}
	recs := []*models.Record{truthRecord(0, 1.0), pulseRecord(0, 4), truthRecord(1, 2.0)}

	writeBatch(t, dir, batch, testOptions(t), recs...)
	first, err := os.ReadFile(filepath.Join(dir, "same.db"))
	require.NoError(t, err)

	writeBatch(t, dir, batch, testOptions(t), recs...)
	second, err := os.ReadFile(filepath.Join(dir, "same.db"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func mergeParts(t *testing.T, dir string, offsets []int64) (string, map[string]*backend.TableStats, error) {
	t.Helper()
	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	parts := make([]backend.Part, len(artifacts))
	for i, a := range artifacts {
		require.NoError(t, a.Err)
		parts[i] = backend.Part{Artifact: a, Offset: offsets[i]}
	}
	dest := filepath.Join(t.TempDir(), "merged.db")
	stats, err := NewFactory().Merge(context.Background(), parts, dest,
		&backend.MergedManifest{Backend: config.BackendSQLite, Fingerprint: "fp", Complete: true}, testOptions(t))
	return dest, stats, err
}

func TestMerge_OffsetsEventIndices(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, models.Batch{Index: 0, Name: "a"}, testOptions(t),
		truthRecord(0, 1.0), pulseRecord(0, 2), truthRecord(1, 2.0), pulseRecord(1, 1))
	// second batch has an extra column and integer energies
	extra := truthRecord(1, int64(4))
	extra.Fields["zenith"] = 0.5
	writeBatch(t, dir, models.Batch{Index: 1, Name: "b"}, testOptions(t),
		truthRecord(0, int64(3)), extra, pulseRecord(1, 3))

	dest, stats, err := mergeParts(t, dir, []int64{0, 2})
	require.NoError(t, err)

	assert.Equal(t, int64(4), stats["truth"].Records)
	assert.Equal(t, int64(6), stats["pulses"].Rows)
	assert.Equal(t, int64(4), queryInt(t, dest, `SELECT COUNT(DISTINCT event_no) FROM "truth"`))
	assert.Equal(t, int64(3), queryInt(t, dest, `SELECT MAX(event_no) FROM "truth"`))
	assert.Equal(t, int64(3), queryInt(t, dest, `SELECT COUNT(*) FROM "pulses" WHERE event_no = 3`))
	assert.Equal(t, int64(1), queryInt(t, dest, `SELECT COUNT(*) FROM "truth" WHERE zenith IS NOT NULL`))
	assert.Equal(t, int64(1), queryInt(t, dest,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'event_no_pulses'`))

	merged, err := NewFactory().ReadMerged(dest)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, "fp", merged.Fingerprint)
	assert.Equal(t, int64(6), merged.Tables["pulses"].Rows)

	// merged artifacts are not picked up as partials
	require.NoError(t, os.Rename(dest, filepath.Join(dir, "merged.db")))
	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestMerge_DuplicateEventIndices(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, models.Batch{Index: 0, Name: "a"}, testOptions(t), truthRecord(0, 1.0))
	writeBatch(t, dir, models.Batch{Index: 1, Name: "b"}, testOptions(t), truthRecord(0, 1.0))

	_, _, err := mergeParts(t, dir, []int64{0, 0})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMergeIntegrity))
}

func TestMerge_RowCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, models.Batch{Index: 0, Name: "a"}, testOptions(t), truthRecord(0, 1.0), truthRecord(1, 1.0))

	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	artifacts[0].Manifest.Tables["truth"].Rows = 5

	_, err = NewFactory().Merge(context.Background(),
		[]backend.Part{{Artifact: artifacts[0]}}, filepath.Join(t.TempDir(), "m.db"),
		&backend.MergedManifest{}, testOptions(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeMergeIntegrity))
}

func TestDiscover_UnclosedArtifact(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFactory().NewWriter(models.Batch{Name: "crashed"}, dir, testOptions(t))
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), truthRecord(0, 1.0)))
	// never closed: flush the table so the file exists with data but no manifest
	require.NoError(t, w.(*Writer).flush(context.Background(), "truth", w.(*Writer).tables["truth"]))

	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Error(t, artifacts[0].Err)
	assert.Nil(t, artifacts[0].Manifest)
	require.NoError(t, w.(*Writer).db.Close())
}

func TestFinalPath(t *testing.T) {
	f := NewFactory()
	assert.Equal(t, filepath.Join("out", "merged", MergedFile), f.FinalPath(filepath.Join("out", "merged")))
	assert.Equal(t, "all.db", f.FinalPath("all.db"))
}
