package parquet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
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
	for i := range times {
		times[i] = float64(event)*10 + float64(i)
	}
	return &models.Record{Table: "pulses", Event: event, Fields: map[string]interface{}{
		"time":  times,
		"label": "pulse",
	}}
}

func testOptions(t *testing.T) backend.Options {
	return backend.Options{BufferSize: 3, SchemaPolicy: config.SchemaExtend, Compression: "zstd", Logger: zaptest.NewLogger(t)}
}

func writeBatch(t *testing.T, dir string, batch models.Batch, events int64, recs ...*models.Record) *backend.Manifest {
	t.Helper()
	ctx := context.Background()
	w, err := NewFactory().NewWriter(batch, dir, testOptions(t))
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(ctx, r))
	}
	m, err := w.Close(ctx, &backend.Manifest{Batch: batch.Name, Index: batch.Index, Status: backend.StatusComplete, Events: events})
	require.NoError(t, err)
	return m
}

// readTable returns the row groups of a Parquet file and the table it holds.
func readTable(t *testing.T, path string) (int, arrow.Table) {
	t.Helper()
	rdr, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	require.NoError(t, err)
	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	t.Cleanup(tbl.Release)
	return rdr.NumRowGroups(), tbl
}

func int64Column(t *testing.T, tbl arrow.Table, name string) []int64 {
	t.Helper()
	var out []int64
	for i := 0; i < int(tbl.NumCols()); i++ {
		if tbl.Column(i).Name() != name {
			continue
		}
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			out = append(out, chunk.(*array.Int64).Int64Values()...)
		}
	}
	return out
}

func TestWriter_FragmentsAndManifest(t *testing.T) {
	dir := t.TempDir()
	m := writeBatch(t, dir, models.Batch{Name: "b0"}, 5,
		truthRecord(0, 1.0), pulseRecord(0, 2),
		truthRecord(1, 2.0), pulseRecord(1, 1),
		truthRecord(2, nil),
		truthRecord(3, 4.0),
	)

	// truth: three records fill the buffer, the fourth is flushed on close
	require.Contains(t, m.Tables, "truth")
	assert.Equal(t, []string{"truth/b0_00000.parquet", "truth/b0_00001.parquet"}, m.Tables["truth"].Fragments)
	assert.Equal(t, int64(4), m.Tables["truth"].Records)

	// pulses: three elements fill the buffer
	assert.Equal(t, []string{"pulses/b0_00000.parquet"}, m.Tables["pulses"].Fragments)
	assert.Equal(t, int64(2), m.Tables["pulses"].Records)
	assert.Equal(t, int64(3), m.Tables["pulses"].Rows)
	assert.Equal(t, models.ColumnType{Kind: models.KindString, List: true}, m.Tables["pulses"].Columns["label"])

	groups, tbl := readTable(t, filepath.Join(dir, "b0", "truth", "b0_00000.parquet"))
	assert.Equal(t, 1, groups)
	assert.Equal(t, []int64{0, 1, 2}, int64Column(t, tbl, backend.EventColumn))

	_, tbl = readTable(t, filepath.Join(dir, "b0", "pulses", "b0_00000.parquet"))
	assert.Equal(t, int64(2), tbl.NumRows())
	timeCol := tbl.Schema().FieldIndices("time")
	require.Len(t, timeCol, 1)
	lt, ok := tbl.Schema().Field(timeCol[0]).Type.(*arrow.ListType)
	require.True(t, ok)
	assert.Equal(t, arrow.FLOAT64, lt.Elem().ID())

	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.NoError(t, artifacts[0].Err)
	assert.Equal(t, m, artifacts[0].Manifest)
}

func TestWriter_SchemaMismatch(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.SchemaPolicy = config.SchemaFail
	w, err := NewFactory().NewWriter(models.Batch{Name: "b"}, t.TempDir(), opts)
	require.NoError(t, err)

	require.NoError(t, w.Write(ctx, truthRecord(0, 1.0)))
	extended := truthRecord(1, 1.0)
	extended.Fields["zenith"] = 0.1
	assert.True(t, errors.IsType(w.Write(ctx, extended), errors.ErrorTypeSchemaMismatch))
	assert.True(t, errors.IsType(w.Write(ctx, truthRecord(2, "x")), errors.ErrorTypeSchemaMismatch))

	m, err := w.Close(ctx, &backend.Manifest{Batch: "b", Status: backend.StatusFailed, Events: 3})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, m.Status)
	assert.Equal(t, int64(1), m.Tables["truth"].Records)
}

func TestWriter_RerunIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	recs := []*models.Record{truthRecord(0, 1.0), pulseRecord(0, 4), truthRecord(1, int64(2))}

	read := func() map[string][]byte {
		out := make(map[string][]byte)
		root := filepath.Join(dir, "same")
		require.NoError(t, filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			require.NoError(t, err)
			if !info.IsDir() {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				rel, _ := filepath.Rel(root, path)
				out[rel] = data
			}
			return nil
		}))
		return out
	}

	writeBatch(t, dir, models.Batch{Name: "same"}, 2, recs...)
	first := read()
	writeBatch(t, dir, models.Batch{Name: "same"}, 2, recs...)
	assert.Equal(t, first, read())
}

func mergeDir(t *testing.T, dir string, offsets []int64) (string, map[string]*backend.TableStats, error) {
	t.Helper()
	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, len(offsets))
	parts := make([]backend.Part, len(artifacts))
	for i, a := range artifacts {
		require.NoError(t, a.Err)
		parts[i] = backend.Part{Artifact: a, Offset: offsets[i]}
	}
	dest := filepath.Join(t.TempDir(), "merged")
	stats, err := NewFactory().Merge(context.Background(), parts, dest,
		&backend.MergedManifest{Backend: config.BackendParquet, Fingerprint: "fp", Complete: true}, testOptions(t))
	return dest, stats, err
}

func TestMerge_OffsetsAndRowGroups(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, models.Batch{Index: 0, Name: "a"}, 4,
		truthRecord(0, 1.0), truthRecord(1, 2.0), truthRecord(2, 3.0), truthRecord(3, 4.0),
		pulseRecord(1, 2))
	extra := truthRecord(1, int64(7))
	extra.Fields["zenith"] = 0.2
	writeBatch(t, dir, models.Batch{Index: 1, Name: "b"}, 2,
		truthRecord(0, int64(6)), extra, pulseRecord(0, 5))

	dest, stats, err := mergeDir(t, dir, []int64{0, 4})
	require.NoError(t, err)

	assert.Equal(t, int64(6), stats["truth"].Records)
	assert.Equal(t, int64(7), stats["pulses"].Rows)
	assert.Equal(t, models.KindFloat, stats["truth"].Columns["energy"].Kind)

	groups, tbl := readTable(t, filepath.Join(dest, "truth.parquet"))
	// a wrote two fragments, b one
	assert.Equal(t, 3, groups)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, int64Column(t, tbl, backend.EventColumn))
	energy := tbl.Schema().FieldIndices("energy")
	require.Len(t, energy, 1)
	assert.Equal(t, arrow.FLOAT64, tbl.Schema().Field(energy[0]).Type.ID())

	_, tbl = readTable(t, filepath.Join(dest, "pulses.parquet"))
	assert.Equal(t, []int64{1, 4}, int64Column(t, tbl, backend.EventColumn))

	merged, err := NewFactory().ReadMerged(dest)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, "fp", merged.Fingerprint)

	// a merged artifact inside the output directory is not a partial
	require.NoError(t, os.Rename(dest, filepath.Join(dir, "merged")))
	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestMerge_DuplicateEventIndices(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, models.Batch{Index: 0, Name: "a"}, 1, truthRecord(0, 1.0))
	writeBatch(t, dir, models.Batch{Index: 1, Name: "b"}, 1, truthRecord(0, 1.0))

	_, _, err := mergeDir(t, dir, []int64{0, 0})
	assert.True(t, errors.IsType(err, errors.ErrorTypeMergeIntegrity))
}

func TestMerge_EventBeyondBatch(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, models.Batch{Index: 0, Name: "a"}, 1, truthRecord(0, 1.0), truthRecord(1, 1.0))

	_, _, err := mergeDir(t, dir, []int64{0})
	assert.True(t, errors.IsType(err, errors.ErrorTypeMergeIntegrity))
}

func TestMerge_RecordCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, models.Batch{Index: 0, Name: "a"}, 2, truthRecord(0, 1.0), truthRecord(1, 1.0))
	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	artifacts[0].Manifest.Tables["truth"].Records = 3

	_, err = NewFactory().Merge(context.Background(), []backend.Part{{Artifact: artifacts[0]}},
		filepath.Join(t.TempDir(), "m"), &backend.MergedManifest{}, testOptions(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeMergeIntegrity))
}

func TestDiscover_MissingManifest(t *testing.T) {
	dir := t.TempDir()
	frag := filepath.Join(dir, "crashed", "truth", "crashed_00000.parquet")
	require.NoError(t, os.MkdirAll(filepath.Dir(frag), 0o755))
	require.NoError(t, os.WriteFile(frag, []byte("PAR1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	artifacts, err := NewFactory().Discover(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Error(t, artifacts[0].Err)
}

func TestCodec(t *testing.T) {
	assert.Equal(t, compress.Codecs.Snappy, codec(""))
	assert.Equal(t, compress.Codecs.Zstd, codec("zstd"))
	assert.Equal(t, compress.Codecs.Lz4Raw, codec("LZ4"))
	assert.Equal(t, compress.Codecs.Uncompressed, codec("none"))
}
