package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
	"github.com/ajitpratap0/frameconv/pkg/source"
)

func inputFiles(names ...string) []models.InputFile {
	files := make([]models.InputFile, len(names))
	for i, n := range names {
		files[i] = models.InputFile{Path: filepath.Join("/data", n)}
	}
	return files
}

func names(plan *Plan) []string {
	out := make([]string, len(plan.Batches))
	for i, b := range plan.Batches {
		out[i] = b.Name
	}
	return out
}

func TestGroup_CountPolicy(t *testing.T) {
	for n := 0; n <= 12; n++ {
		for k := 1; k <= 5; k++ {
			t.Run(fmt.Sprintf("n=%d,k=%d", n, k), func(t *testing.T) {
				files := make([]models.InputFile, n)
				for i := range files {
					files[i] = models.InputFile{Path: fmt.Sprintf("f%02d.jsonl", i)}
				}
				plan, err := Group(files, config.BatchingConfig{NbFilesToBatch: k})
				require.NoError(t, err)

				assert.Len(t, plan.Batches, (n+k-1)/k)

				// every file appears exactly once, in order
				var flat []models.InputFile
				for i, b := range plan.Batches {
					assert.Equal(t, i, b.Index)
					assert.LessOrEqual(t, len(b.Files), k)
					assert.NotEmpty(t, b.Files)
					flat = append(flat, b.Files...)
				}
				if n == 0 {
					assert.Empty(t, flat)
				} else {
					assert.Equal(t, files, flat)
				}
			})
		}
	}
}

func TestGroup_CountPolicyNames(t *testing.T) {
	files := inputFiles("a.jsonl", "b.jsonl", "c.jsonl", "d.jsonl", "e.jsonl")

	plan, err := Group(files, config.BatchingConfig{NbFilesToBatch: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_000", "batch_001", "batch_002"}, names(plan))
	assert.Len(t, plan.Batches[2].Files, 1)

	plan, err = Group(files, config.BatchingConfig{NbFilesToBatch: 2, SequentialBatchPattern: "temp_{:03d}"})
	require.NoError(t, err)
	assert.Equal(t, []string{"temp_000", "temp_001", "temp_002"}, names(plan))

	_, err = Group(files, config.BatchingConfig{NbFilesToBatch: 2, SequentialBatchPattern: "temp"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSequentialFormat(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
		wantErr bool
	}{
		{pattern: "", want: DefaultSequentialPattern},
		{pattern: "temp_{:03d}", want: "temp_%03d"},
		{pattern: "part{}", want: "part%d"},
		{pattern: "run_%05d", want: "run_%05d"},
		{pattern: "100%_{}", want: "100%%_%d"},
		{pattern: "fixed", wantErr: true},
		{pattern: "two_%d_%d", wantErr: true},
		{pattern: "bad_%s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := SequentialFormat(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGroup_PatternPolicy(t *testing.T) {
	files := inputFiles(
		"A_00001_part1.i3.jsonl",
		"B_00002_part1.i3.jsonl",
		"A_00001_part2.i3.jsonl",
		"readme.jsonl",
		"B_00002_part2.i3.jsonl",
	)

	plan, err := Group(files, config.BatchingConfig{InputFileBatchPattern: `^([A-Z]_\d{5})`})
	require.NoError(t, err)

	assert.Equal(t, []string{"A_00001", "B_00002"}, names(plan))
	assert.Equal(t, []string{"/data/A_00001_part1.i3.jsonl", "/data/A_00001_part2.i3.jsonl"}, plan.Batches[0].Paths())
	assert.Equal(t, "A_00001", plan.Batches[0].Files[0].Key)
	assert.Equal(t, []string{"/data/readme.jsonl"}, plan.Skipped)

	// a named key group wins over earlier groups
	plan, err = Group(files, config.BatchingConfig{InputFileBatchPattern: `^([A-Z])_(?P<key>\d{5})`})
	require.NoError(t, err)
	assert.Equal(t, []string{"00001", "00002"}, names(plan))

	// without groups the whole match is the key
	plan, err = Group(files, config.BatchingConfig{InputFileBatchPattern: `part\d`})
	require.NoError(t, err)
	assert.Equal(t, []string{"part1", "part2"}, names(plan))
	assert.Len(t, plan.Batches[0].Files, 2)
}

func TestGroup_PatternKeysSanitizedUnique(t *testing.T) {
	files := inputFiles("a b.jsonl", "a/b.jsonl", "a_b.jsonl")
	plan, err := Group(files, config.BatchingConfig{InputFileBatchPattern: `^(.*)\.jsonl$`})
	require.NoError(t, err)
	// "a/b.jsonl" has base name "b.jsonl"
	assert.Equal(t, []string{"a_b", "b", "a_b_2"}, names(plan))
}

func TestGroup_DefaultPolicy(t *testing.T) {
	files := []models.InputFile{
		{Path: "/x/run1.i3.jsonl.zst"},
		{Path: "/y/run1.avro"},
		{Path: "/x/run2.jsonl"},
	}
	plan, err := Group(files, config.BatchingConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"run1", "run1_1", "run2"}, names(plan))
	for i, b := range plan.Batches {
		assert.Equal(t, []models.InputFile{files[i]}, b.Files)
	}
}

func TestGroup_ReservedName(t *testing.T) {
	files := inputFiles("merged.jsonl", "run1.jsonl", "merged.avro")

	plan, err := Group(files, config.BatchingConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"merged_0", "run1", "merged_2"}, names(plan))

	plan, err = Group(files, config.BatchingConfig{InputFileBatchPattern: `^([a-z]+)`})
	require.NoError(t, err)
	assert.Equal(t, []string{"merged_0", "run"}, names(plan))

	_, err = Group(files, config.BatchingConfig{NbFilesToBatch: 2, SequentialBatchPattern: "merged%.0d"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestGroup_Deterministic(t *testing.T) {
	files := inputFiles("c.jsonl", "a.jsonl", "b.jsonl", "a.jsonl.gz")
	for _, cfg := range []config.BatchingConfig{
		{},
		{NbFilesToBatch: 3},
		{InputFileBatchPattern: `^(\w)`},
	} {
		first, err := Group(files, cfg)
		require.NoError(t, err)
		second, err := Group(files, cfg)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestGroup_ConflictingOptions(t *testing.T) {
	_, err := Group(nil, config.BatchingConfig{
		SequentialBatchPattern: "temp_{:03d}",
		InputFileBatchPattern:  `^(\w)`,
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	dirA := filepath.Join(root, "a")
	dirB := filepath.Join(root, "b")
	for _, p := range []string{
		filepath.Join(dirA, "z.jsonl"),
		filepath.Join(dirA, "sub", "m.jsonl.gz"),
		filepath.Join(dirA, "a.avro"),
		filepath.Join(dirA, "notes.txt"),
		filepath.Join(dirB, "b.jsonl"),
	} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}

	// dirB first: directory order is kept; dirA twice: duplicates dropped
	files, err := Discover([]string{dirB, dirA, dirA}, source.Recognizes)
	require.NoError(t, err)

	var got []string
	for _, f := range files {
		got = append(got, f.Path)
	}
	assert.Equal(t, []string{
		filepath.Join(dirB, "b.jsonl"),
		filepath.Join(dirA, "a.avro"),
		filepath.Join(dirA, "sub", "m.jsonl.gz"),
		filepath.Join(dirA, "z.jsonl"),
	}, got)

	_, err = Discover([]string{filepath.Join(root, "missing")}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBatcher_Plan(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d.jsonl", i)), nil, 0o644))
	}
	plan, err := New(config.BatchingConfig{NbFilesToBatch: 2}, source.Recognizes).Plan([]string{dir})
	require.NoError(t, err)
	assert.Len(t, plan.Batches, 3)
}
