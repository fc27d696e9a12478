package publish

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/frameconv/pkg/errors"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw     string
		want    Target
		wantErr bool
	}{
		{raw: "s3://bucket", want: Target{Scheme: "s3", Bucket: "bucket"}},
		{raw: "s3://bucket/datasets/ic86/", want: Target{Scheme: "s3", Bucket: "bucket", Prefix: "datasets/ic86"}},
		{raw: "gs://my-bucket/a", want: Target{Scheme: "gs", Bucket: "my-bucket", Prefix: "a"}},
		{raw: "file:///tmp/x", wantErr: true},
		{raw: "s3:///nobucket", wantErr: true},
		{raw: "/local/path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestObjects_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.db")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	objects, err := Objects(path, "runs/1")
	require.NoError(t, err)
	assert.Equal(t, []Object{{Path: path, Key: "runs/1/merged.db"}}, objects)
}

func TestObjects_DirectorySortedKeys(t *testing.T) {
	root := filepath.Join(t.TempDir(), "dataset")
	for _, name := range []string{"truth.parquet", "_manifest.json", "SRTInIcePulses.parquet", "sub/z.parquet"} {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	}

	objects, err := Objects(root, "")
	require.NoError(t, err)

	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}
	assert.Equal(t, []string{
		"dataset/SRTInIcePulses.parquet",
		"dataset/_manifest.json",
		"dataset/sub/z.parquet",
		"dataset/truth.parquet",
	}, keys)
}

func TestObjects_Missing(t *testing.T) {
	_, err := Objects(filepath.Join(t.TempDir(), "nope"), "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeFile))
}

type memUploader struct {
	objects map[string]string
	fail    string
}

func (m *memUploader) upload(_ context.Context, key string, f *os.File) error {
	if key == m.fail {
		return io.ErrClosedPipe
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	m.objects[key] = string(data)
	return nil
}

func TestPublishAll(t *testing.T) {
	root := filepath.Join(t.TempDir(), "dataset")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.parquet"), []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.parquet"), []byte("B"), 0o644))

	target := Target{Scheme: SchemeGCS, Bucket: "bkt", Prefix: "p"}
	u := &memUploader{objects: map[string]string{}}
	urls, err := publishAll(context.Background(), target, root, u, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"gs://bkt/p/dataset/a.parquet", "gs://bkt/p/dataset/b.parquet"}, urls)
	assert.Equal(t, map[string]string{"p/dataset/a.parquet": "A", "p/dataset/b.parquet": "B"}, u.objects)

	u = &memUploader{objects: map[string]string{}, fail: "p/dataset/b.parquet"}
	urls, err = publishAll(context.Background(), target, root, u, zaptest.NewLogger(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeFile))
	assert.Len(t, urls, 1)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("x/_manifest.json"))
	assert.Equal(t, "application/vnd.sqlite3", contentType("merged.db"))
	assert.Equal(t, "application/octet-stream", contentType("README"))
}
