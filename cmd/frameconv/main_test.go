package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/frameconv/internal/pipeline"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
)

func parse(t *testing.T, name string, args ...string) *cobra.Command {
	t.Helper()
	cmd, _, err := newRootCommand().Find([]string{name})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_FlagsOverrideDefaults(t *testing.T) {
	cmd := parse(t, "convert", "-o", "/tmp/out", "--backend", "PARQUET", "-w", "4",
		"--nb-files-to-batch", "10", "--compression", "zstd")
	v, err := newViper(cmd)
	require.NoError(t, err)

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	assert.Equal(t, config.BackendParquet, cfg.Backend.Kind)
	assert.Equal(t, 4, cfg.Performance.Workers)
	assert.Equal(t, 10, cfg.Batching.NbFilesToBatch)
	assert.Equal(t, "zstd", cfg.Backend.Compression)
	// untouched values keep their defaults
	assert.Equal(t, 10000, cfg.Backend.BufferSize)
	assert.Equal(t, config.SchemaExtend, cfg.Backend.SchemaPolicy)
}

func TestLoadConfig_FileThenEnvThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frameconv.yaml")
	require.NoError(t, config.Save(path, &config.Config{
		OutputDir:   "/from/file",
		Performance: config.PerformanceConfig{Workers: 2},
		Backend:     config.BackendConfig{Kind: "sqlite", BufferSize: 50, SchemaPolicy: config.SchemaFail},
	}))
	t.Setenv("FRAMECONV_BUFFER_SIZE", "75")

	cmd := parse(t, "convert", "--config", path, "-w", "6")
	v, err := newViper(cmd)
	require.NoError(t, err)

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.OutputDir)
	assert.Equal(t, 6, cfg.Performance.Workers)
	assert.Equal(t, 75, cfg.Backend.BufferSize)
	assert.Equal(t, config.SchemaFail, cfg.Backend.SchemaPolicy)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cmd := parse(t, "merge")
	v, err := newViper(cmd)
	require.NoError(t, err)

	_, err = loadConfig(v)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBuildExtractors(t *testing.T) {
	cmd := parse(t, "convert", "--truth", "--retro", "--pulsemap", "SRTInIcePulses",
		"--pulsemap", "InIcePulses", "--generic", "I3EventHeader", "--generic", "MCPrimary")
	v, err := newViper(cmd)
	require.NoError(t, err)

	extractors, err := buildExtractors(v)
	require.NoError(t, err)

	tables := make([]string, len(extractors))
	for i, e := range extractors {
		tables[i] = e.Table()
	}
	assert.Equal(t, []string{"truth", "retro", "SRTInIcePulses", "InIcePulses", "generic"}, tables)
}

func TestBuildExtractors_None(t *testing.T) {
	v, err := newViper(parse(t, "convert"))
	require.NoError(t, err)

	extractors, err := buildExtractors(v)
	require.NoError(t, err)
	assert.Empty(t, extractors)
}

func TestDefaultDest(t *testing.T) {
	cfg := config.NewDefault("/out")
	assert.Equal(t, "/out", defaultDest(cfg))
	cfg.Backend.Kind = config.BackendParquet
	assert.Equal(t, filepath.Join("/out", "_merged"), defaultDest(cfg))
}

func TestPrintSummary_ExtractorsSorted(t *testing.T) {
	s := &pipeline.Summary{
		Backend:          config.BackendSQLite,
		ExtractionErrors: map[string]int{"truth": 2, "generic": 1, "retro": 5, "features_pulses": 3},
	}

	var first bytes.Buffer
	printSummary(&first, s)
	for i := 0; i < 10; i++ {
		var again bytes.Buffer
		printSummary(&again, s)
		require.Equal(t, first.String(), again.String())
	}

	var extractors []string
	for _, line := range strings.Split(first.String(), "\n") {
		if f := strings.Fields(line); len(f) > 1 && f[0] == "extractor" {
			extractors = append(extractors, f[1])
		}
	}
	assert.Equal(t, []string{"features_pulses", "generic", "retro", "truth"}, extractors)
}
