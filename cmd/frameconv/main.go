package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/internal/pipeline"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/extractor"
	"github.com/ajitpratap0/frameconv/pkg/logger"
	"github.com/ajitpratap0/frameconv/pkg/observability"
	"github.com/ajitpratap0/frameconv/pkg/publish"
)

var version = "0.1.0"

// envPrefix prefixes every environment variable the CLI reads, e.g.
// FRAMECONV_WORKERS or FRAMECONV_BACKEND.
const envPrefix = "FRAMECONV"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "frameconv",
		Short: "Convert detector frame files into ML datasets",
		Long: `frameconv reads neutrino-telescope frame files, runs a set of extractors on
every physics frame and writes the results as per-batch SQLite or Parquet
artifacts, which can then be merged into one dataset.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML configuration file; flags and FRAMECONV_* variables override it")
	pf.StringP("output-dir", "o", "", "Directory for the per-batch artifacts")
	pf.String("backend", config.BackendSQLite, "Output backend (sqlite or parquet)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-folder", "", "Also write logs to frameconv.log in this folder")
	pf.Int("verbose", 0, "Frame reader verbosity (0 quiet, 1 per file, 2 per frame)")
	pf.Bool("trace", false, "Print OpenTelemetry spans to stderr")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("frameconv v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newConvertCommand(), newMergeCommand())
	return root
}

func addExtractorFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("truth", false, "Extract event ids and primary particle truth into the truth table")
	f.String("retro", "", "Extract a reconstruction into the retro table (optionally naming its frame key)")
	f.Lookup("retro").NoOptDefVal = extractor.DefaultRetroKey
	f.StringArray("pulsemap", nil, "Extract a pulse series into a table of the same name (repeatable)")
	f.StringArray("generic", nil, "Copy a frame object into the generic table (repeatable)")
	f.String("generic-table", extractor.DefaultGenericTable, "Table written by --generic")
}

func addMergeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("dest", "", "Merged artifact path (defaults to the output directory)")
	f.Bool("fail-on-incomplete", false, "Refuse to merge when a batch is incomplete, failed or missing")
	f.Bool("force", false, "Rebuild the merged artifact even if it is up to date")
	f.String("publish", "", "Upload the merged artifact to s3://bucket/prefix or gs://bucket/prefix")
	f.String("s3-region", "", "AWS region for --publish s3://")
	f.String("gcs-credentials", "", "Service account key file for --publish gs://")
}

func newConvertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert INPUT_DIR...",
		Short: "Convert input directories into per-batch artifacts",
		Example: `  frameconv convert /data/ic86 -o ./temp/ic86 --truth --pulsemap SRTInIcePulses --workers 8
  frameconv convert /data/ic86 -o ./temp/ic86 --backend parquet --nb-files-to-batch 10 --merge`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, env *environment) error {
				extractors, err := buildExtractors(env.v)
				if err != nil {
					return err
				}
				if len(extractors) == 0 {
					return errors.New(errors.ErrorTypeConfig, "no extractors selected; use --truth, --retro, --pulsemap or --generic")
				}
				conv, err := pipeline.NewConverter(extractors, env.cfg, env.logger)
				if err != nil {
					return err
				}

				summary, err := conv.Convert(ctx, args)
				if err != nil {
					return err
				}
				printSummary(os.Stdout, summary)
				if len(summary.Failed) > 0 {
					return errors.Newf(errors.ErrorTypeFile, "%d batch(es) failed: %s",
						len(summary.Failed), strings.Join(summary.Failed, ", "))
				}

				if !env.v.GetBool("merge") {
					return nil
				}
				return mergeAndPublish(ctx, env, conv)
			})
		},
	}

	f := cmd.Flags()
	f.IntP("workers", "w", 1, "Number of batches converted concurrently")
	f.Int("nb-files-to-batch", 0, "Files per batch (0 = one batch per file)")
	f.String("sequential-batch-pattern", "", `Name of count-based batches, e.g. "batch_%03d"`)
	f.String("input-file-batch-pattern", "", "Regular expression whose match groups files into batches")
	f.Int("buffer-size", 10000, "Rows staged per table before a flush")
	f.String("schema-policy", string(config.SchemaExtend), "Schema drift policy (extend or fail)")
	f.String("compression", "snappy", "Parquet compression (snappy, gzip, zstd, lz4, none)")
	f.Bool("merge", false, "Merge the artifacts after converting")
	addExtractorFlags(cmd)
	addMergeFlags(cmd)
	return cmd
}

func newMergeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge the per-batch artifacts of an output directory",
		Example: `  frameconv merge -o ./temp/ic86 --dest ./data/ic86.db
  frameconv merge -o ./temp/ic86 --backend parquet --dest ./data/ic86 --publish s3://datasets/ic86`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, env *environment) error {
				// merging runs no extractor; the truth extractor only satisfies the converter
				conv, err := pipeline.NewConverter([]extractor.Extractor{extractor.NewTruthExtractor()}, env.cfg, env.logger)
				if err != nil {
					return err
				}
				return mergeAndPublish(ctx, env, conv)
			})
		},
	}
	addMergeFlags(cmd)
	return cmd
}

// environment is what every command runs with.
type environment struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

// run builds the configuration and logger, starts the optional tracing and
// metrics endpoints and calls fn with a context cancelled on SIGINT/SIGTERM.
func run(cmd *cobra.Command, fn func(ctx context.Context, env *environment) error) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracing(observability.TracingConfig{
			ServiceVersion: version,
			SamplingRate:   cfg.Observability.TracingSampleRate,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("tracing shutdown failed", zap.Error(err))
			}
		}()
	}

	if addr := v.GetString("metrics-addr"); addr != "" && cfg.Observability.EnableMetrics {
		srv := &http.Server{Addr: addr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics endpoint failed", zap.String("addr", addr), zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Info("serving metrics", zap.String("addr", addr))
	}

	return fn(ctx, &environment{v: v, cfg: cfg, logger: log})
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "binding flags")
	}
	return v, nil
}

// loadConfig layers the configuration file, then environment variables and
// flags that were explicitly set, over the defaults.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.NewDefault("")
	if path := v.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "loading configuration file").WithDetail("path", path)
		}
		cfg = loaded
	}

	set := func(key string, apply func()) {
		if v.IsSet(key) {
			apply()
		}
	}
	set("output-dir", func() { cfg.OutputDir = v.GetString("output-dir") })
	set("backend", func() { cfg.Backend.Kind = strings.ToLower(v.GetString("backend")) })
	set("workers", func() { cfg.Performance.Workers = v.GetInt("workers") })
	set("nb-files-to-batch", func() { cfg.Batching.NbFilesToBatch = v.GetInt("nb-files-to-batch") })
	set("sequential-batch-pattern", func() { cfg.Batching.SequentialBatchPattern = v.GetString("sequential-batch-pattern") })
	set("input-file-batch-pattern", func() { cfg.Batching.InputFileBatchPattern = v.GetString("input-file-batch-pattern") })
	set("buffer-size", func() { cfg.Backend.BufferSize = v.GetInt("buffer-size") })
	set("schema-policy", func() { cfg.Backend.SchemaPolicy = config.SchemaPolicy(v.GetString("schema-policy")) })
	set("compression", func() { cfg.Backend.Compression = v.GetString("compression") })
	set("fail-on-incomplete", func() { cfg.Merge.FailOnIncomplete = v.GetBool("fail-on-incomplete") })
	set("force", func() { cfg.Merge.Force = v.GetBool("force") })
	set("verbose", func() { cfg.Source.Verbose = v.GetInt("verbose") })
	set("log-level", func() { cfg.Logging.Level = v.GetString("log-level") })
	set("log-folder", func() { cfg.Logging.LogFolder = v.GetString("log-folder") })
	set("trace", func() { cfg.Observability.EnableTracing = v.GetBool("trace") })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildExtractors creates the extractors selected by flags, in a fixed order.
func buildExtractors(v *viper.Viper) ([]extractor.Extractor, error) {
	var extractors []extractor.Extractor
	if v.GetBool("truth") {
		extractors = append(extractors, extractor.NewTruthExtractor())
	}
	if v.IsSet("retro") {
		extractors = append(extractors, extractor.NewRetroExtractor(v.GetString("retro")))
	}
	for _, name := range v.GetStringSlice("pulsemap") {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "--pulsemap needs a pulse map name")
		}
		extractors = append(extractors, extractor.NewFeatureExtractor(name))
	}
	if keys := v.GetStringSlice("generic"); len(keys) > 0 {
		extractors = append(extractors, extractor.NewGenericExtractor(keys, v.GetString("generic-table")))
	}
	return extractors, nil
}

func mergeAndPublish(ctx context.Context, env *environment, conv *pipeline.Converter) error {
	dest := env.v.GetString("dest")
	if dest == "" {
		dest = defaultDest(env.cfg)
	}
	res, err := conv.MergeFiles(ctx, dest)
	if err != nil {
		return err
	}
	if res.UpToDate {
		fmt.Printf("merged artifact %s is up to date (%s)\n", res.Path, res.Fingerprint)
	} else {
		fmt.Printf("merged %d batch(es), %d events into %s in %s\n",
			len(res.Manifest.Batches), res.Manifest.Events, res.Path, res.Duration.Round(time.Millisecond))
	}
	if !res.Manifest.Complete {
		fmt.Printf("  incomplete: %v failed: %v missing: %v\n",
			res.Manifest.Incomplete, res.Manifest.Failed, res.Manifest.Missing)
	}

	raw := env.v.GetString("publish")
	if raw == "" {
		return nil
	}
	target, err := publish.ParseTarget(raw)
	if err != nil {
		return err
	}
	pub, err := publish.New(ctx, target, publish.Options{
		Region:          env.v.GetString("s3-region"),
		CredentialsFile: env.v.GetString("gcs-credentials"),
	}, env.logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	urls, err := pub.Publish(ctx, res.Path)
	if err != nil {
		return err
	}
	fmt.Printf("published %d object(s) to %s\n", len(urls), target)
	return nil
}

// defaultDest places the merged artifact inside the output directory where
// artifact discovery ignores it.
func defaultDest(cfg *config.Config) string {
	if cfg.Backend.Kind == config.BackendParquet {
		return filepath.Join(cfg.OutputDir, "_merged")
	}
	return cfg.OutputDir
}

func printSummary(w io.Writer, s *pipeline.Summary) {
	fmt.Fprintf(w, "converted %d batch(es): %d frames, %d records in %s (%s backend)\n",
		len(s.Batches), s.Frames, s.Records, s.Duration.Round(time.Millisecond), s.Backend)
	for _, b := range s.Batches {
		fmt.Fprintf(w, "  %-24s %-10s %6d frames  %s\n", b.Batch.Name, b.Status, b.Frames, b.Artifact)
	}
	if len(s.FailedFiles) > 0 {
		fmt.Fprintf(w, "  unreadable files: %s\n", strings.Join(s.FailedFiles, ", "))
	}
	names := make([]string, 0, len(s.ExtractionErrors))
	for name := range s.ExtractionErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  extractor %s failed on %d frame(s)\n", name, s.ExtractionErrors[name])
	}
}
