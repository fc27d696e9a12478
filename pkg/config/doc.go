// Package config holds the converter configuration.
//
// A Config is organised in sections:
//
//   - Batching: how input files are grouped (count, regex pattern, or one per file)
//   - Performance: number of concurrent workers
//   - Backend: sqlite or parquet, staging buffer, schema policy, parquet codec
//   - Merge: completeness policy and forced rebuilds
//   - Source: verbosity forwarded to frame readers
//   - Logging, Observability: zap logger, metrics and tracing switches
//
// Configurations can be built in code with NewDefault or read from YAML with
// LoadFile; ${VAR} references in YAML are replaced by environment variables.
//
//	# frameconv.yaml
//	output_dir: ${SCRATCH}/upgrade
//	performance:
//	  workers: 4
//	batching:
//	  nb_files_to_batch: 10
//	  sequential_batch_pattern: temp_{:03d}
//	backend:
//	  kind: parquet
//	  compression: zstd
package config
