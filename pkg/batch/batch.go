// Package batch discovers input files and groups them into batches.
//
// Three policies are supported, selected by config.BatchingConfig:
//
//	count    NbFilesToBatch = k        ceil(n/k) batches named by SequentialBatchPattern
//	pattern  InputFileBatchPattern     files sharing a regex key form one batch
//	default  neither                   one batch per file, named after the file
//
// Planning is deterministic: the same files and configuration always produce
// the same batches with the same names.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

// DefaultSequentialPattern names count-based batches when no pattern is configured.
const DefaultSequentialPattern = "batch_%03d"

// ReservedName is the stem of the merged artifact written next to the batch
// artifacts; no batch is given this name.
const ReservedName = "merged"

// Plan is the result of batching.
type Plan struct {
	Batches []models.Batch `json:"batches"`
	// Skipped lists files that matched no batch key under the pattern policy
	Skipped []string `json:"skipped,omitempty"`
}

// Batcher plans batches from input directories.
type Batcher struct {
	cfg        config.BatchingConfig
	recognizes func(path string) bool
}

// New creates a Batcher. recognizes filters discovered files; nil keeps all.
func New(cfg config.BatchingConfig, recognizes func(path string) bool) *Batcher {
	return &Batcher{cfg: cfg, recognizes: recognizes}
}

// Plan discovers the files under inputDirs and groups them.
func (b *Batcher) Plan(inputDirs []string) (*Plan, error) {
	files, err := Discover(inputDirs, b.recognizes)
	if err != nil {
		return nil, err
	}
	return Group(files, b.cfg)
}

// Discover walks each input directory recursively and returns the recognized
// files. Directory order is preserved, files are sorted within a directory
// argument and duplicates are dropped. A file given directly is kept as is.
func Discover(inputDirs []string, recognizes func(path string) bool) ([]models.InputFile, error) {
	seen := make(map[string]struct{})
	var files []models.InputFile

	for _, dir := range inputDirs {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "input path not accessible").
				WithDetail("path", dir)
		}

		var found []string
		if info.IsDir() {
			err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.Type().IsRegular() && (recognizes == nil || recognizes(path)) {
					found = append(found, path)
				}
				return nil
			})
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "walking input directory").
					WithDetail("path", dir)
			}
			sort.Strings(found)
		} else if recognizes == nil || recognizes(dir) {
			found = []string{dir}
		}

		for _, path := range found {
			key := path
			if abs, err := filepath.Abs(path); err == nil {
				key = abs
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			files = append(files, models.InputFile{Path: path})
		}
	}
	return files, nil
}

// Group applies the configured batching policy to files.
func Group(files []models.InputFile, cfg config.BatchingConfig) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case cfg.InputFileBatchPattern != "":
		return groupByPattern(files, cfg.InputFileBatchPattern)
	case cfg.NbFilesToBatch > 0:
		return groupByCount(files, cfg.NbFilesToBatch, cfg.SequentialBatchPattern)
	default:
		return groupPerFile(files), nil
	}
}

func groupByCount(files []models.InputFile, k int, pattern string) (*Plan, error) {
	format, err := SequentialFormat(pattern)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for start, index := 0, 0; start < len(files); start, index = start+k, index+1 {
		end := start + k
		if end > len(files) {
			end = len(files)
		}
		plan.Batches = append(plan.Batches, models.Batch{
			Index: index,
			Name:  fmt.Sprintf(format, index),
			Files: append([]models.InputFile(nil), files[start:end]...),
		})
	}
	return plan, checkUnique(plan)
}

func groupByPattern(files []models.InputFile, pattern string) (*Plan, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid input_file_batch_pattern")
	}
	group := 0
	if i := re.SubexpIndex("key"); i > 0 {
		group = i
	} else if re.NumSubexp() > 0 {
		group = 1
	}

	plan := &Plan{}
	byKey := make(map[string]int)
	for _, f := range files {
		m := re.FindStringSubmatch(filepath.Base(f.Path))
		if m == nil || m[group] == "" {
			plan.Skipped = append(plan.Skipped, f.Path)
			continue
		}
		key := m[group]
		f.Key = key
		idx, ok := byKey[key]
		if !ok {
			idx = len(plan.Batches)
			byKey[key] = idx
			plan.Batches = append(plan.Batches, models.Batch{Index: idx, Name: Sanitize(key)})
		}
		plan.Batches[idx].Files = append(plan.Batches[idx].Files, f)
	}
	dedupeNames(plan)
	return plan, nil
}

func groupPerFile(files []models.InputFile) *Plan {
	plan := &Plan{}
	for i, f := range files {
		plan.Batches = append(plan.Batches, models.Batch{
			Index: i,
			Name:  Sanitize(Stem(f.Path)),
			Files: []models.InputFile{f},
		})
	}
	dedupeNames(plan)
	return plan
}

// dedupeNames suffixes repeated names with _<index> in plan order.
func dedupeNames(plan *Plan) {
	used := map[string]struct{}{ReservedName: {}}
	for i := range plan.Batches {
		name := plan.Batches[i].Name
		if _, dup := used[name]; dup {
			base := fmt.Sprintf("%s_%d", name, plan.Batches[i].Index)
			name = base
			for n := 1; ; n++ {
				if _, dup := used[name]; !dup {
					break
				}
				name = fmt.Sprintf("%s_%d", base, n)
			}
			plan.Batches[i].Name = name
		}
		used[name] = struct{}{}
	}
}

func checkUnique(plan *Plan) error {
	used := make(map[string]struct{}, len(plan.Batches))
	for _, b := range plan.Batches {
		if b.Name == ReservedName {
			return errors.Newf(errors.ErrorTypeConfig, "batch name %q is reserved for the merged artifact", b.Name)
		}
		if _, dup := used[b.Name]; dup {
			return errors.Newf(errors.ErrorTypeConfig, "batch name %q is produced twice; sequential_batch_pattern must vary with the batch number", b.Name)
		}
		used[b.Name] = struct{}{}
	}
	return nil
}

var pythonPlaceholder = regexp.MustCompile(`\{(?:0)?(?::([0-9]*)d?)?\}`)

// SequentialFormat turns a sequential batch pattern into a fmt format with a
// single integer verb. Python-style placeholders ("{}", "{:03d}") are
// translated; Go verbs are kept. An empty pattern yields the default.
func SequentialFormat(pattern string) (string, error) {
	if pattern == "" {
		return DefaultSequentialPattern, nil
	}
	format := pattern
	if pythonPlaceholder.MatchString(pattern) {
		format = pythonPlaceholder.ReplaceAllStringFunc(strings.ReplaceAll(pattern, "%", "%%"), func(m string) string {
			width := pythonPlaceholder.FindStringSubmatch(m)[1]
			return "%" + width + "d"
		})
	}
	if n := strings.Count(format, "%") - 2*strings.Count(format, "%%"); n != 1 {
		return "", errors.Newf(errors.ErrorTypeConfig, "sequential_batch_pattern %q must contain exactly one number placeholder", pattern)
	}
	if strings.Contains(fmt.Sprintf(format, 0), "%!") {
		return "", errors.Newf(errors.ErrorTypeConfig, "sequential_batch_pattern %q is not a valid integer format", pattern)
	}
	return format, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Sanitize makes s usable as a file name.
func Sanitize(s string) string {
	s = strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "._")
	if s == "" {
		return "batch"
	}
	return s
}

// Stem returns the base name of path up to its first dot.
func Stem(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}
