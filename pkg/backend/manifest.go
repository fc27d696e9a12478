package backend

import (
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/frameconv/pkg/models"
)

// BatchStatus is the terminal state of a batch.
type BatchStatus string

const (
	// StatusComplete means every file of the batch was read to the end.
	StatusComplete BatchStatus = "complete"
	// StatusIncomplete means some files failed to open or decode; the
	// records of the other files are present.
	StatusIncomplete BatchStatus = "incomplete"
	// StatusFailed means the writer failed; the artifact must not be merged.
	StatusFailed BatchStatus = "failed"
)

// ManifestFile is the name of the JSON manifest in directory artifacts.
const ManifestFile = "_manifest.json"

// Manifest describes one partial artifact. It carries no timestamps so that
// reruns over the same input produce identical artifacts.
type Manifest struct {
	Batch   string                 `json:"batch"`
	Index   int                    `json:"index"`
	Backend string                 `json:"backend"`
	Status  BatchStatus            `json:"status"`
	Events  int64                  `json:"events"`
	Files   []FileStatus           `json:"files"`
	Tables  map[string]*TableStats `json:"tables"`
	Error   string                 `json:"error,omitempty"`
}

// FileStatus reports how one input file of a batch was read.
type FileStatus struct {
	Path   string `json:"path"`
	Frames int    `json:"frames"`
	Error  string `json:"error,omitempty"`
}

// TableStats describes one table of an artifact.
type TableStats struct {
	// Records is the number of records written
	Records int64 `json:"records"`
	// Rows is the number of logical rows; series records count one per element
	Rows int64 `json:"rows"`
	// Series is true for tables holding one row per series element
	Series  bool                         `json:"series"`
	Columns map[string]models.ColumnType `json:"columns"`
	// Fragments lists data files relative to the artifact, in write order
	Fragments []string `json:"fragments,omitempty"`
}

// MergedManifest describes a final artifact.
type MergedManifest struct {
	Backend     string                 `json:"backend"`
	Fingerprint string                 `json:"fingerprint"`
	Complete    bool                   `json:"complete"`
	Events      int64                  `json:"events"`
	Batches     []MergedBatch          `json:"batches"`
	Incomplete  []string               `json:"incomplete,omitempty"`
	Failed      []string               `json:"failed,omitempty"`
	Missing     []string               `json:"missing,omitempty"`
	Tables      map[string]*TableStats `json:"tables"`
}

// MergedBatch records where a batch landed in the final artifact.
type MergedBatch struct {
	Name   string      `json:"name"`
	Index  int         `json:"index"`
	Status BatchStatus `json:"status"`
	Events int64       `json:"events"`
	Offset int64       `json:"offset"`
}

// Encode renders v as indented JSON.
func Encode(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// DecodeManifest parses a partial manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeMergedManifest parses a final manifest.
func DecodeMergedManifest(data []byte) (*MergedManifest, error) {
	var m MergedManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
