package pipeline

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/batch"
	"github.com/ajitpratap0/frameconv/pkg/errors"
)

// RunPlanFile is written into the output directory by Convert.
const RunPlanFile = "_run.json"

// RunPlan records what a conversion set out to produce. Merge compares the
// artifacts it finds against it to detect batches that never finished.
type RunPlan struct {
	Backend    string         `json:"backend"`
	Extractors []string       `json:"extractors"`
	Batches    []PlannedBatch `json:"batches"`
	Skipped    []string       `json:"skipped,omitempty"`
}

// PlannedBatch is one batch of a RunPlan.
type PlannedBatch struct {
	Index int      `json:"index"`
	Name  string   `json:"name"`
	Files []string `json:"files"`
}

func newRunPlan(kind string, extractors []string, plan *batch.Plan) *RunPlan {
	rp := &RunPlan{Backend: kind, Extractors: extractors, Skipped: plan.Skipped}
	for _, b := range plan.Batches {
		rp.Batches = append(rp.Batches, PlannedBatch{Index: b.Index, Name: b.Name, Files: b.Paths()})
	}
	return rp
}

func writeRunPlan(outputDir string, rp *RunPlan) error {
	data, err := backend.Encode(rp)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding run plan")
	}
	if err := os.WriteFile(filepath.Join(outputDir, RunPlanFile), data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "writing run plan").WithDetail("path", outputDir)
	}
	return nil
}

// ReadRunPlan loads the run plan of outputDir, or nil when there is none.
func ReadRunPlan(outputDir string) (*RunPlan, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, RunPlanFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "reading run plan").WithDetail("path", outputDir)
	}
	var rp RunPlan
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "decoding run plan").WithDetail("path", outputDir)
	}
	return &rp, nil
}
