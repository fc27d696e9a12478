// Package extractor turns physics frames into table records.
//
// Each Extractor owns one output table. The worker runs every extractor on
// every frame; an extractor that has nothing to contribute for a frame returns
// (nil, nil), and one that fails returns an extraction error which the worker
// logs and counts without affecting the other extractors.
package extractor

import (
	"strings"

	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

// ReservedPrefix is reserved for tables the converter writes itself.
const ReservedPrefix = "_frameconv"

// Extractor derives one record from one frame.
type Extractor interface {
	// Name identifies the extractor in logs and metrics.
	Name() string
	// Table is the destination table of every record the extractor returns.
	Table() string
	// Extract returns the record for frame, or nil when the frame holds no
	// data for this extractor.
	Extract(frame *models.Frame) (*models.Record, error)
}

// ValidateSet checks that every extractor has a usable table name and that
// no two extractors write the same table.
func ValidateSet(extractors []Extractor) error {
	if len(extractors) == 0 {
		return errors.New(errors.ErrorTypeConfig, "at least one extractor is required")
	}
	seen := make(map[string]string, len(extractors))
	for _, e := range extractors {
		table := e.Table()
		switch {
		case strings.TrimSpace(table) == "":
			return errors.Newf(errors.ErrorTypeConfig, "extractor %q has an empty table name", e.Name())
		case strings.HasPrefix(table, ReservedPrefix):
			return errors.Newf(errors.ErrorTypeConfig, "extractor %q uses reserved table name %q", e.Name(), table)
		}
		if other, dup := seen[table]; dup {
			return errors.Newf(errors.ErrorTypeConfig, "extractors %q and %q both write table %q", other, e.Name(), table)
		}
		seen[table] = e.Name()
	}
	return nil
}

func extractionError(e Extractor, frame *models.Frame, msg string) *errors.Error {
	return errors.New(errors.ErrorTypeExtraction, msg).
		WithDetail("extractor", e.Name()).
		WithDetail("file", frame.File).
		WithDetail("frame", frame.Index)
}

func floatField(m map[string]interface{}, key string) (float64, bool) {
	return models.AsFloat(m[key])
}

func intField(m map[string]interface{}, key string) (int64, bool) {
	return models.AsInt(m[key])
}
