package extractor

import (
	"fmt"

	"github.com/ajitpratap0/frameconv/pkg/models"
)

// DefaultRetroKey is the reconstruction object read when none is given.
const DefaultRetroKey = "retro_crs_prefit"

var retroFields = []string{"energy", "zenith", "azimuth", "time", "x", "y", "z"}

// RetroExtractor copies a likelihood reconstruction into the "retro" table.
// Frames without the reconstruction are skipped.
type RetroExtractor struct {
	key string
}

// NewRetroExtractor creates a reconstruction extractor reading key, or
// DefaultRetroKey when key is empty.
func NewRetroExtractor(key string) *RetroExtractor {
	if key == "" {
		key = DefaultRetroKey
	}
	return &RetroExtractor{key: key}
}

func (e *RetroExtractor) Name() string  { return "retro" }
func (e *RetroExtractor) Table() string { return "retro" }

func (e *RetroExtractor) Extract(frame *models.Frame) (*models.Record, error) {
	reco, ok := frame.GetMap(e.key)
	if !ok {
		return nil, nil
	}

	fields := make(map[string]interface{}, len(retroFields))
	for _, k := range retroFields {
		v, ok := floatField(reco, k)
		if !ok {
			return nil, extractionError(e, frame, fmt.Sprintf("reconstruction %q lacks numeric %s", e.key, k))
		}
		fields["retro_"+k] = v
	}
	return &models.Record{Table: e.Table(), Fields: fields}, nil
}
