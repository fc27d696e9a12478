package extractor

import "github.com/ajitpratap0/frameconv/pkg/models"

const (
	// EventHeaderKey is the frame object holding run and event ids.
	EventHeaderKey = "I3EventHeader"
	// PrimaryKey is the frame object holding the simulated primary particle.
	PrimaryKey = "MCPrimary"
)

var (
	headerFields       = []string{"run_id", "sub_run_id", "event_id", "sub_event_id"}
	primaryFloatFields = []string{"energy", "zenith", "azimuth", "position_x", "position_y", "position_z"}
	primaryIntFields   = []string{"pid", "interaction_type"}
)

// TruthExtractor writes event identifiers and, for simulation, the truth
// quantities of the primary particle to the "truth" table.
type TruthExtractor struct{}

// NewTruthExtractor creates a truth extractor.
func NewTruthExtractor() *TruthExtractor {
	return &TruthExtractor{}
}

func (e *TruthExtractor) Name() string  { return "truth" }
func (e *TruthExtractor) Table() string { return "truth" }

func (e *TruthExtractor) Extract(frame *models.Frame) (*models.Record, error) {
	header, ok := frame.GetMap(EventHeaderKey)
	if !ok {
		return nil, extractionError(e, frame, "event header not found")
	}

	fields := make(map[string]interface{}, len(headerFields)+len(primaryFloatFields)+len(primaryIntFields))
	for _, k := range headerFields {
		v, ok := intField(header, k)
		if !ok {
			return nil, extractionError(e, frame, "event header lacks "+k)
		}
		fields[k] = v
	}

	// Real data carries no primary.
	if primary, ok := frame.GetMap(PrimaryKey); ok {
		for _, k := range primaryFloatFields {
			if v, ok := floatField(primary, k); ok {
				fields[k] = v
			} else {
				fields[k] = nil
			}
		}
		for _, k := range primaryIntFields {
			if v, ok := intField(primary, k); ok {
				fields[k] = v
			} else {
				fields[k] = nil
			}
		}
	}

	return &models.Record{Table: e.Table(), Fields: fields}, nil
}
