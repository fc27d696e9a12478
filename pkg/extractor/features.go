package extractor

import (
	"fmt"
	"math"

	"github.com/ajitpratap0/frameconv/pkg/models"
)

// GeometryKey is the frame object mapping "<string>,<om>" to a sensor position.
const GeometryKey = "I3Geometry"

// FeatureExtractor writes one row per pulse of a pulse series, joined with the
// position of the optical module that recorded it. The table is named after
// the pulse series.
type FeatureExtractor struct {
	pulsemap string
}

// NewFeatureExtractor creates a feature extractor for the pulse series pulsemap.
func NewFeatureExtractor(pulsemap string) *FeatureExtractor {
	return &FeatureExtractor{pulsemap: pulsemap}
}

func (e *FeatureExtractor) Name() string  { return e.pulsemap }
func (e *FeatureExtractor) Table() string { return e.pulsemap }

func (e *FeatureExtractor) Extract(frame *models.Frame) (*models.Record, error) {
	raw, ok := frame.Get(e.pulsemap)
	if !ok {
		return nil, extractionError(e, frame, fmt.Sprintf("pulse map %q not found", e.pulsemap))
	}
	pulses, ok := raw.([]interface{})
	if !ok {
		return nil, extractionError(e, frame, fmt.Sprintf("pulse map %q is not a list of pulses", e.pulsemap))
	}
	if len(pulses) == 0 {
		return nil, nil
	}

	geometry, ok := frame.GetMap(GeometryKey)
	if !ok {
		return nil, extractionError(e, frame, "geometry not found")
	}

	n := len(pulses)
	var (
		strs   = make([]int64, n)
		oms    = make([]int64, n)
		domX   = make([]float64, n)
		domY   = make([]float64, n)
		domZ   = make([]float64, n)
		times  = make([]float64, n)
		charge = make([]float64, n)
		width  = make([]float64, n)
	)

	for i, p := range pulses {
		pulse, ok := p.(map[string]interface{})
		if !ok {
			return nil, extractionError(e, frame, fmt.Sprintf("pulse %d is not an object", i))
		}
		s, sok := intField(pulse, "string")
		o, ook := intField(pulse, "om")
		t, tok := floatField(pulse, "time")
		c, cok := floatField(pulse, "charge")
		if !sok || !ook || !tok || !cok {
			return nil, extractionError(e, frame, fmt.Sprintf("pulse %d lacks string, om, time or charge", i))
		}

		pos, ok := geometry[fmt.Sprintf("%d,%d", s, o)].(map[string]interface{})
		if !ok {
			return nil, extractionError(e, frame, fmt.Sprintf("no geometry for string %d om %d", s, o))
		}
		x, xok := floatField(pos, "x")
		y, yok := floatField(pos, "y")
		z, zok := floatField(pos, "z")
		if !xok || !yok || !zok {
			return nil, extractionError(e, frame, fmt.Sprintf("incomplete geometry for string %d om %d", s, o))
		}

		w, wok := floatField(pulse, "width")
		if !wok {
			w = math.NaN()
		}

		strs[i], oms[i] = s, o
		domX[i], domY[i], domZ[i] = x, y, z
		times[i], charge[i], width[i] = t, c, w
	}

	return &models.Record{
		Table: e.pulsemap,
		Fields: map[string]interface{}{
			"string": strs,
			"om":     oms,
			"dom_x":  domX,
			"dom_y":  domY,
			"dom_z":  domZ,
			"time":   times,
			"charge": charge,
			"width":  width,
		},
	}, nil
}
