package extractor

import (
	"context"
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
	"github.com/ajitpratap0/frameconv/pkg/source"
	"github.com/ajitpratap0/frameconv/pkg/testutil"
)

// loadFrames runs synthetic frames through a real source so extractors see
// normalized values.
func loadFrames(t *testing.T, frames []source.RawFrame) []*models.Frame {
	t.Helper()
	path := testutil.WriteFrameFile(t, filepath.Join(t.TempDir(), "frames.jsonl"), frames)
	r, err := source.Open(path)
	require.NoError(t, err)
	defer r.Close()

	var out []*models.Frame
	for {
		f, err := r.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestFeatureExtractor(t *testing.T) {
	frames := loadFrames(t, testutil.EventFrames(1, 0, 3))
	e := NewFeatureExtractor(testutil.PulseMap)
	assert.Equal(t, testutil.PulseMap, e.Table())

	for i, f := range frames {
		rec, err := e.Extract(f)
		require.NoError(t, err)
		require.NotNil(t, rec)

		rows, series, err := rec.Shape()
		require.NoError(t, err)
		assert.True(t, series)
		assert.Equal(t, testutil.PulseCount(i), rows)
		assert.Equal(t, []string{"charge", "dom_x", "dom_y", "dom_z", "om", "string", "time", "width"}, rec.Columns())

		strs := rec.Fields["string"].([]int64)
		oms := rec.Fields["om"].([]int64)
		z := rec.Fields["dom_z"].([]float64)
		for j := range strs {
			assert.Equal(t, -500+float64(oms[j])*17, z[j])
			assert.Equal(t, float64(strs[j])*10, rec.Fields["dom_x"].([]float64)[j])
		}
	}
}

func TestFeatureExtractor_Errors(t *testing.T) {
	e := NewFeatureExtractor("pulses")

	_, err := e.Extract(&models.Frame{Objects: map[string]interface{}{}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction), "missing pulse map")

	rec, err := e.Extract(&models.Frame{Objects: map[string]interface{}{"pulses": []interface{}{}}})
	assert.NoError(t, err)
	assert.Nil(t, rec, "empty pulse list yields no data")

	pulse := map[string]interface{}{"string": int64(9), "om": int64(9), "time": 1.0, "charge": 1.0}
	_, err = e.Extract(&models.Frame{Objects: map[string]interface{}{"pulses": []interface{}{pulse}}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction), "missing geometry")

	_, err = e.Extract(&models.Frame{Objects: map[string]interface{}{
		"pulses":    []interface{}{pulse},
		GeometryKey: map[string]interface{}{"1,1": map[string]interface{}{"x": 0.0, "y": 0.0, "z": 0.0}},
	}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction), "module not in geometry")
}

func TestFeatureExtractor_MissingWidthIsNaN(t *testing.T) {
	e := NewFeatureExtractor("pulses")
	rec, err := e.Extract(&models.Frame{Objects: map[string]interface{}{
		"pulses":    []interface{}{map[string]interface{}{"string": int64(1), "om": int64(1), "time": 1.0, "charge": 2.0}},
		GeometryKey: map[string]interface{}{"1,1": map[string]interface{}{"x": 0.0, "y": 0.0, "z": 0.0}},
	}})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(rec.Fields["width"].([]float64)[0]))
}

func TestTruthExtractor(t *testing.T) {
	frames := loadFrames(t, testutil.EventFrames(5, 10, 1))
	rec, err := NewTruthExtractor().Extract(frames[0])
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "truth", rec.Table)
	assert.Equal(t, int64(5), rec.Fields["run_id"])
	assert.Equal(t, int64(10), rec.Fields["event_id"])
	assert.Equal(t, 20.5, rec.Fields["energy"])
	assert.Equal(t, int64(14), rec.Fields["pid"])

	rows, series, err := rec.Shape()
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
	assert.False(t, series)
}

func TestTruthExtractor_RealDataAndMissingHeader(t *testing.T) {
	e := NewTruthExtractor()
	rec, err := e.Extract(&models.Frame{Objects: map[string]interface{}{
		EventHeaderKey: map[string]interface{}{
			"run_id": int64(1), "sub_run_id": int64(0), "event_id": int64(2), "sub_event_id": int64(0),
		},
	}})
	require.NoError(t, err)
	assert.Len(t, rec.Fields, 4)
	_, hasEnergy := rec.Fields["energy"]
	assert.False(t, hasEnergy)

	_, err = e.Extract(&models.Frame{Objects: map[string]interface{}{}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction))
}

func TestRetroExtractor(t *testing.T) {
	frames := loadFrames(t, testutil.EventFrames(1, 0, 2))
	e := NewRetroExtractor("")

	rec, err := e.Extract(frames[0])
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 9.0, rec.Fields["retro_energy"])
	assert.Len(t, rec.Fields, 7)

	// odd events carry no reconstruction
	rec, err = e.Extract(frames[1])
	assert.NoError(t, err)
	assert.Nil(t, rec)

	_, err = e.Extract(&models.Frame{Objects: map[string]interface{}{
		DefaultRetroKey: map[string]interface{}{"energy": "high"},
	}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction))
}

func TestGenericExtractor(t *testing.T) {
	frames := loadFrames(t, testutil.EventFrames(1, 0, 1))
	e := NewGenericExtractor([]string{"I3EventHeader", testutil.PulseMap, "absent"}, "")
	assert.Equal(t, DefaultGenericTable, e.Table())

	rec, err := e.Extract(frames[0])
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, int64(0), rec.Fields["I3EventHeader__event_id"])
	pulses, ok := rec.Fields[testutil.PulseMap].(string)
	require.True(t, ok, "lists are stored as JSON")
	assert.Contains(t, pulses, `"charge":0.25`)

	_, series, err := rec.Shape()
	require.NoError(t, err)
	assert.False(t, series)

	rec, err = NewGenericExtractor([]string{"absent"}, "x").Extract(frames[0])
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestValidateSet(t *testing.T) {
	assert.NoError(t, ValidateSet([]Extractor{
		NewTruthExtractor(), NewRetroExtractor(""), NewFeatureExtractor("SRTInIcePulses"),
	}))

	err := ValidateSet([]Extractor{NewTruthExtractor(), NewGenericExtractor([]string{"a"}, "truth")})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	err = ValidateSet([]Extractor{NewGenericExtractor([]string{"a"}, "_frameconv_meta")})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	err = ValidateSet([]Extractor{NewFeatureExtractor(" ")})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	assert.Error(t, ValidateSet(nil))
}
