package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/frameconv/pkg/compression"
	"github.com/ajitpratap0/frameconv/pkg/source"
)

// PulseMap is the pulse series key written into synthetic physics frames.
const PulseMap = "SRTInIcePulses"

// GeometryFrame returns a G frame describing 3 strings of 5 optical modules.
func GeometryFrame() source.RawFrame {
	geo := make(map[string]interface{})
	for s := 1; s <= 3; s++ {
		for o := 1; o <= 5; o++ {
			geo[fmt.Sprintf("%d,%d", s, o)] = map[string]interface{}{
				"x": float64(s) * 10,
				"y": float64(s) * -5,
				"z": -500 + float64(o)*17,
			}
		}
	}
	return source.RawFrame{Stop: source.StopGeometry, Objects: map[string]interface{}{"I3Geometry": geo}}
}

// PulseCount is the number of pulses PhysicsFrame writes for event.
func PulseCount(event int) int {
	return event%3 + 1
}

// PhysicsFrame returns a P frame with an event header, an MC primary, a pulse
// series of PulseCount(event) pulses and, for even events, a reconstruction.
func PhysicsFrame(run, event int) source.RawFrame {
	pulses := make([]interface{}, PulseCount(event))
	for i := range pulses {
		pulses[i] = map[string]interface{}{
			"string": i%3 + 1,
			"om":     (event+i)%5 + 1,
			"time":   10000 + float64(event)*3 + float64(i)*2.5,
			"charge": 0.25 + float64(i)*0.5,
			"width":  8.0,
		}
	}

	objects := map[string]interface{}{
		"I3EventHeader": map[string]interface{}{
			"run_id":       run,
			"sub_run_id":   0,
			"event_id":     event,
			"sub_event_id": 0,
		},
		"MCPrimary": map[string]interface{}{
			"energy":           10.5 + float64(event),
			"zenith":           0.1 * float64(event%30),
			"azimuth":          0.2 * float64(event%30),
			"position_x":       1.0,
			"position_y":       2.0,
			"position_z":       -300.0,
			"pid":              14,
			"interaction_type": 1,
		},
		PulseMap: pulses,
	}
	if event%2 == 0 {
		objects["retro_crs_prefit"] = map[string]interface{}{
			"energy": 9.0 + float64(event), "zenith": 0.5, "azimuth": 1.5,
			"time": 10010.0, "x": 0.5, "y": -0.5, "z": -310.0,
		}
	}
	return source.RawFrame{Stop: source.StopPhysics, Objects: objects}
}

// EventFrames returns a geometry frame followed by n physics frames whose
// event ids start at firstEvent.
func EventFrames(run, firstEvent, n int) []source.RawFrame {
	frames := []source.RawFrame{GeometryFrame()}
	for i := 0; i < n; i++ {
		frames = append(frames, PhysicsFrame(run, firstEvent+i))
	}
	return frames
}

// WriteFrameFile writes frames to path. The format follows the suffix: Avro
// for .avro, JSON lines otherwise, with compression by the trailing suffix.
func WriteFrameFile(t *testing.T, path string, frames []source.RawFrame) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f, err := os.Create(path) //nolint:gosec // test path
	require.NoError(t, err)
	defer f.Close()

	alg, rest := compression.FromPath(path)
	w, err := compression.NewWriter(f, alg, compression.Default)
	require.NoError(t, err)

	if strings.HasSuffix(rest, ".avro") {
		require.NoError(t, source.WriteAvro(w, frames, "deflate"))
	} else {
		require.NoError(t, source.WriteJSONLines(w, frames))
	}
	require.NoError(t, w.Close())
	return path
}

// CreateFrameFiles writes one file per name under dir with eventsPerFile
// physics frames each. Event ids keep increasing across files.
func CreateFrameFiles(t *testing.T, dir string, names []string, eventsPerFile int) []string {
	t.Helper()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = WriteFrameFile(t, filepath.Join(dir, name), EventFrames(1, i*eventsPerFile, eventsPerFile))
	}
	return paths
}
