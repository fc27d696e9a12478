package source

import "sort"

// Frame stops.
const (
	StopGeometry       = "G"
	StopCalibration    = "C"
	StopDetectorStatus = "D"
	StopDAQ            = "Q"
	StopPhysics        = "P"
)

var stopRank = map[string]int{
	StopGeometry:       0,
	StopCalibration:    1,
	StopDetectorStatus: 2,
	StopDAQ:            3,
}

// Mixer folds the objects of non-physics frames into the physics frames that
// follow them. Each stop keeps one layer; a new frame of that stop replaces
// the layer. Layers are applied in stop order G, C, D, Q, then any other
// stop alphabetically, and finally the physics frame's own objects, so later
// stops override earlier ones on key conflicts.
type Mixer struct {
	layers map[string]map[string]interface{}
}

// NewMixer returns an empty mixer.
func NewMixer() *Mixer {
	return &Mixer{layers: make(map[string]map[string]interface{})}
}

// Add feeds one frame. For a physics frame it returns the mixed objects and
// true; for any other stop it records the layer and returns false.
func (m *Mixer) Add(stop string, objects map[string]interface{}) (map[string]interface{}, bool) {
	if stop != StopPhysics {
		m.layers[stop] = objects
		return nil, false
	}

	stops := make([]string, 0, len(m.layers))
	for s := range m.layers {
		stops = append(stops, s)
	}
	sort.Slice(stops, func(i, j int) bool {
		ri, iok := stopRank[stops[i]]
		rj, jok := stopRank[stops[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return stops[i] < stops[j]
		}
	})

	mixed := make(map[string]interface{})
	for _, s := range stops {
		for k, v := range m.layers[s] {
			mixed[k] = v
		}
	}
	for k, v := range objects {
		mixed[k] = v
	}
	return mixed, true
}
