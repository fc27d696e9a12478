package source

import (
	"io"

	"github.com/goccy/go-json"
)

// JSONLinesFormat reads one JSON object per frame:
//
//	{"stop": "G", "objects": {"I3Geometry": {"1,1": {"x": 0.0, "y": 0.0, "z": -500.0}}}}
//	{"stop": "P", "objects": {"I3EventHeader": {"run_id": 1, "event_id": 7}}}
//
// A missing stop means a physics frame. Numbers keep integer precision.
func JSONLinesFormat() Format {
	return Format{
		Name:     "jsonl",
		Suffixes: []string{".jsonl", ".i3.json"},
		NewDecoder: func(r io.Reader) (Decoder, error) {
			dec := json.NewDecoder(r)
			dec.UseNumber()
			return &jsonlDecoder{dec: dec}, nil
		},
	}
}

type jsonlDecoder struct {
	dec *json.Decoder
}

func (d *jsonlDecoder) Decode() (*RawFrame, error) {
	var raw RawFrame
	if err := d.dec.Decode(&raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// WriteJSONLines encodes frames as JSON lines to w.
func WriteJSONLines(w io.Writer, frames []RawFrame) error {
	enc := json.NewEncoder(w)
	for i := range frames {
		if err := enc.Encode(&frames[i]); err != nil {
			return err
		}
	}
	return nil
}
