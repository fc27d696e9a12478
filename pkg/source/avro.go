package source

import (
	"fmt"
	"io"
	"sort"

	"github.com/linkedin/goavro/v2"
)

// AvroFrameSchema is the Avro schema of frame container files. Object values
// are wrapped in the recursive Value record so that arbitrary nesting can be
// expressed with a closed union.
const AvroFrameSchema = `{
  "type": "record",
  "name": "Frame",
  "namespace": "frameconv",
  "fields": [
    {"name": "stop", "type": "string", "default": "P"},
    {"name": "objects", "type": {"type": "map", "values": {
      "type": "record",
      "name": "Value",
      "fields": [
        {"name": "v", "type": [
          "null", "boolean", "long", "double", "string",
          {"type": "array", "items": "Value"},
          {"type": "map", "values": "Value"}
        ]}
      ]
    }}}
  ]
}`

// AvroFormat reads Avro object container files written with AvroFrameSchema.
func AvroFormat() Format {
	return Format{
		Name:     "avro",
		Suffixes: []string{".avro"},
		NewDecoder: func(r io.Reader) (Decoder, error) {
			ocf, err := goavro.NewOCFReader(r)
			if err != nil {
				return nil, err
			}
			return &avroDecoder{ocf: ocf}, nil
		},
	}
}

type avroDecoder struct {
	ocf *goavro.OCFReader
}

func (d *avroDecoder) Decode() (*RawFrame, error) {
	if !d.ocf.Scan() {
		if err := d.ocf.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	datum, err := d.ocf.Read()
	if err != nil {
		return nil, err
	}
	rec, ok := datum.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected avro datum %T", datum)
	}

	raw := &RawFrame{Objects: map[string]interface{}{}}
	if s, ok := rec["stop"].(string); ok {
		raw.Stop = s
	}
	objs, _ := rec["objects"].(map[string]interface{})
	for k, v := range objs {
		val, err := fromAvroValue(v)
		if err != nil {
			return nil, fmt.Errorf("object %q: %w", k, err)
		}
		raw.Objects[k] = val
	}
	return raw, nil
}

func fromAvroValue(v interface{}) (interface{}, error) {
	rec, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected Value record, got %T", v)
	}
	union := rec["v"]
	if union == nil {
		return nil, nil
	}
	branch, ok := union.(map[string]interface{})
	if !ok || len(branch) != 1 {
		return nil, fmt.Errorf("malformed union %v", union)
	}
	for name, inner := range branch {
		switch name {
		case "array":
			items, _ := inner.([]interface{})
			out := make([]interface{}, len(items))
			for i, item := range items {
				val, err := fromAvroValue(item)
				if err != nil {
					return nil, err
				}
				out[i] = val
			}
			return out, nil
		case "map":
			entries, _ := inner.(map[string]interface{})
			out := make(map[string]interface{}, len(entries))
			for k, item := range entries {
				val, err := fromAvroValue(item)
				if err != nil {
					return nil, err
				}
				out[k] = val
			}
			return out, nil
		default:
			return inner, nil
		}
	}
	return nil, nil
}

// toAvroValue wraps a normalized or plain Go value in the Value record.
func toAvroValue(v interface{}) (map[string]interface{}, error) {
	wrap := func(branch string, inner interface{}) map[string]interface{} {
		return map[string]interface{}{"v": goavro.Union(branch, inner)}
	}
	switch t := v.(type) {
	case nil:
		return map[string]interface{}{"v": nil}, nil
	case bool:
		return wrap("boolean", t), nil
	case int:
		return wrap("long", int64(t)), nil
	case int64:
		return wrap("long", t), nil
	case float64:
		return wrap("double", t), nil
	case string:
		return wrap("string", t), nil
	case []int64:
		return toAvroList(len(t), func(i int) interface{} { return t[i] })
	case []float64:
		return toAvroList(len(t), func(i int) interface{} { return t[i] })
	case []bool:
		return toAvroList(len(t), func(i int) interface{} { return t[i] })
	case []string:
		return toAvroList(len(t), func(i int) interface{} { return t[i] })
	case []interface{}:
		return toAvroList(len(t), func(i int) interface{} { return t[i] })
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			e, err := toAvroValue(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return wrap("map", out), nil
	default:
		return nil, fmt.Errorf("cannot encode %T as avro value", v)
	}
}

func toAvroList(n int, at func(int) interface{}) (map[string]interface{}, error) {
	items := make([]interface{}, n)
	for i := 0; i < n; i++ {
		e, err := toAvroValue(at(i))
		if err != nil {
			return nil, err
		}
		items[i] = e
	}
	return map[string]interface{}{"v": goavro.Union("array", items)}, nil
}

// WriteAvro encodes frames into an Avro object container file on w.
// compressionName is one of the goavro codec labels ("null", "deflate", "snappy").
func WriteAvro(w io.Writer, frames []RawFrame, compressionName string) error {
	codec, err := goavro.NewCodec(AvroFrameSchema)
	if err != nil {
		return fmt.Errorf("failed to create Avro codec: %w", err)
	}
	ocfw, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           codec,
		CompressionName: compressionName,
	})
	if err != nil {
		return fmt.Errorf("failed to create Avro writer: %w", err)
	}

	data := make([]interface{}, 0, len(frames))
	for _, f := range frames {
		objs := make(map[string]interface{}, len(f.Objects))
		for k, v := range f.Objects {
			av, err := toAvroValue(v)
			if err != nil {
				return fmt.Errorf("object %q: %w", k, err)
			}
			objs[k] = av
		}
		stop := f.Stop
		if stop == "" {
			stop = StopPhysics
		}
		data = append(data, map[string]interface{}{"stop": stop, "objects": objs})
	}
	return ocfw.Append(data)
}
