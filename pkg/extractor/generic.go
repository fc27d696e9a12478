package extractor

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/frameconv/pkg/models"
)

// DefaultGenericTable is the table written by a GenericExtractor without one.
const DefaultGenericTable = "generic"

// FieldSeparator joins nested map keys into column names.
const FieldSeparator = "__"

// GenericExtractor copies arbitrary frame objects into a scalar table for
// exploration. Nested maps are flattened into key__sub columns and lists are
// stored as their JSON encoding.
type GenericExtractor struct {
	keys  []string
	table string
}

// NewGenericExtractor creates an extractor for keys writing table, or
// DefaultGenericTable when table is empty.
func NewGenericExtractor(keys []string, table string) *GenericExtractor {
	if table == "" {
		table = DefaultGenericTable
	}
	return &GenericExtractor{keys: append([]string(nil), keys...), table: table}
}

func (e *GenericExtractor) Name() string  { return "generic:" + e.table }
func (e *GenericExtractor) Table() string { return e.table }

func (e *GenericExtractor) Extract(frame *models.Frame) (*models.Record, error) {
	fields := make(map[string]interface{})
	found := false
	for _, key := range e.keys {
		v, ok := frame.Get(key)
		if !ok {
			continue
		}
		found = true
		if err := flatten(fields, key, v); err != nil {
			return nil, extractionError(e, frame, err.Error())
		}
	}
	if !found {
		return nil, nil
	}
	return &models.Record{Table: e.table, Fields: fields}, nil
}

func flatten(dst map[string]interface{}, prefix string, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, inner := range t {
			if err := flatten(dst, prefix+FieldSeparator+k, inner); err != nil {
				return err
			}
		}
		return nil
	case nil, int64, float64, bool, string:
		dst[prefix] = t
		return nil
	case []interface{}, []int64, []float64, []bool, []string:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", prefix, err)
		}
		dst[prefix] = string(b)
		return nil
	default:
		n, err := models.NormalizeValue(v)
		if err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
		return flatten(dst, prefix, n)
	}
}
