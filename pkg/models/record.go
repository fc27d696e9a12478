package models

import (
	"fmt"
	"sort"
)

// Record is the output of one extractor applied to one frame, destined for
// Table. Event is the event index assigned by the worker; it is unique per
// table within a batch.
type Record struct {
	Table  string
	Event  int64
	Fields map[string]interface{}
}

// Columns returns the field names in sorted order.
func (r *Record) Columns() []string {
	cols := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Shape reports how many rows the record expands to. A record holding any
// slice is a series record with one row per element; all slices must share a
// length and scalar fields are repeated on every row. A record without slices
// is a single scalar row.
func (r *Record) Shape() (rows int, series bool, err error) {
	rows = 1
	for _, col := range r.Columns() {
		n, isList, err := valueLen(r.Fields[col])
		if err != nil {
			return 0, false, fmt.Errorf("field %q: %w", col, err)
		}
		if !isList {
			continue
		}
		if series && n != rows {
			return 0, false, fmt.Errorf("field %q has %d elements, expected %d", col, n, rows)
		}
		series = true
		rows = n
	}
	return rows, series, nil
}

// ValueAt returns the value of col on row i. Scalars are returned for every row.
func (r *Record) ValueAt(col string, i int) interface{} {
	switch v := r.Fields[col].(type) {
	case []int64:
		return v[i]
	case []float64:
		return v[i]
	case []bool:
		return v[i]
	case []string:
		return v[i]
	default:
		return v
	}
}

func valueLen(v interface{}) (int, bool, error) {
	switch t := v.(type) {
	case nil, int64, float64, bool, string:
		return 1, false, nil
	case []int64:
		return len(t), true, nil
	case []float64:
		return len(t), true, nil
	case []bool:
		return len(t), true, nil
	case []string:
		return len(t), true, nil
	default:
		return 0, false, fmt.Errorf("unsupported value type %T", v)
	}
}
