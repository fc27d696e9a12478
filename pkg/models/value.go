package models

import (
	"fmt"
	"math"
	"strings"
)

// Kind is the scalar type of a column. The zero Kind is a column that has
// only held nulls so far.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "null"
	}
}

// ColumnType is a column's scalar kind plus whether the record held a series.
type ColumnType struct {
	Kind Kind
	List bool
}

func (c ColumnType) String() string {
	if c.List {
		return "list<" + c.Kind.String() + ">"
	}
	return c.Kind.String()
}

// MarshalText implements encoding.TextMarshaler.
func (c ColumnType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ColumnType) UnmarshalText(text []byte) error {
	t, err := ParseColumnType(string(text))
	if err != nil {
		return err
	}
	*c = t
	return nil
}

// ParseColumnType parses the String form of a ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	var ct ColumnType
	if strings.HasPrefix(s, "list<") && strings.HasSuffix(s, ">") {
		ct.List = true
		s = s[len("list<") : len(s)-1]
	}
	switch s {
	case "int64":
		ct.Kind = KindInt
	case "float64":
		ct.Kind = KindFloat
	case "bool":
		ct.Kind = KindBool
	case "string":
		ct.Kind = KindString
	case "null":
		ct.Kind = KindNull
	default:
		return ColumnType{}, fmt.Errorf("unknown column type %q", s)
	}
	return ct, nil
}

// KindOf returns the column type of a canonical value. ok is false for nil,
// which carries no type information.
func KindOf(v interface{}) (ct ColumnType, ok bool) {
	switch v.(type) {
	case int64:
		return ColumnType{Kind: KindInt}, true
	case float64:
		return ColumnType{Kind: KindFloat}, true
	case bool:
		return ColumnType{Kind: KindBool}, true
	case string:
		return ColumnType{Kind: KindString}, true
	case []int64:
		return ColumnType{Kind: KindInt, List: true}, true
	case []float64:
		return ColumnType{Kind: KindFloat, List: true}, true
	case []bool:
		return ColumnType{Kind: KindBool, List: true}, true
	case []string:
		return ColumnType{Kind: KindString, List: true}, true
	default:
		return ColumnType{}, false
	}
}

// Promote returns the type able to hold values of both a and b. The only
// widening allowed is int64 to float64; list-ness must agree. A null column
// takes the type of the other.
func Promote(a, b ColumnType) (ColumnType, bool) {
	if a.Kind == KindNull {
		return b, true
	}
	if b.Kind == KindNull {
		return a, true
	}
	if a.List != b.List {
		return ColumnType{}, false
	}
	if a.Kind == b.Kind {
		return a, true
	}
	if (a.Kind == KindInt && b.Kind == KindFloat) || (a.Kind == KindFloat && b.Kind == KindInt) {
		return ColumnType{Kind: KindFloat, List: a.List}, true
	}
	return ColumnType{}, false
}

// AsFloat converts an int64 or float64 value to float64.
func AsFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// AsInt converts an int64 value, or a float64 holding an integer, to int64.
func AsInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		if t == math.Trunc(t) && t >= math.MinInt64 && t <= math.MaxInt64 {
			return int64(t), true
		}
	}
	return 0, false
}

// number is satisfied by json.Number from both encoding/json and goccy/go-json.
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

// NormalizeValue converts a decoded value into its canonical form. Maps are
// normalized recursively. Lists of scalars become typed slices, with mixed
// integer and float lists widened to []float64; lists holding maps or lists
// stay []interface{} with normalized elements.
func NormalizeValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case float32:
		return float64(t), nil
	case []byte:
		return string(t), nil
	case number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.String())
		}
		return f, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case []interface{}:
		return normalizeList(t)
	case []int64, []float64, []bool, []string:
		return t, nil
	case []int:
		out := make([]int64, len(t))
		for i, e := range t {
			out[i] = int64(e)
		}
		return out, nil
	case []int32:
		out := make([]int64, len(t))
		for i, e := range t {
			out[i] = int64(e)
		}
		return out, nil
	case []float32:
		out := make([]float64, len(t))
		for i, e := range t {
			out[i] = float64(e)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func normalizeList(in []interface{}) (interface{}, error) {
	elems := make([]interface{}, len(in))
	scalar := true
	var common ColumnType
	for i, e := range in {
		n, err := NormalizeValue(e)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		elems[i] = n
		ct, ok := KindOf(n)
		if !ok || ct.List {
			scalar = false
			continue
		}
		if common.Kind == KindNull {
			common = ct
			continue
		}
		if p, ok := Promote(common, ct); ok {
			common = p
		} else {
			scalar = false
		}
	}
	if !scalar || len(elems) == 0 {
		return elems, nil
	}

	switch common.Kind {
	case KindInt:
		out := make([]int64, len(elems))
		for i, e := range elems {
			out[i] = e.(int64)
		}
		return out, nil
	case KindFloat:
		out := make([]float64, len(elems))
		for i, e := range elems {
			out[i], _ = AsFloat(e)
		}
		return out, nil
	case KindBool:
		out := make([]bool, len(elems))
		for i, e := range elems {
			out[i] = e.(bool)
		}
		return out, nil
	default:
		out := make([]string, len(elems))
		for i, e := range elems {
			out[i] = e.(string)
		}
		return out, nil
	}
}
