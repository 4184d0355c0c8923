package transform

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/hupe1980/vecproj/internal/errs"
)

// FieldType is the declared type of a schema field.
type FieldType int

const (
	TypeInteger FieldType = iota + 1
	TypeNumber
	TypeString
	TypeBool
	TypeNumberList
	TypeNumberMatrix
)

func (t FieldType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeNumberList:
		return "number list"
	case TypeNumberMatrix:
		return "number matrix"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Field describes one parameter.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// Default is applied when the key is absent and the field is optional.
	Default any
	// Min and Max bound integer and number fields (inclusive unless
	// ExclusiveMin is set).
	Min          *float64
	Max          *float64
	ExclusiveMin bool
	// NonZero rejects 0 for numeric fields.
	NonZero bool
	// Enum restricts string fields.
	Enum []string
}

// Schema is an ordered list of parameter fields.
type Schema struct {
	Fields []Field
}

// Bound returns a pointer to v, for use as Field.Min / Field.Max.
func Bound(v float64) *float64 { return &v }

// Validate checks params against the schema and returns the normalized
// parameter map: integers become int64, numbers float64, lists []float64,
// matrices [][]float64, and defaults are filled in.
//
// Unknown keys, missing required keys, type mismatches, and out-of-range values
// fail with an error wrapping ErrInvalidParameters.
func (s Schema) Validate(params map[string]any) (map[string]any, error) {
	known := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = struct{}{}
	}

	var unknown []string
	for k := range params {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, invalidParams("unknown parameter(s) %v", unknown)
	}

	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		raw, ok := params[f.Name]
		if !ok || raw == nil {
			if f.Required {
				return nil, invalidParams("missing required parameter %q", f.Name)
			}
			if f.Default == nil {
				continue
			}
			raw = f.Default
		}

		v, err := f.coerce(raw)
		if err != nil {
			return nil, err
		}
		if err := f.checkRange(v); err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func (f Field) coerce(raw any) (any, error) {
	switch f.Type {
	case TypeInteger:
		n, ok := toInt64(raw)
		if !ok {
			return nil, f.typeErr(raw)
		}
		return n, nil
	case TypeNumber:
		x, ok := toFloat64(raw)
		if !ok {
			return nil, f.typeErr(raw)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, invalidParams("parameter %q must be finite", f.Name)
		}
		return x, nil
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, f.typeErr(raw)
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
			return nil, invalidParams("parameter %q must be one of %v, got %q", f.Name, f.Enum, s)
		}
		return s, nil
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, f.typeErr(raw)
		}
		return b, nil
	case TypeNumberList:
		list, ok := toFloat64List(raw)
		if !ok {
			return nil, f.typeErr(raw)
		}
		for _, x := range list {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, invalidParams("parameter %q must contain finite numbers", f.Name)
			}
		}
		return list, nil
	case TypeNumberMatrix:
		m, ok := toFloat64Matrix(raw)
		if !ok {
			return nil, f.typeErr(raw)
		}
		for _, row := range m {
			for _, x := range row {
				if math.IsNaN(x) || math.IsInf(x, 0) {
					return nil, invalidParams("parameter %q must contain finite numbers", f.Name)
				}
			}
		}
		return m, nil
	default:
		return nil, invalidParams("parameter %q has unsupported type %v", f.Name, f.Type)
	}
}

func (f Field) checkRange(v any) error {
	var x float64
	switch n := v.(type) {
	case int64:
		x = float64(n)
	case float64:
		x = n
	default:
		return nil
	}
	if f.NonZero && x == 0 {
		return invalidParams("parameter %q must be non-zero", f.Name)
	}
	if f.Min != nil {
		if f.ExclusiveMin && x <= *f.Min {
			return invalidParams("parameter %q must be > %v, got %v", f.Name, *f.Min, x)
		}
		if !f.ExclusiveMin && x < *f.Min {
			return invalidParams("parameter %q must be >= %v, got %v", f.Name, *f.Min, x)
		}
	}
	if f.Max != nil && x > *f.Max {
		return invalidParams("parameter %q must be <= %v, got %v", f.Name, *f.Max, x)
	}
	return nil
}

func (f Field) typeErr(raw any) error {
	return invalidParams("parameter %q must be %v, got %T", f.Name, f.Type, raw)
}

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrInvalidParameters, fmt.Sprintf(format, args...))
}

// toInt64 accepts any integer type and integral floats (JSON decodes numbers
// as float64).
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return toInt64(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case bool, string:
		return 0, false
	default:
		i, ok := toInt64(v)
		return float64(i), ok
	}
}

func toFloat64List(v any) ([]float64, bool) {
	switch l := v.(type) {
	case []float64:
		return slices.Clone(l), true
	case []float32:
		out := make([]float64, len(l))
		for i, x := range l {
			out[i] = float64(x)
		}
		return out, true
	case []int:
		out := make([]float64, len(l))
		for i, x := range l {
			out[i] = float64(x)
		}
		return out, true
	case []any:
		out := make([]float64, len(l))
		for i, e := range l {
			x, ok := toFloat64(e)
			if !ok {
				return nil, false
			}
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat64Matrix(v any) ([][]float64, bool) {
	switch m := v.(type) {
	case [][]float64:
		out := make([][]float64, len(m))
		for i, row := range m {
			out[i] = slices.Clone(row)
		}
		return out, true
	case [][]float32:
		out := make([][]float64, len(m))
		for i, row := range m {
			r, _ := toFloat64List(row)
			out[i] = r
		}
		return out, true
	case []any:
		out := make([][]float64, len(m))
		for i, row := range m {
			r, ok := toFloat64List(row)
			if !ok {
				return nil, false
			}
			out[i] = r
		}
		return out, true
	default:
		return nil, false
	}
}
