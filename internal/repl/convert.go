package repl

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
)

// goToStarlark converts a decoded JSON value into its interpreter
// counterpart. Whole floats inside the safe integer range become ints, the
// way a JSON-decoding interpreter would produce them.
func goToStarlark(value any) (starlark.Value, error) {
	switch v := value.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case string:
		return starlark.String(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return starlark.MakeInt64(int64(v)), nil
		}
		return starlark.Float(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, 0, len(v))
		for _, item := range v {
			converted, err := goToStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, converted)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(v))
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			converted, err := goToStarlark(v[key])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

// starlarkToGo converts an interpreter value into a JSON-encodable Go value.
// Values without a JSON counterpart fall back to their repr.
func starlarkToGo(value starlark.Value) any {
	switch v := value.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(v)
	case starlark.String:
		return string(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		return float64(v)
	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, starlarkToGo(v.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, starlarkToGo(item))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = starlarkToGo(item[1])
		}
		return out
	default:
		return value.String()
	}
}

// valueStr renders a value the way str() would: strings verbatim, anything
// else as its repr.
func valueStr(value starlark.Value) string {
	if s, ok := starlark.AsString(value); ok {
		return s
	}
	return value.String()
}

// sequenceValues materializes any iterable into a slice.
func sequenceValues(value starlark.Value) ([]starlark.Value, error) {
	iter := starlark.Iterate(value)
	if iter == nil {
		return nil, fmt.Errorf("%s is not iterable", value.Type())
	}
	defer iter.Done()
	var out []starlark.Value
	var item starlark.Value
	for iter.Next(&item) {
		out = append(out, item)
	}
	return out, nil
}

// floatValues coerces an iterable of numbers into float64s.
func floatValues(value starlark.Value) ([]float64, error) {
	items, err := sequenceValues(value)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := starlark.AsFloat(item)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %s", item.Type())
		}
		out = append(out, f)
	}
	return out, nil
}
