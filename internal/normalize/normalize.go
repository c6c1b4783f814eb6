// Package normalize canonicalizes user input and values read back from
// namespace backends.
package normalize

import (
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Value converts v into the canonical untyped shape shared by every
// namespace backend: map[string]any, []any, string, bool, float64 or nil.
// The result never aliases v, so it doubles as a deep copy.
func Value(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool, float64:
		return t
	case map[string]any:
		return mapValue(t)
	case bson.M:
		return mapValue(t)
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = Value(e.Value)
		}
		return out
	case []any:
		return sliceValue(t)
	case bson.A:
		return sliceValue(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	}
	return reflectValue(reflect.ValueOf(v))
}

func mapValue(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, x := range m {
		out[k] = Value(x)
	}
	return out
}

func sliceValue(s []any) []any {
	out := make([]any, len(s))
	for i, x := range s {
		out[i] = Value(x)
	}
	return out
}

// reflectValue handles typed containers such as []map[string]any or
// map[string]string that callers build before handing them to a store.
func reflectValue(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Value(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Value(iter.Value().Interface())
		}
		return out
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Value(rv.Elem().Interface())
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return nil
}
