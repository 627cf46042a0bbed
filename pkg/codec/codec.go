// Package codec round-trips semi-structured attribute values through a
// relational column type whose native binding path only accepts flat
// parameters. Encoding flattens model-like values into plain maps, slices
// and scalars the driver can bind directly; decoding recovers the logical
// value from whatever shape the store hands back.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/perch-labs/graphsync/pkg/logger"
)

// Flattener is the capability a model-like value may implement to take part
// in encoding. Values that do not implement it must already be plain maps,
// slices or scalars.
type Flattener interface {
	FlattenMap() map[string]any
}

// RawText wraps column text that could not be parsed as a semi-structured
// value. Decode returns it instead of failing so that a single corrupt cell
// never breaks a read path; callers that care can type-switch on it.
type RawText string

func (r RawText) String() string { return string(r) }

// UnsupportedTypeError is returned by Encode for values that cannot be
// represented in a semi-structured column, such as channels or functions
// buried inside an attribute map. It fails at encode time, before the
// driver boundary.
type UnsupportedTypeError struct {
	Path string
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("codec: unsupported value type %s at %s", e.Type, e.Path)
}

// Encode converts a value into a form the relational driver can bind
// without manual string escaping: plain maps, slices and scalars. Values
// implementing Flattener are flattened recursively. nil encodes to nil.
func Encode(value any) (any, error) {
	return encode(value, "$")
}

// EncodeMap encodes every value of an attribute map. Keys are preserved.
func EncodeMap(attrs map[string]any) (map[string]any, error) {
	if attrs == nil {
		return nil, nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		enc, err := encode(v, "$."+k)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

func encode(value any, path string) (any, error) {
	if value == nil {
		return nil, nil
	}

	if f, ok := value.(Flattener); ok {
		return encode(f.FlattenMap(), path)
	}

	switch v := value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case json.Number:
		return v.String(), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			enc, err := encode(elem, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			enc, err := encode(elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	}

	return encodeReflect(reflect.ValueOf(value), path)
}

// encodeReflect handles typed maps and slices ([]string, map[string]int...)
// that callers hand in instead of the any-typed shapes above.
func encodeReflect(rv reflect.Value, path string) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encode(rv.Elem().Interface(), path)
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := encode(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedTypeError{Path: path, Type: rv.Type()}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			enc, err := encode(iter.Value().Interface(), path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	}

	return nil, &UnsupportedTypeError{Path: path, Type: rv.Type()}
}

// Decode recovers the logical value from whatever the store returned for a
// semi-structured column. Native maps and slices pass through; []byte and
// string are parsed as JSON. Malformed text is returned as RawText with a
// warning logged, never as an error.
func Decode(stored any) any {
	switch v := stored.(type) {
	case nil:
		return nil
	case []byte:
		return decodeText(string(v))
	case string:
		return decodeText(v)
	default:
		return stored
	}
}

// DecodeMap decodes a stored attribute payload into a map. A payload that
// decodes to anything other than a map (including RawText) is wrapped under
// a "_raw" key so the caller still sees it.
func DecodeMap(stored any) map[string]any {
	decoded := Decode(stored)
	if decoded == nil {
		return nil
	}
	if m, ok := decoded.(map[string]any); ok {
		return m
	}
	return map[string]any{"_raw": decoded}
}

func decodeText(text string) any {
	if text == "" {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		logger.Warn("[Codec] Malformed semi-structured value, returning raw text", "err", err)
		return RawText(text)
	}
	return out
}

// Canonical maps a decoded value onto a single representation so that two
// values that differ only in numeric or container typing compare equal.
// All numbers become float64, typed slices and maps become []any and
// map[string]any. Used by verification to avoid false mismatches between
// the two stores' type systems.
func Canonical(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case RawText:
		return string(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case float64, bool, string:
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = Canonical(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Canonical(elem)
		}
		return out
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Canonical(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = Canonical(iter.Value().Interface())
			}
			return out
		}
	}

	return value
}
