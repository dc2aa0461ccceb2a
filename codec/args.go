package codec

import (
	"reflect"

	"github.com/go-json-experiment/json/jsontext"
)

// Arguments normalizes call params into the argument sequence put on the wire.
//
//   - nil (including nil pointers, maps and interfaces): ok is false, no
//     argument field is sent at all.
//   - a slice or array: used as-is, one element per argument.
//   - anything else: wrapped into a one-element sequence.
//
// []byte and [N]byte encode as JSON strings, so they count as single values.
// A jsontext.Value is used as-is when it holds a JSON array and wrapped otherwise.
// To pass one slice as the only argument, wrap it: []any{[]int{1, 2}}.
func Arguments(params any) (args any, ok bool) {
	if isNil(params) {
		return nil, false
	}
	if raw, isRaw := params.(jsontext.Value); isRaw {
		if raw.Kind() == '[' {
			return raw, true
		}
		return []any{raw}, true
	}
	v := reflect.ValueOf(params)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return params, true
		}
	}
	return []any{params}, true
}

// EncodeArgs encodes params as the JSON array text of the argument field.
// It returns nil when params is nil.
func EncodeArgs(c Codec, params any) ([]byte, error) {
	args, ok := Arguments(params)
	if !ok {
		return nil, nil
	}
	return c.Encode(args)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
