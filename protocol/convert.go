package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// As converts a value received from a peer into T.
//
// Values that are already assignable to T are returned as is, which is the common case for in-process
// transports. Anything else goes through a JSON round trip, which handles the shapes codecs produce:
// float64 for numbers, map[string]any for objects, base64 strings for byte slices.
func As[T any](v any) (T, error) {
	var zero T
	rv, err := convertValue(v, reflect.TypeOf(&zero).Elem())
	if err != nil {
		return zero, err
	}
	out, _ := rv.Interface().(T)
	return out, nil
}

func convertValue(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("converting %T to %s: %w", v, t, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("converting %T to %s: %w", v, t, err)
	}
	return ptr.Elem(), nil
}
