// Package nilcheck detects nil values hidden behind non-nil interfaces.
package nilcheck

import "reflect"

// Interface reports whether value is nil, including a typed nil pointer,
// map, slice, channel or func stored in an interface.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
