// Package nilcheck detects typed-nil values hidden behind interfaces.
package nilcheck

import "reflect"

// Interface reports whether value is nil, including a non-nil interface
// wrapping a nil pointer, map, slice, chan, or func.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
