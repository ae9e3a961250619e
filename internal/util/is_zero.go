package util

import "reflect"

func IsZero(i interface{}) bool {
	if i == nil {
		return true
	}
	return IsZeroVal(reflect.ValueOf(i))
}

// IsZeroVal works for non comparable types too, so config structs can hold slices.
func IsZeroVal(v reflect.Value) bool {
	return v.IsZero()
}
