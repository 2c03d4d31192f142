package varenv

import (
	"math"
	"reflect"
)

// Same reports deep structural equality between two values. Numbers compare
// across types (an inbound JSON float64 equals a host int of the same
// magnitude), cells compare by assignment state and contained value, and
// reference cycles terminate through a visited-pair set.
func Same(a, b interface{}) bool {
	return same(a, b, make(map[[2]uintptr]bool))
}

func same(a, b interface{}, seen map[[2]uintptr]bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ca, ok := a.(*Cell); ok {
		cb, ok := b.(*Cell)
		if !ok {
			return false
		}
		if ca == cb {
			return true
		}
		if ca.set != cb.set {
			return false
		}
		if !ca.set {
			return true
		}
		return same(ca.value, cb.value, seen)
	}
	if la, ok := a.(*List); ok {
		lb, ok := b.(*List)
		if !ok {
			return false
		}
		if la == lb {
			return true
		}
		return same(la.Items, lb.Items, seen)
	}

	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)

	if na, aok := numeric(av); aok {
		nb, bok := numeric(bv)
		if !bok {
			return false
		}
		if math.IsNaN(na) && math.IsNaN(nb) {
			return true // NaN equals NaN for change detection
		}
		return na == nb
	}

	if av.Kind() != bv.Kind() {
		return false
	}

	switch av.Kind() {
	case reflect.String:
		return av.String() == bv.String()
	case reflect.Bool:
		return av.Bool() == bv.Bool()
	case reflect.Ptr:
		if av.Pointer() == bv.Pointer() {
			return true
		}
		if av.IsNil() || bv.IsNil() {
			return false
		}
		if mark(av, bv, seen) {
			return true
		}
		return same(av.Elem().Interface(), bv.Elem().Interface(), seen)
	case reflect.Slice, reflect.Array:
		if av.Kind() == reflect.Slice {
			if av.IsNil() != bv.IsNil() {
				return false
			}
			if av.Len() > 0 && av.Pointer() == bv.Pointer() && av.Len() == bv.Len() {
				return true
			}
			if mark(av, bv, seen) {
				return true
			}
		}
		if av.Len() != bv.Len() {
			return false
		}
		for i := 0; i < av.Len(); i++ {
			if !same(av.Index(i).Interface(), bv.Index(i).Interface(), seen) {
				return false
			}
		}
		return true
	case reflect.Map:
		if av.IsNil() != bv.IsNil() {
			return false
		}
		if av.Len() > 0 && av.Pointer() == bv.Pointer() {
			return true
		}
		if av.Len() != bv.Len() {
			return false
		}
		if mark(av, bv, seen) {
			return true
		}
		iter := av.MapRange()
		for iter.Next() {
			bval := bv.MapIndex(iter.Key())
			if !bval.IsValid() {
				return false
			}
			if !same(iter.Value().Interface(), bval.Interface(), seen) {
				return false
			}
		}
		return true
	case reflect.Struct:
		if av.Type() != bv.Type() {
			return false
		}
		t := av.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue // unexported
			}
			if !same(av.Field(i).Interface(), bv.Field(i).Interface(), seen) {
				return false
			}
		}
		return true
	default:
		if av.Type() == bv.Type() && av.Type().Comparable() {
			return a == b
		}
		return false
	}
}

// mark records a pointer pair as visited; returns true when the pair was
// already seen, which terminates cycles as tentatively equal.
func mark(av, bv reflect.Value, seen map[[2]uintptr]bool) bool {
	key := [2]uintptr{av.Pointer(), bv.Pointer()}
	if seen[key] {
		return true
	}
	seen[key] = true
	return false
}

// numeric widens any numeric kind to float64.
func numeric(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	default:
		return 0, false
	}
}
