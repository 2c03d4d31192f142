package varenv

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Host capability interfaces. Values that implement these bypass reflection;
// everything else goes through the default adapters (JSON-shaped maps and
// exported struct fields).

// FieldGetter exposes named members of a host object.
type FieldGetter interface {
	GetField(name string) (interface{}, bool)
}

// FieldSetter accepts assignment to named members of a host object.
type FieldSetter interface {
	SetField(name string, value interface{}) error
}

// Caller is a host object invocable as a path callable.
type Caller interface {
	Call(args ...interface{}) (interface{}, error)
}

// getMember resolves a named member of container: capability interface,
// map entry, or struct field (exact exported name, then case-insensitive).
// Methods resolve after fields so callables reachable as members work.
func getMember(container interface{}, name string) (interface{}, bool) {
	if container == nil {
		return nil, false
	}
	if g, ok := container.(FieldGetter); ok {
		return g.GetField(name)
	}
	orig := reflect.ValueOf(container)
	rv := orig
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		kt := rv.Type().Key()
		var key reflect.Value
		switch kt.Kind() {
		case reflect.String:
			key = reflect.ValueOf(name)
		case reflect.Interface:
			key = reflect.ValueOf(name)
		default:
			return nil, false
		}
		val := rv.MapIndex(key)
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Struct:
		if v, ok := structMember(rv, name); ok {
			return v, true
		}
		// Fields first, then methods; pointer receivers live on the
		// original pointer value's method set.
		if m := orig.MethodByName(exportedName(name)); m.IsValid() {
			return m.Interface(), true
		}
		if m := rv.MethodByName(exportedName(name)); m.IsValid() {
			return m.Interface(), true
		}
		return nil, false
	default:
		if m := orig.MethodByName(exportedName(name)); m.IsValid() {
			return m.Interface(), true
		}
		return nil, false
	}
}

// structMember looks up an exported field by exact name, exported-cased
// name, then case-insensitively.
func structMember(rv reflect.Value, name string) (interface{}, bool) {
	t := rv.Type()
	if f, ok := t.FieldByName(name); ok && f.PkgPath == "" {
		return rv.FieldByIndex(f.Index).Interface(), true
	}
	if f, ok := t.FieldByName(exportedName(name)); ok && f.PkgPath == "" {
		return rv.FieldByIndex(f.Index).Interface(), true
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath == "" && strings.EqualFold(f.Name, name) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

// setMember assigns a named member: capability interface, map entry, or a
// settable struct field through a pointer. Returns an error describing the
// failure in host terms.
func setMember(container interface{}, name string, value interface{}) error {
	if container == nil {
		return fmt.Errorf("cannot set %q on nil container", name)
	}
	if s, ok := container.(FieldSetter); ok {
		return s.SetField(name, value)
	}
	rv := reflect.ValueOf(container)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return fmt.Errorf("cannot set %q through nil pointer", name)
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		kt := rv.Type().Key()
		if kt.Kind() != reflect.String && kt.Kind() != reflect.Interface {
			return fmt.Errorf("map key type %s does not accept name %q", kt, name)
		}
		vt := rv.Type().Elem()
		cv, err := convertTo(value, vt)
		if err != nil {
			return fmt.Errorf("cannot store %q: %w", name, err)
		}
		rv.SetMapIndex(reflect.ValueOf(name), cv)
		return nil
	case reflect.Struct:
		field, ok := settableField(rv, name)
		if !ok {
			return fmt.Errorf("no settable field %q on %s", name, rv.Type())
		}
		cv, err := convertTo(value, field.Type())
		if err != nil {
			return fmt.Errorf("cannot convert value for field %q: %w", name, err)
		}
		field.Set(cv)
		return nil
	default:
		return fmt.Errorf("cannot set %q on %s", name, rv.Kind())
	}
}

func settableField(rv reflect.Value, name string) (reflect.Value, bool) {
	t := rv.Type()
	for _, candidate := range []string{name, exportedName(name)} {
		if f, ok := t.FieldByName(candidate); ok && f.PkgPath == "" {
			fv := rv.FieldByIndex(f.Index)
			if fv.CanSet() {
				return fv, true
			}
		}
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath == "" && strings.EqualFold(f.Name, name) && rv.Field(i).CanSet() {
			return rv.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func exportedName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// convertTo coerces value into type t, widening or narrowing numbers as
// needed. JSON decoding hands us float64 for every number, so int fields
// accept whole floats.
func convertTo(value interface{}, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
			return reflect.Zero(t), nil
		default:
			return reflect.Value{}, fmt.Errorf("cannot store nil in %s", t)
		}
	}
	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) {
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if f, ok := numeric(rv); ok && f != float64(int64(f)) {
				return reflect.Value{}, fmt.Errorf("cannot store fractional %v in %s", value, t)
			}
			return rv.Convert(t), nil
		case reflect.String:
			if rv.Kind() == reflect.String {
				return rv.Convert(t), nil
			}
		default:
			return rv.Convert(t), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", value, t)
}

// coerceDeclared applies a variable's declared "type" metadata to an inbound
// value before assignment. Unknown declarations pass the value through.
func coerceDeclared(value interface{}, declared string) (interface{}, error) {
	switch declared {
	case "", "any", "json":
		return value, nil
	case "string":
		switch v := value.(type) {
		case string:
			return v, nil
		case nil:
			return "", nil
		default:
			return fmt.Sprint(v), nil
		}
	case "int", "integer":
		if f, ok := numeric(reflect.ValueOf(value)); ok {
			if f != float64(int64(f)) {
				return nil, fmt.Errorf("%v is not an integer", value)
			}
			return int(f), nil
		}
		if s, ok := value.(string); ok {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", s)
			}
			return n, nil
		}
		return nil, fmt.Errorf("%T is not an integer", value)
	case "float", "number":
		if f, ok := numeric(reflect.ValueOf(value)); ok {
			return f, nil
		}
		if s, ok := value.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", s)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%T is not a number", value)
	case "bool", "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("%T is not a boolean", value)
		}
	default:
		return value, nil
	}
}

// callFunc invokes fn with the first candidate argument list whose shape the
// function accepts, in the given preference order. A Caller is invoked with
// the last candidate list. Errors returned by the
// function and panics raised inside it surface as ProgramErrors at the
// caller.
func callFunc(fn interface{}, candidates [][]interface{}) (result interface{}, err error) {
	if c, ok := fn.(Caller); ok {
		if len(candidates) == 0 {
			return c.Call()
		}
		return c.Call(candidates[len(candidates)-1]...)
	}
	fv := reflect.ValueOf(fn)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%T is not callable", fn)
	}
	ft := fv.Type()

	for _, args := range candidates {
		in, ok := matchArgs(ft, args)
		if !ok {
			continue
		}
		return invoke(fv, in)
	}
	return nil, fmt.Errorf("no matching arity for %s among %d candidates", ft, len(candidates))
}

// matchArgs checks whether args fit ft and builds the reflect argument list.
func matchArgs(ft reflect.Type, args []interface{}) ([]reflect.Value, bool) {
	if ft.IsVariadic() {
		if len(args) < ft.NumIn()-1 {
			return nil, false
		}
	} else if ft.NumIn() != len(args) {
		return nil, false
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var pt reflect.Type
		if ft.IsVariadic() && i >= ft.NumIn()-1 {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			pt = ft.In(i)
		}
		if arg == nil {
			switch pt.Kind() {
			case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
				in[i] = reflect.Zero(pt)
				continue
			default:
				return nil, false
			}
		}
		av := reflect.ValueOf(arg)
		if !av.Type().AssignableTo(pt) {
			if av.Type().ConvertibleTo(pt) && isNumericKind(av.Kind()) && isNumericKind(pt.Kind()) {
				in[i] = av.Convert(pt)
				continue
			}
			return nil, false
		}
		in[i] = av
	}
	return in, true
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// invoke calls fv, recovering panics and splitting a trailing error result.
func invoke(fv reflect.Value, in []reflect.Value) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callable panicked: %v", r)
		}
	}()
	out := fv.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if isErrorValue(out[0]) {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if isErrorValue(last) {
			if e := asError(last); e != nil {
				return nil, e
			}
			return out[0].Interface(), nil
		}
		return out[0].Interface(), nil
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func isErrorValue(v reflect.Value) bool {
	return v.Type().Implements(errorType)
}

func asError(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return nil
		}
	}
	e, _ := v.Interface().(error)
	return e
}
