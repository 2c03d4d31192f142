package varenv

import (
	"fmt"
	"reflect"
	"sort"
)

// Missing is the sentinel for an absent value; it walks to JSON null.
var Missing = missingValue{}

type missingValue struct{}

func (missingValue) String() string { return "<missing>" }

const maxReprLen = 60

// Walk converts a host value to JSON-safe form. Identity-carrying values
// (pointers, cells, lists, channels, funcs) are substituted with a reference
// record {ref: OID}; containers and records expand recursively. Cycles
// cannot occur in the output because every identity node becomes a ref.
func (e *Env) Walk(value interface{}) interface{} {
	return e.walk(value, 0)
}

func (e *Env) walk(value interface{}, level int) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case missingValue:
		return nil
	case string:
		return v
	case bool:
		return v
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case *Cell:
		return e.refRecord(v)
	case *List:
		return e.refRecord(v)
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if rv.IsNil() {
			return nil
		}
		return e.refRecord(value)
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = e.walk(rv.Index(i).Interface(), level+1)
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if stringKeyed(rv) {
			out := make(map[string]interface{}, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[keyString(iter.Key())] = e.walk(iter.Value().Interface(), level+1)
			}
			return out
		}
		// Non-symbol keys become ordered [key, value] pairs.
		type pair struct {
			k string
			v []interface{}
		}
		pairs := make([]pair, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			wk := e.walk(iter.Key().Interface(), level+1)
			wv := e.walk(iter.Value().Interface(), level+1)
			pairs = append(pairs, pair{k: fmt.Sprint(wk), v: []interface{}{wk, wv}})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
		out := make([]interface{}, len(pairs))
		for i, p := range pairs {
			out[i] = p.v
		}
		return out
	case reflect.Struct:
		t := rv.Type()
		out := make(map[string]interface{}, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			out[f.Name] = e.walk(rv.Field(i).Interface(), level+1)
		}
		return out
	default:
		return fmt.Sprint(value)
	}
}

func stringKeyed(rv reflect.Value) bool {
	kt := rv.Type().Key()
	if kt.Kind() == reflect.String {
		return true
	}
	if kt.Kind() != reflect.Interface {
		return false
	}
	iter := rv.MapRange()
	for iter.Next() {
		if iter.Key().Elem().Kind() != reflect.String {
			return false
		}
	}
	return true
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.Interface {
		k = k.Elem()
	}
	return k.String()
}

// refRecord allocates (or reuses) an OID for obj and returns its JSON form.
func (e *Env) refRecord(obj interface{}) interface{} {
	oid, ok := e.refs.oidFor(obj)
	if !ok {
		return nil
	}
	rec := map[string]interface{}{"ref": oid}
	if e.VerboseRefs {
		rec["repr"] = repr(obj)
	}
	return rec
}

func repr(obj interface{}) string {
	s := fmt.Sprintf("%T %v", obj, obj)
	if len(s) > maxReprLen {
		s = s[:maxReprLen] + "..."
	}
	return s
}

// Deref reverses reference substitution in an inbound JSON payload:
// every {ref: OID} node is replaced with the live host object, recursively
// through arrays and objects. Unknown or stale OIDs resolve to nil.
func (e *Env) Deref(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		if oid, ok := refOID(v); ok {
			obj, live := e.refs.lookup(oid)
			if !live {
				return nil
			}
			return obj
		}
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = e.Deref(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = e.Deref(elem)
		}
		return out
	default:
		return value
	}
}

// HasRefs reports whether a JSON payload contains any reference records.
func HasRefs(value interface{}) bool {
	switch v := value.(type) {
	case map[string]interface{}:
		if _, ok := refOID(v); ok {
			return true
		}
		for _, elem := range v {
			if HasRefs(elem) {
				return true
			}
		}
	case []interface{}:
		for _, elem := range v {
			if HasRefs(elem) {
				return true
			}
		}
	}
	return false
}

// refOID recognizes a reference record: an object holding an integer "ref"
// and at most an additional "repr".
func refOID(m map[string]interface{}) (int64, bool) {
	raw, ok := m["ref"]
	if !ok || len(m) > 2 {
		return 0, false
	}
	if len(m) == 2 {
		if _, ok := m["repr"]; !ok {
			return 0, false
		}
	}
	if f, ok := numeric(reflect.ValueOf(raw)); ok {
		return int64(f), true
	}
	return 0, false
}
