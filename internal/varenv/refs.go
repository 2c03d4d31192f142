package varenv

import (
	"reflect"
)

// refTable maps OIDs to live host objects and back. Identity is the host
// pointer word, so only pointer-shaped values (pointers, channels, funcs,
// maps, slices used as identities) can be registered.
//
// Entries hold the object strongly; they are released when the variables
// that produced them are removed (delete block) or via Release. Go's weak
// package is generic over the pointee type and cannot erase an arbitrary
// dynamic value, so reclamation is tied to variable lifecycle rather than
// to the collector.
type refTable struct {
	byOID   map[int64]interface{}
	byObj   map[uintptr]int64
	nextOID int64
}

func newRefTable() *refTable {
	return &refTable{
		byOID: make(map[int64]interface{}),
		byObj: make(map[uintptr]int64),
	}
}

// identity returns the pointer word identifying obj, or 0 when obj has no
// usable identity.
func identity(obj interface{}) uintptr {
	if obj == nil {
		return 0
	}
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Chan, reflect.Map, reflect.UnsafePointer, reflect.Func:
		return rv.Pointer()
	case reflect.Slice:
		if rv.Cap() == 0 {
			return 0
		}
		return rv.Pointer()
	default:
		return 0
	}
}

// oidFor returns the OID for obj, allocating one on first sight.
func (t *refTable) oidFor(obj interface{}) (int64, bool) {
	id := identity(obj)
	if id == 0 {
		return 0, false
	}
	if oid, ok := t.byObj[id]; ok {
		return oid, true
	}
	t.nextOID++
	oid := t.nextOID
	t.byOID[oid] = obj
	t.byObj[id] = oid
	return oid, true
}

// lookup resolves an OID to its live object.
func (t *refTable) lookup(oid int64) (interface{}, bool) {
	obj, ok := t.byOID[oid]
	return obj, ok
}

// release drops a single OID entry.
func (t *refTable) release(oid int64) {
	obj, ok := t.byOID[oid]
	if !ok {
		return
	}
	delete(t.byOID, oid)
	if id := identity(obj); id != 0 {
		delete(t.byObj, id)
	}
}

// releaseObj drops the entry for a host object, if registered.
func (t *refTable) releaseObj(obj interface{}) {
	id := identity(obj)
	if id == 0 {
		return
	}
	if oid, ok := t.byObj[id]; ok {
		delete(t.byObj, id)
		delete(t.byOID, oid)
	}
}

// size reports the number of live entries.
func (t *refTable) size() int { return len(t.byOID) }
