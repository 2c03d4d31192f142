package varenv

import (
	"fmt"
	"reflect"
	"strconv"

	"varwire/internal/logging"
)

// Env is the variable environment: the registry of variables, the
// object-identity table, the ambient roots, and the change/error sets for
// the current refresh pass.
//
// An Env is not internally synchronized. All mutation flows through the
// connection's refresh worker (single-writer discipline); tests may use an
// Env directly from one goroutine.
type Env struct {
	Vars       map[int64]*Var
	ByName     map[string]*Var
	ByFullName map[string]*Var

	// Roots are ambient values referenced by @name path components.
	Roots map[string]interface{}

	// Modules are ambient bindings referenced by dotted declaration heads
	// (module.name); an @name path component always names a root.
	Modules map[string]map[string]interface{}

	// Changed collects the ids of variables whose value changed during the
	// current refresh pass.
	Changed map[int64]bool

	// Errors holds the last refresh error per variable id.
	Errors map[int64]error

	// VerboseRefs adds a repr field to reference records.
	VerboseRefs bool

	refs    *refTable
	nextVID int64
}

// NewEnv creates an environment around the given ambient roots.
func NewEnv(roots map[string]interface{}) *Env {
	if roots == nil {
		roots = make(map[string]interface{})
	}
	return &Env{
		Vars:       make(map[int64]*Var),
		ByName:     make(map[string]*Var),
		ByFullName: make(map[string]*Var),
		Roots:      roots,
		Modules:    make(map[string]map[string]interface{}),
		Changed:    make(map[int64]bool),
		Errors:     make(map[int64]error),
		refs:       newRefTable(),
	}
}

// Ensure parses a declaration string and returns the variable it names,
// creating and linking it when new. Ids are monotone and never reused.
func (e *Env) Ensure(fullName string, parentID int64) (*Var, error) {
	parsed, err := ParseName(fullName)
	if err != nil {
		return nil, err
	}

	if v, ok := e.ByFullName[fullName]; ok && v.ParentID == parentID {
		return v, nil
	}

	path, err := derivePath(parsed)
	if err != nil {
		return nil, err
	}

	e.nextVID++
	v := &Var{
		ID:       e.nextVID,
		Name:     parsed.Name,
		FullName: fullName,
		Metadata: parsed.Metadata,
		Path:     path,
		Active:   true,
	}
	v.applyFlags()
	if lvl, ok := v.Meta(MetaLevel); ok {
		if n, err := strconv.Atoi(lvl); err == nil {
			v.Level = n
		}
	}

	if parentID != 0 {
		parent, ok := e.Vars[parentID]
		if !ok {
			return nil, pathErrf(v, "parent id %d does not exist", parentID)
		}
		parent.link(v)
		v.Level = max(v.Level, parent.Level+1)
	}

	e.Vars[v.ID] = v
	e.ByName[v.Name] = v
	e.ByFullName[v.FullName] = v
	logging.EnvDebug("ensure %s -> id %d (parent %d)", fullName, v.ID, parentID)
	return v, nil
}

// Remove destroys a variable and its children, unlinking it from its parent
// and releasing the reference entries its value produced.
func (e *Env) Remove(v *Var) {
	if v == nil {
		return
	}
	for _, c := range v.Children {
		e.Remove(c)
	}
	if v.ParentID != 0 {
		if parent, ok := e.Vars[v.ParentID]; ok {
			parent.UnlinkChild(v.Name)
		}
	}
	e.refs.releaseObj(v.InternalValue)
	delete(e.Vars, v.ID)
	delete(e.Changed, v.ID)
	delete(e.Errors, v.ID)
	if e.ByName[v.Name] == v {
		delete(e.ByName, v.Name)
	}
	if e.ByFullName[v.FullName] == v {
		delete(e.ByFullName, v.FullName)
	}
	v.Active = false
	logging.EnvDebug("remove %s (id %d)", v.FullName, v.ID)
}

// Rebind repoints an existing variable at a new declaration, preserving its
// id, level, and current value. Used when a monitor re-sends with a changed
// root path.
func (e *Env) Rebind(v *Var, fullName string) error {
	parsed, err := ParseName(fullName)
	if err != nil {
		return err
	}
	path, err := derivePath(parsed)
	if err != nil {
		return err
	}
	if e.ByFullName[v.FullName] == v {
		delete(e.ByFullName, v.FullName)
	}
	if e.ByName[v.Name] == v {
		delete(e.ByName, v.Name)
	}
	v.Name = parsed.Name
	v.FullName = fullName
	v.Metadata = parsed.Metadata
	v.Path = path
	v.applyFlags()
	e.ByName[v.Name] = v
	e.ByFullName[v.FullName] = v
	return nil
}

// Parent returns a variable's parent, or nil for a root.
func (e *Env) Parent(v *Var) *Var {
	if v.ParentID == 0 {
		return nil
	}
	return e.Vars[v.ParentID]
}

// ancestry returns v's ancestors outermost first, excluding v.
func (e *Env) ancestry(v *Var) []*Var {
	var chain []*Var
	for p := e.Parent(v); p != nil; p = e.Parent(p) {
		chain = append([]*Var{p}, chain...)
	}
	return chain
}

// walkSteps evaluates path from v's anchor and returns the trail of visited
// values. trail[len-1] is the final value; earlier entries are the values it
// was reached through (seeded with ancestor values for up-traversal).
func (e *Env) walkSteps(v *Var, path []PathStep) ([]interface{}, error) {
	var trail []interface{}
	for _, a := range e.ancestry(v) {
		trail = append(trail, a.InternalValue)
	}
	// With a parent, the last ancestor value is the anchor. A rootless
	// variable anchors at its own value when it has no path; with a path,
	// only ambient components can anchor it.
	if v.ParentID == 0 {
		if len(path) == 0 {
			return append(trail, v.InternalValue), nil
		}
		trail = append(trail, nil)
	}

	for _, step := range path {
		cur := trail[len(trail)-1]
		switch step.Kind {
		case StepUp:
			if len(trail) < 2 {
				return nil, pathErrf(v, "up-traversal above root")
			}
			trail = trail[:len(trail)-1]
		case StepQualified:
			val, err := e.ambient(v, step)
			if err != nil {
				return nil, err
			}
			trail = append(trail, val)
		case StepField:
			if cur == nil {
				return nil, pathErrf(v, "field %q of null container", step.Name)
			}
			val, ok := getMember(cur, step.Name)
			if !ok {
				return nil, pathErrf(v, "no field %q in %T", step.Name, cur)
			}
			trail = append(trail, val)
		case StepIndex:
			val, err := indexValue(v, cur, step.Index)
			if err != nil {
				return nil, err
			}
			trail = append(trail, val)
		case StepCall:
			fn, ok := getMember(cur, step.Name)
			if !ok && cur == nil {
				return nil, pathErrf(v, "callable %q of null container", step.Name)
			}
			if !ok {
				return nil, pathErrf(v, "no callable %q in %T", step.Name, cur)
			}
			result, err := callFunc(fn, [][]interface{}{
				{e, cur},
				{cur},
				{},
			})
			if err != nil {
				return nil, &ProgramError{Var: v.FullName, Cause: err}
			}
			trail = append(trail, result)
		default:
			return nil, pathErrf(v, "unsupported path step %v", step.Kind)
		}
	}
	return trail, nil
}

// ambient resolves a qualified step: a named root, or a module binding.
func (e *Env) ambient(v *Var, step PathStep) (interface{}, error) {
	if step.Module == "" {
		val, ok := e.Roots[step.Name]
		if !ok {
			return nil, pathErrf(v, "no root @%s", step.Name)
		}
		return val, nil
	}
	mod, ok := e.Modules[step.Module]
	if !ok {
		return nil, pathErrf(v, "no module @%s", step.Module)
	}
	val, ok := mod[step.Name]
	if !ok {
		return nil, pathErrf(v, "no binding %s in module @%s", step.Name, step.Module)
	}
	return val, nil
}

// indexValue fetches a 1-based index from an array-like value.
func indexValue(v *Var, cur interface{}, index int) (interface{}, error) {
	if cur == nil {
		return nil, pathErrf(v, "index [%d] of null container", index)
	}
	if l, ok := cur.(*List); ok {
		val, ok := l.At(index - 1)
		if !ok {
			return nil, pathErrf(v, "index [%d] out of range (len %d)", index, l.Len())
		}
		return val, nil
	}
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if index < 1 || index > rv.Len() {
			return nil, pathErrf(v, "index [%d] out of range (len %d)", index, rv.Len())
		}
		return rv.Index(index - 1).Interface(), nil
	default:
		return nil, pathErrf(v, "cannot index %T", cur)
	}
}

// GetPath walks a path from v's anchor and returns the final value.
func (e *Env) GetPath(v *Var, path []PathStep) (interface{}, error) {
	trail, err := e.walkSteps(v, path)
	if err != nil {
		return nil, err
	}
	return trail[len(trail)-1], nil
}

// ComputeValue refreshes v's value from its path. Returns whether the
// internal value changed, by deep structural comparison.
func (e *Env) ComputeValue(v *Var) (bool, error) {
	if len(v.Path) == 0 {
		return false, nil
	}
	if !v.Readable {
		return false, &NotReadableError{Var: v.FullName}
	}
	val, err := e.GetPath(v, v.Path)
	if err != nil {
		return false, err
	}
	return e.useValue(v, val), nil
}

// useValue installs a freshly computed value, refreshing the JSON cache when
// the value differs structurally from the previous one.
func (e *Env) useValue(v *Var, val interface{}) bool {
	changed := !Same(v.InternalValue, val)
	if changed || v.JSONValue == nil {
		v.InternalValue = val
		v.Value = val
		v.JSONValue = e.Walk(val)
	}
	return changed
}

// Refresh recomputes the given variables, ancestors before descendants.
// Changed ids are recorded in e.Changed when track is set. Errors are
// recorded per-variable in e.Errors unless throwErr is set, in which case
// the first error aborts the pass.
func (e *Env) Refresh(vars []*Var, track, throwErr bool) error {
	done := make(map[int64]bool)
	for _, v := range vars {
		chain := append(e.ancestry(v), v)
		for _, cv := range chain {
			if done[cv.ID] || !cv.Active {
				continue
			}
			done[cv.ID] = true
			changed, err := e.ComputeValue(cv)
			if err != nil {
				re := &RefreshError{Var: cv.FullName, Cause: err}
				if throwErr {
					return re
				}
				e.Errors[cv.ID] = re
				cv.RefreshErr = re
				cv.ErrorCount++
				logging.EnvDebug("refresh error for %s: %v", cv.FullName, err)
				continue
			}
			// A successful refresh clears the error slot.
			if _, had := e.Errors[cv.ID]; had {
				delete(e.Errors, cv.ID)
				cv.RefreshErr = nil
			}
			if changed && track {
				e.Changed[cv.ID] = true
			}
		}
	}
	return nil
}

// ClearChanged resets the changed set between refresh cycles.
func (e *Env) ClearChanged() {
	for id := range e.Changed {
		delete(e.Changed, id)
	}
}

// SetValue writes a value through a variable's path into the host. When
// creating is set (initial monitor install), variables with create metadata,
// actions, and path-bearing variables are left untouched so installs do not
// mutate host state.
func (e *Env) SetValue(v *Var, value interface{}, creating bool) error {
	if creating && (v.HasMeta(MetaCreate) || v.Action || len(v.Path) > 0) {
		return nil
	}
	if !v.Writeable {
		return &NotWriteableError{Var: v.FullName}
	}
	if len(v.Path) == 0 {
		e.useValue(v, value)
		return nil
	}

	trail, err := e.walkSteps(v, v.Path[:len(v.Path)-1])
	if err != nil {
		return err
	}
	container := trail[len(trail)-1]
	var containerParent interface{}
	if len(trail) > 1 {
		containerParent = trail[len(trail)-2]
	}

	last := v.Path[len(v.Path)-1]
	switch last.Kind {
	case StepField:
		coerced := value
		if declared, ok := v.Meta(MetaType); ok {
			coerced, err = coerceDeclared(value, declared)
			if err != nil {
				return pathErrf(v, "cannot convert value for %q: %v", last.Name, err)
			}
		}
		if err := setMember(container, last.Name, coerced); err != nil {
			return pathErrf(v, "%v", err)
		}
		return nil

	case StepIndex:
		return setIndex(v, container, last.Index, value)

	case StepCall:
		fn, ok := getMember(container, last.Name)
		if !ok {
			return pathErrf(v, "no callable %q in %T", last.Name, container)
		}
		hasUp := false
		for _, s := range v.Path {
			if s.Kind == StepUp {
				hasUp = true
				break
			}
		}
		var candidates [][]interface{}
		if v.Action {
			// Actions ignore the inbound value; richest applicable arity
			// first, parent forms only for paths that traverse upward.
			if hasUp {
				candidates = [][]interface{}{
					{e, container, containerParent},
					{e, container},
					{container, containerParent},
					{container},
				}
			} else {
				candidates = [][]interface{}{
					{e, container},
					{container},
				}
			}
		} else {
			candidates = [][]interface{}{
				{e, container, value},
				{container, value},
			}
		}
		if _, err := callFunc(fn, candidates); err != nil {
			return &ProgramError{Var: v.FullName, Cause: err}
		}
		return nil

	case StepQualified:
		if last.Module == "" {
			e.Roots[last.Name] = value
			return nil
		}
		mod, ok := e.Modules[last.Module]
		if !ok {
			return pathErrf(v, "no module @%s", last.Module)
		}
		mod[last.Name] = value
		return nil

	default:
		return pathErrf(v, "cannot assign through %v step", last.Kind)
	}
}

// setIndex assigns a 1-based index. On a *List an index equal to length+1
// appends; on a bare slice it fails, as does any index beyond length+1.
func setIndex(v *Var, container interface{}, index int, value interface{}) error {
	if container == nil {
		return pathErrf(v, "index [%d] of null container", index)
	}
	if l, ok := container.(*List); ok {
		if !l.SetAt(index-1, value) {
			return pathErrf(v, "index [%d] out of range (len %d)", index, l.Len())
		}
		return nil
	}
	rv := reflect.ValueOf(container)
	switch rv.Kind() {
	case reflect.Slice:
		if index >= 1 && index <= rv.Len() {
			cv, err := convertTo(value, rv.Type().Elem())
			if err != nil {
				return pathErrf(v, "cannot store at [%d]: %v", index, err)
			}
			rv.Index(index - 1).Set(cv)
			return nil
		}
		if index == rv.Len()+1 {
			// A bare slice header cannot grow in place; hosts that want
			// remote appends expose a *List.
			return pathErrf(v, "cannot append to a fixed slice (len %d); use a List", rv.Len())
		}
		return pathErrf(v, "index [%d] out of range (len %d)", index, rv.Len())
	default:
		return pathErrf(v, "cannot index %T", container)
	}
}

// RefFor registers obj and returns its reference record, as Walk would.
func (e *Env) RefFor(obj interface{}) interface{} {
	return e.refRecord(obj)
}

// DerefOID resolves a single OID; nil when unknown or stale.
func (e *Env) DerefOID(oid int64) interface{} {
	obj, ok := e.refs.lookup(oid)
	if !ok {
		return nil
	}
	return obj
}

// ReleaseOID drops a reference table entry.
func (e *Env) ReleaseOID(oid int64) { e.refs.release(oid) }

// RefCount reports the number of live reference entries.
func (e *Env) RefCount() int { return e.refs.size() }

// Stats summarizes the environment for diagnostics.
func (e *Env) Stats() string {
	return fmt.Sprintf("vars=%d changed=%d errors=%d refs=%d",
		len(e.Vars), len(e.Changed), len(e.Errors), e.refs.size())
}
