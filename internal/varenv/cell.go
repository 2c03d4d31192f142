package varenv

// Cell is a single-slot reference cell. Hosts use it to hand the environment
// an assignable location with object identity; the walker encodes a *Cell as
// a reference record rather than expanding it.
type Cell struct {
	set   bool
	value interface{}
}

// NewCell returns an unassigned cell.
func NewCell() *Cell { return &Cell{} }

// CellOf returns a cell assigned to v.
func CellOf(v interface{}) *Cell { return &Cell{set: true, value: v} }

// Get returns the contained value and whether the cell is assigned.
func (c *Cell) Get() (interface{}, bool) { return c.value, c.set }

// Set assigns the cell.
func (c *Cell) Set(v interface{}) {
	c.value = v
	c.set = true
}

// Clear unassigns the cell.
func (c *Cell) Clear() {
	c.value = nil
	c.set = false
}

// IsSet reports whether the cell is assigned.
func (c *Cell) IsSet() bool { return c.set }

// List is an identity-carrying growable list. Slices in Go are values whose
// headers do not survive reassignment through an interface, so hosts that
// want a remotely observable, appendable collection wrap it in a *List.
type List struct {
	Items []interface{}
}

// NewList returns a list holding the given items.
func NewList(items ...interface{}) *List {
	return &List{Items: items}
}

// Len returns the number of items.
func (l *List) Len() int { return len(l.Items) }

// At returns the item at index i (0-based) and whether it exists.
func (l *List) At(i int) (interface{}, bool) {
	if i < 0 || i >= len(l.Items) {
		return nil, false
	}
	return l.Items[i], true
}

// SetAt assigns index i, growing by exactly one when i == Len().
func (l *List) SetAt(i int, v interface{}) bool {
	switch {
	case i >= 0 && i < len(l.Items):
		l.Items[i] = v
		return true
	case i == len(l.Items):
		l.Items = append(l.Items, v)
		return true
	default:
		return false
	}
}

// Append adds an item at the end.
func (l *List) Append(v interface{}) { l.Items = append(l.Items, v) }
