package varenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSameScalars(t *testing.T) {
	assert.True(t, Same(nil, nil))
	assert.True(t, Same("a", "a"))
	assert.False(t, Same("a", "b"))
	assert.True(t, Same(true, true))
	assert.False(t, Same(nil, "a"))
}

func TestSameCrossTypeNumbers(t *testing.T) {
	// Inbound JSON numbers are float64; hosts hold ints.
	assert.True(t, Same(1313, float64(1313)))
	assert.True(t, Same(int64(7), 7))
	assert.False(t, Same(1.5, 1))
	assert.False(t, Same(1, "1"))
}

func TestSameContainers(t *testing.T) {
	a := map[string]interface{}{"x": []interface{}{1, 2}, "y": "z"}
	b := map[string]interface{}{"x": []interface{}{float64(1), float64(2)}, "y": "z"}
	assert.True(t, Same(a, b))

	b["y"] = "w"
	assert.False(t, Same(a, b))
}

func TestSameStructs(t *testing.T) {
	type rec struct {
		A string
		B int
	}
	assert.True(t, Same(rec{"x", 1}, rec{"x", 1}))
	assert.False(t, Same(rec{"x", 1}, rec{"x", 2}))
}

func TestSameCells(t *testing.T) {
	assert.True(t, Same(NewCell(), NewCell()))
	assert.True(t, Same(CellOf("v"), CellOf("v")))
	assert.False(t, Same(CellOf("v"), NewCell()))
	assert.False(t, Same(CellOf("v"), CellOf("w")))
	assert.False(t, Same(CellOf("v"), "v"))
}

func TestSameLists(t *testing.T) {
	assert.True(t, Same(NewList(1, 2), NewList(1, 2)))
	assert.False(t, Same(NewList(1), NewList(1, 2)))
}

func TestSameCycles(t *testing.T) {
	a1 := &node{Name: "n"}
	a2 := &node{Name: "n"}
	a1.Next = a1
	a2.Next = a2
	assert.True(t, Same(a1, a2))

	b1 := &node{Name: "n"}
	b2 := &node{Name: "m"}
	b1.Next = b1
	b2.Next = b2
	assert.False(t, Same(b1, b2))
}

func TestSamePointerIdentityShortcut(t *testing.T) {
	p := &node{Name: "p"}
	assert.True(t, Same(p, p))
}
