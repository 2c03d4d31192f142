package varenv

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkScalars(t *testing.T) {
	env := NewEnv(nil)
	assert.Equal(t, "hi", env.Walk("hi"))
	assert.Equal(t, 3, env.Walk(3))
	assert.Equal(t, true, env.Walk(true))
	assert.Nil(t, env.Walk(nil))
	assert.Nil(t, env.Walk(Missing))
}

func TestWalkContainers(t *testing.T) {
	env := NewEnv(nil)
	got := env.Walk(map[string]interface{}{
		"a": []interface{}{1, "two"},
		"b": map[string]interface{}{"c": false},
	})
	want := map[string]interface{}{
		"a": []interface{}{1, "two"},
		"b": map[string]interface{}{"c": false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("walk mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkStructRecord(t *testing.T) {
	type point struct {
		X int
		Y int
	}
	env := NewEnv(nil)
	got := env.Walk(point{X: 1, Y: 2})
	assert.Equal(t, map[string]interface{}{"X": 1, "Y": 2}, got)
}

func TestWalkNonStringKeysBecomePairs(t *testing.T) {
	env := NewEnv(nil)
	got := env.Walk(map[int]string{2: "b", 1: "a"})
	assert.Equal(t, []interface{}{
		[]interface{}{1, "a"},
		[]interface{}{2, "b"},
	}, got)
}

func TestWalkMutableBecomesRef(t *testing.T) {
	env := NewEnv(nil)
	list := NewList(1, 2)
	got := env.Walk(list)
	rec, ok := got.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, rec, "ref")
	assert.Len(t, rec, 1)

	// Walking the same object reuses the OID.
	again := env.Walk(list).(map[string]interface{})
	assert.Equal(t, rec["ref"], again["ref"])
}

func TestWalkVerboseRefs(t *testing.T) {
	env := NewEnv(nil)
	env.VerboseRefs = true
	got := env.Walk(NewCell()).(map[string]interface{})
	assert.Contains(t, got, "ref")
	assert.Contains(t, got, "repr")
}

func TestWalkBreaksCycles(t *testing.T) {
	env := NewEnv(nil)
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	got := env.Walk([]interface{}{a, b})
	arr, ok := got.([]interface{})
	require.True(t, ok)
	require.Len(t, arr, 2)
	for _, elem := range arr {
		_, isRef := elem.(map[string]interface{})["ref"]
		assert.True(t, isRef)
	}
}

type node struct {
	Name string
	Next *node
}

func TestDerefRoundTrip(t *testing.T) {
	env := NewEnv(nil)
	list := NewList("x")
	walked := env.Walk(list)

	back := env.Deref(walked)
	assert.Same(t, list, back.(*List))

	// Nested inside a payload.
	payload := map[string]interface{}{"items": walked, "label": "keep"}
	restored := env.Deref(payload).(map[string]interface{})
	assert.Same(t, list, restored["items"].(*List))
	assert.Equal(t, "keep", restored["label"])
}

func TestDerefStaleOID(t *testing.T) {
	env := NewEnv(nil)
	got := env.Deref(map[string]interface{}{"ref": float64(999)})
	assert.Nil(t, got)
}

func TestWalkDerefWalkStable(t *testing.T) {
	env := NewEnv(nil)
	cell := CellOf("payload")
	x := map[string]interface{}{"c": env.Walk(cell), "n": float64(5)}

	// walk(deref(x)) == walk(x) while the OIDs are live.
	rewalked := env.Walk(env.Deref(x))
	if diff := cmp.Diff(env.Walk(x), rewalked); diff != "" {
		t.Errorf("walk/deref not stable (-want +got):\n%s", diff)
	}
}

func TestHasRefs(t *testing.T) {
	env := NewEnv(nil)
	assert.False(t, HasRefs(map[string]interface{}{"a": 1}))
	assert.True(t, HasRefs([]interface{}{env.Walk(NewCell())}))
}
