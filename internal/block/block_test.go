package block

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedMapPreservesOrder(t *testing.T) {
	m := NewOrderedMap[int]()
	m.Set("z", 1)
	m.Set("a", 2)
	m.Set("m", 3)
	assert.Equal(t, []string{"z", "a", "m"}, m.Keys())

	// Updating keeps position.
	m.Set("a", 20)
	assert.Equal(t, []string{"z", "a", "m"}, m.Keys())
	v, _ := m.Get("a")
	assert.Equal(t, 20, v)

	m.Delete("z")
	assert.Equal(t, []string{"a", "m"}, m.Keys())
}

func TestOrderedMapJSONRoundTrip(t *testing.T) {
	src := `{"z":1,"a":2,"m":3}`
	var m OrderedMap[int]
	require.NoError(t, json.Unmarshal([]byte(src), &m))
	assert.Equal(t, []string{"z", "a", "m"}, m.Keys())

	out, err := json.Marshal(&m)
	require.NoError(t, err)
	assert.Equal(t, src, string(out))
}

func TestBlockUnmarshalMonitor(t *testing.T) {
	src := `{
		"type": "monitor",
		"name": "m1",
		"color": "blue",
		"root": "@person",
		"update": 0.5,
		"value": {"name": "", "number?path=number": ""}
	}`
	var b Block
	require.NoError(t, json.Unmarshal([]byte(src), &b))
	assert.Equal(t, TypeMonitor, b.Type)
	assert.Equal(t, "@person", b.Root)
	assert.Equal(t, 0.5, b.Update)
	assert.Equal(t, []string{"name", "number?path=number"}, b.ValueOrder)
	require.NoError(t, b.Validate())

	// Non-reserved keys are preserved in order; reserved ones are not.
	assert.Equal(t, []string{"type", "name", "color"}, b.Extra.Keys())
}

func TestBlockStringOrArrayFields(t *testing.T) {
	var b Block
	require.NoError(t, json.Unmarshal([]byte(`{"type":"data","name":"d","topics":"t1","value":1}`), &b))
	assert.Equal(t, StringList{"t1"}, b.Topics)

	var b2 Block
	require.NoError(t, json.Unmarshal([]byte(`{"type":"data","name":"d","topics":["t1","t2"],"value":1}`), &b2))
	assert.Equal(t, StringList{"t1", "t2"}, b2.Topics)
}

func TestBlockValidate(t *testing.T) {
	cases := []struct {
		name string
		src  string
		ok   bool
	}{
		{"monitor missing root", `{"type":"monitor","name":"m","value":{}}`, false},
		{"monitor missing value", `{"type":"monitor","name":"m","root":"@r"}`, false},
		{"monitor ok", `{"type":"monitor","name":"m","root":"@r","value":{}}`, true},
		{"code non-string value", `{"type":"code","name":"c","value":3}`, false},
		{"unknown type", `{"type":"blob","name":"x"}`, false},
		{"missing type", `{"name":"x"}`, false},
		{"data ok", `{"type":"data","name":"d","value":[1,2]}`, true},
	}
	for _, tc := range cases {
		var b Block
		require.NoError(t, json.Unmarshal([]byte(tc.src), &b), tc.name)
		err := b.Validate()
		if tc.ok {
			assert.NoError(t, err, tc.name)
		} else {
			var pe *ProtocolError
			assert.ErrorAs(t, err, &pe, tc.name)
		}
	}
}

func TestDeleteSpec(t *testing.T) {
	var b Block
	require.NoError(t, json.Unmarshal([]byte(`{"type":"delete","name":"x","value":"m1"}`), &b))
	names, tags, err := b.DeleteSpec()
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, names)
	assert.Empty(t, tags)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"delete","name":"x","value":["a","b"]}`), &b))
	names, _, err = b.DeleteSpec()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"delete","name":"x","value":{"tagged":"ui"}}`), &b))
	_, tags, err = b.DeleteSpec()
	require.NoError(t, err)
	assert.Equal(t, []string{"ui"}, tags)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"delete","name":"x","value":{"tagged":["a","b"]}}`), &b))
	_, tags, err = b.DeleteSpec()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"delete","name":"x","value":7}`), &b))
	_, _, err = b.DeleteSpec()
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestTargeting(t *testing.T) {
	var b Block
	require.NoError(t, json.Unmarshal([]byte(`{"type":"data","name":"d","value":1}`), &b))
	assert.True(t, b.AppliesTo("anyone"))

	require.NoError(t, json.Unmarshal([]byte(`{"type":"data","name":"d","targets":["p1"],"value":1}`), &b))
	assert.True(t, b.AppliesTo("p1"))
	assert.False(t, b.AppliesTo("p2"))
}

func TestTopicDelivery(t *testing.T) {
	var b Block
	require.NoError(t, json.Unmarshal([]byte(`{"type":"data","name":"d","value":1}`), &b))
	assert.True(t, b.DeliverableTo("main", "main"))
	assert.False(t, b.DeliverableTo("side", "main"))

	require.NoError(t, json.Unmarshal([]byte(`{"type":"data","name":"d","topics":["side"],"value":1}`), &b))
	assert.True(t, b.DeliverableTo("side", "main"))
	assert.False(t, b.DeliverableTo("main", "main"))
}

func TestOutTopicsUnion(t *testing.T) {
	var b Block
	require.NoError(t, json.Unmarshal(
		[]byte(`{"type":"monitor","name":"m","root":"@r","topics":["a"],"updatetopics":["b","a"],"value":{}}`), &b))
	assert.Equal(t, []string{"a", "b"}, b.OutTopics("main"))

	var plain Block
	require.NoError(t, json.Unmarshal([]byte(`{"type":"monitor","name":"m","root":"@r","value":{}}`), &plain))
	assert.Equal(t, []string{"main"}, plain.OutTopics("main"))
}

func TestParseBlocksSkipsBadEntries(t *testing.T) {
	src := `{
		"good": {"type": "data", "name": "good", "value": 1},
		"bad": {"type": "monitor", "name": "bad", "value": {}},
		"also": {"type": "data", "name": "also", "value": 2}
	}`
	blocks, errs := ParseBlocks([]byte(src))
	assert.Len(t, errs, 1)
	assert.Equal(t, []string{"good", "also"}, blocks.Keys())
}

func TestSameAsDedup(t *testing.T) {
	src := `{"type":"data","name":"d","value":{"a":1}}`
	var a, b Block
	require.NoError(t, json.Unmarshal([]byte(src), &a))
	require.NoError(t, json.Unmarshal([]byte(src), &b))
	assert.True(t, a.SameAs(&b))

	var c Block
	require.NoError(t, json.Unmarshal([]byte(`{"type":"data","name":"d","value":{"a":2}}`), &c))
	assert.False(t, a.SameAs(&c))
}
