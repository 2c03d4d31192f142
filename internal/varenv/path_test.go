package varenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNamePlain(t *testing.T) {
	p, err := ParseName("name")
	require.NoError(t, err)
	assert.Equal(t, "name", p.Name)
	assert.Nil(t, p.Metadata)
	assert.False(t, p.Callable)
}

func TestParseNameMetadata(t *testing.T) {
	p, err := ParseName("number?path=number,type=string")
	require.NoError(t, err)
	assert.Equal(t, "number", p.Name)
	assert.Equal(t, "number", p.Metadata["path"])
	assert.Equal(t, "string", p.Metadata["type"])
}

func TestParseNameBareMetaKey(t *testing.T) {
	p, err := ParseName("fire?action")
	require.NoError(t, err)
	assert.Equal(t, "", p.Metadata["action"])
	_, ok := p.Metadata["action"]
	assert.True(t, ok)
}

func TestParseNameEscapedComma(t *testing.T) {
	p, err := ParseName(`label?text=a\,b,level=2`)
	require.NoError(t, err)
	assert.Equal(t, "a,b", p.Metadata["text"])
	assert.Equal(t, "2", p.Metadata["level"])
}

func TestParseNameCallable(t *testing.T) {
	p, err := ParseName("reset()")
	require.NoError(t, err)
	assert.True(t, p.Callable)
	assert.Equal(t, "reset", p.Name)
}

func TestParseNameNumeric(t *testing.T) {
	p, err := ParseName("3")
	require.NoError(t, err)
	assert.True(t, p.Numeric)
	assert.Equal(t, 3, p.Index)
}

func TestParseNameErrors(t *testing.T) {
	for _, bad := range []string{"", "?x=1", "a b", "1()"} {
		_, err := ParseName(bad)
		assert.Error(t, err, "input %q", bad)
		if err != nil {
			var pe *PathError
			assert.ErrorAs(t, err, &pe)
		}
	}
}

func TestParsePathFields(t *testing.T) {
	steps, err := ParsePath("a.b.c")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, StepField, steps[0].Kind)
	assert.Equal(t, "b", steps[1].Name)
}

func TestParsePathIndex(t *testing.T) {
	steps, err := ParsePath("items[2].name")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, StepIndex, steps[1].Kind)
	assert.Equal(t, 2, steps[1].Index)
	assert.Equal(t, "name", steps[2].Name)
}

func TestParsePathUpTraversal(t *testing.T) {
	steps, err := ParsePath("a...b")
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, StepField, steps[0].Kind)
	assert.Equal(t, StepUp, steps[1].Kind)
	assert.Equal(t, StepUp, steps[2].Kind)
	assert.Equal(t, "b", steps[3].Name)
}

func TestParsePathCallable(t *testing.T) {
	steps, err := ParsePath("account.balance()")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StepCall, steps[1].Kind)
	assert.Equal(t, "balance", steps[1].Name)
}

func TestParsePathRoot(t *testing.T) {
	steps, err := ParsePath("@person.name")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StepQualified, steps[0].Kind)
	assert.Equal(t, "", steps[0].Module)
	assert.Equal(t, "person", steps[0].Name)
	assert.Equal(t, StepField, steps[1].Kind)
}

func TestParsePathErrors(t *testing.T) {
	for _, bad := range []string{"a.", "x[", "x[zero]", "x[0]", "a..b["} {
		_, err := ParsePath(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestPathStringRoundTrip(t *testing.T) {
	for _, src := range []string{"a.b", "items[2].name", "@person.name", "reset()"} {
		steps, err := ParsePath(src)
		require.NoError(t, err)
		assert.Equal(t, src, PathString(steps))
	}
}
