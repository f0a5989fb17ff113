package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/internal/oiptypes"
)

func greetingTemplate() oiptypes.Template {
	return oiptypes.Template{
		TemplateID: "tpl-greeting",
		Name:       "greeting",
		Fields: []oiptypes.FieldDef{
			{Name: "title", Type: oiptypes.FieldString, Index: 0},
			{Name: "loud", Type: oiptypes.FieldBool, Index: 1},
			{Name: "mood", Type: oiptypes.FieldEnum, Index: 2, Values: []string{"happy", "neutral", "sad"}},
			{Name: "refs", Type: oiptypes.FieldRepeated, Elem: oiptypes.FieldDref, Index: 3},
		},
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	tmpl := greetingTemplate()
	semantic := map[string]interface{}{
		"title": "hi",
		"loud":  true,
		"mood":  "happy",
		"refs":  []interface{}{"did:arweave:abc:1", "did:arweave:abc:2"},
	}

	tuple, err := Compress(tmpl, semantic)
	require.NoError(t, err)
	assert.Equal(t, "tpl-greeting", tuple["t"])

	got, err := Decompress(tmpl, tuple)
	require.NoError(t, err)
	assert.Equal(t, "hi", got["title"])
	assert.Equal(t, true, got["loud"])
	assert.Equal(t, "happy", got["mood"])
	assert.Equal(t, []interface{}{"did:arweave:abc:1", "did:arweave:abc:2"}, got["refs"])
}

func TestCompressUnknownField(t *testing.T) {
	tmpl := greetingTemplate()
	_, err := Compress(tmpl, map[string]interface{}{"nope": "x"})
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestCompressUnknownEnumValue(t *testing.T) {
	tmpl := greetingTemplate()
	_, err := Compress(tmpl, map[string]interface{}{"mood": "furious"})
	assert.ErrorIs(t, err, ErrUnknownEnumValue)
}

func TestDecompressToleratesUnknownField(t *testing.T) {
	tmpl := greetingTemplate()
	tuple := CompressedTuple{"0": "hi", "99": "mystery", "t": tmpl.TemplateID}
	got, err := Decompress(tmpl, tuple)
	require.NoError(t, err)
	assert.Equal(t, "hi", got["title"])
	assert.Equal(t, "mystery", got["_unknownField_99"])
}

func TestDecompressBoolAcceptsZeroOne(t *testing.T) {
	tmpl := greetingTemplate()
	tuple := CompressedTuple{"1": 1, "t": tmpl.TemplateID}
	got, err := Decompress(tmpl, tuple)
	require.NoError(t, err)
	assert.Equal(t, true, got["loud"])
}

func TestDecompressRecordMultiTemplate(t *testing.T) {
	tmpl := greetingTemplate()
	lookup := func(id string) (oiptypes.Template, bool) {
		if id == tmpl.TemplateID {
			return tmpl, true
		}
		return oiptypes.Template{}, false
	}
	tuple := CompressedTuple{"0": "hi", "t": tmpl.TemplateID}
	data, err := DecompressRecord(lookup, []CompressedTuple{tuple})
	require.NoError(t, err)
	require.Contains(t, data, "greeting")
	assert.Equal(t, "hi", data["greeting"]["title"])
}

func TestDecompressRecordUnknownTemplate(t *testing.T) {
	lookup := func(string) (oiptypes.Template, bool) { return oiptypes.Template{}, false }
	_, err := DecompressRecord(lookup, []CompressedTuple{{"t": "missing"}})
	assert.Error(t, err)
}
