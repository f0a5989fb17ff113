package arweave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopeTemplate(t *testing.T) {
	tx := Tx{ID: "txT1", BlockHeight: 100, Tags: map[string]string{"type": typeTemplate}}
	payload := []byte(`{"name":"greeting","fields":[{"name":"title","type":"string","index":0}]}`)

	env, err := parseEnvelope(tx, payload)
	require.NoError(t, err)
	assert.Equal(t, typeTemplate, env.kind)
	assert.Equal(t, "greeting", env.template.Name)
	assert.Equal(t, "txT1", env.template.TemplateID)
	require.Len(t, env.template.Fields, 1)
	assert.Equal(t, "title", env.template.Fields[0].Name)
}

func TestParseEnvelopeRecordDespacesSignature(t *testing.T) {
	tx := Tx{ID: "txR1", BlockHeight: 101, Tags: map[string]string{"type": typeRecord}}
	payload := []byte(`{"t":[{"t":"txT1","0":"hi"}],"creator_did":"did:arweave:creator1","creator_sig":"ab cd\nef=="}`)

	env, err := parseEnvelope(tx, payload)
	require.NoError(t, err)
	assert.Equal(t, typeRecord, env.kind)
	assert.Equal(t, "did:arweave:creator1", env.record.CreatorDID)
	assert.Equal(t, "abcdef==", env.record.CreatorSignature)
}

func TestParseEnvelopeDeleteMessage(t *testing.T) {
	tx := Tx{ID: "txD1", BlockHeight: 102, Tags: map[string]string{"type": typeDeleteMessage}}
	payload := []byte(`{"delete":{"did":"did:arweave:txR1"},"deleted_by_public_key":"pub123"}`)

	env, err := parseEnvelope(tx, payload)
	require.NoError(t, err)
	assert.Equal(t, "did:arweave:txR1", env.deletion.DID)
	assert.Equal(t, "pub123", env.deletion.DeletedBy)
}

func TestParseEnvelopeUnrecognizedType(t *testing.T) {
	tx := Tx{ID: "txX", Tags: map[string]string{"type": "Bogus"}}
	_, err := parseEnvelope(tx, []byte(`{}`))
	assert.Error(t, err)
}

func TestParseEnvelopeMalformedPayload(t *testing.T) {
	tx := Tx{ID: "txT2", Tags: map[string]string{"type": typeTemplate}}
	_, err := parseEnvelope(tx, []byte(`not json`))
	assert.Error(t, err)
}

func TestRecordDIDMintsArweaveDID(t *testing.T) {
	assert.Equal(t, "did:arweave:txABC", recordDID("txABC"))
}

func TestParseHeightTag(t *testing.T) {
	h, err := parseHeightTag("12345")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), h)

	_, err = parseHeightTag("not-a-number")
	assert.Error(t, err)
}

func TestBlockHeightPtr(t *testing.T) {
	p := blockHeightPtr(42)
	require.NotNil(t, p)
	assert.Equal(t, int64(42), *p)
}
