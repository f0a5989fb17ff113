package gunsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/internal/oiptypes"
)

func TestParseRegistryIndexEmptyIsEmptySet(t *testing.T) {
	idx, err := parseRegistryIndex(nil)
	require.NoError(t, err)
	assert.Empty(t, idx.DIDs)
}

func TestParseRegistryIndexRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"dids":{"did:gun:abc:r1":true,"did:gun:abc:r2":true}}`)
	idx, err := parseRegistryIndex(raw)
	require.NoError(t, err)
	assert.True(t, idx.DIDs["did:gun:abc:r1"])
	assert.True(t, idx.DIDs["did:gun:abc:r2"])
	assert.Len(t, idx.DIDs, 2)
}

func TestParseDeletionIndex(t *testing.T) {
	idx, err := parseDeletionIndex(json.RawMessage(`{"dids":{"did:gun:abc:r1":true}}`))
	require.NoError(t, err)
	assert.True(t, idx.DIDs["did:gun:abc:r1"])

	empty, err := parseDeletionIndex(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty.DIDs)
}

func TestParsePayloadRejectsMalformed(t *testing.T) {
	_, err := parsePayload(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestDecodeCiphertextRoundTrip(t *testing.T) {
	p := gunPayload{
		Encrypted:  true,
		Ciphertext: "aGVsbG8=", // "hello"
		Nonce:      "d29ybGQ=", // "world"
	}
	ct, nonce, err := decodeCiphertext(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(ct))
	assert.Equal(t, "world", string(nonce))
}

func TestDecodeCiphertextRejectsBadBase64(t *testing.T) {
	_, _, err := decodeCiphertext(gunPayload{Ciphertext: "!!!not base64", Nonce: "d29ybGQ="})
	assert.Error(t, err)
}

func TestDidToSoulStripsGunPrefix(t *testing.T) {
	assert.Equal(t, "abcdef012345:r1", didToSoul("did:gun:abcdef012345:r1"))
	// a malformed or non-gun DID passes through unchanged.
	assert.Equal(t, "did:arweave:txid", didToSoul("did:arweave:txid"))
}

func TestDeletionEntryFromDocFillsInBackendAndTimestamp(t *testing.T) {
	observed := time.Now().UTC()
	doc := oiptypes.DeletionEntry{DeletedBy: "pubkey123"}
	entry := deletionEntryFromDoc("did:gun:abc:r1", doc, observed)

	assert.Equal(t, "did:gun:abc:r1", entry.DID)
	assert.Equal(t, oiptypes.BackendGun, entry.Backend)
	assert.Equal(t, observed, entry.DeletedAt)
	assert.Equal(t, "pubkey123", entry.DeletedBy)
}

func TestDeletionEntryFromDocPreservesExplicitTimestamp(t *testing.T) {
	explicit := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := oiptypes.DeletionEntry{DeletedBy: "pubkey123", DeletedAt: explicit}
	entry := deletionEntryFromDoc("did:gun:abc:r1", doc, time.Now())
	assert.Equal(t, explicit, entry.DeletedAt)
}
