package signature

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/internal/oiptypes"
)

func sha256Digest(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// testMasterKey builds a deterministic HD master key for tests, so legacy
// signature verification can be exercised against a real, parseable xpub
// string instead of a bare public key.
func testMasterKey(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := sha256.Sum256([]byte("oipd-signature-test-seed"))
	master, err := hdkeychain.NewMaster(seed[:], &chaincfg.MainNetParams)
	require.NoError(t, err)
	return master
}

func fakeXpubFromPubkey(t *testing.T, _ *secp256k1.PublicKey) string {
	t.Helper()
	master := testMasterKey(t)
	neutered, err := master.Neuter()
	require.NoError(t, err)
	return neutered.String()
}

func TestDespaceBase64(t *testing.T) {
	assert.Equal(t, "abcd1234", DespaceBase64("ab cd\n12 34"))
}

func TestCanonicalizeExcludesSignature(t *testing.T) {
	rec := oiptypes.Record{
		DID:  "did:arweave:tx1",
		Data: map[string]map[string]interface{}{"greeting": {"title": "hi"}},
		OIP: oiptypes.OIPEnvelope{
			CreatorDID:       "did:arweave:creator",
			CreatorSignature: "should-not-appear",
			Backend:          oiptypes.BackendArweave,
		},
	}
	out := string(Canonicalize(rec))
	assert.Contains(t, out, "greeting.title=hi")
	assert.NotContains(t, out, "should-not-appear")
}

func signRecord(t *testing.T, priv *secp256k1.PrivateKey, rec oiptypes.Record) string {
	t.Helper()
	digest := sha256Digest(Canonicalize(rec))
	sig := ecdsa.Sign(priv, digest[:])
	return base64.StdEncoding.EncodeToString(sig.Serialize())
}

func legacyPrivKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	master := testMasterKey(t)
	ecPriv, err := master.ECPrivKey()
	require.NoError(t, err)
	return secp256k1.PrivKeyFromBytes(ecPriv.Serialize())
}

func TestVerifyLegacyRoundTrip(t *testing.T) {
	priv := legacyPrivKey(t)

	rec := oiptypes.Record{
		DID:  "did:arweave:tx1",
		Data: map[string]map[string]interface{}{"greeting": {"title": "hi"}},
		OIP: oiptypes.OIPEnvelope{
			CreatorDID: "did:arweave:creator",
			Backend:    oiptypes.BackendArweave,
		},
	}
	rec.OIP.CreatorSignature = signRecord(t, priv, rec)

	creator := oiptypes.CreatorDocument{
		CreatorDID: "did:arweave:creator",
		LegacyXpub: fakeXpubFromPubkey(t, priv.PubKey()),
	}

	result := Verify(rec, creator)
	assert.True(t, result.IsValid)
	assert.Equal(t, ModeLegacy, result.Mode)
}

func TestVerifyLegacyRejectsTamperedPayload(t *testing.T) {
	priv := legacyPrivKey(t)

	rec := oiptypes.Record{
		DID:  "did:arweave:tx1",
		Data: map[string]map[string]interface{}{"greeting": {"title": "hi"}},
		OIP: oiptypes.OIPEnvelope{
			CreatorDID: "did:arweave:creator",
			Backend:    oiptypes.BackendArweave,
		},
	}
	rec.OIP.CreatorSignature = signRecord(t, priv, rec)
	rec.Data["greeting"]["title"] = "tampered"

	creator := oiptypes.CreatorDocument{
		CreatorDID: "did:arweave:creator",
		LegacyXpub: fakeXpubFromPubkey(t, priv.PubKey()),
	}
	result := Verify(rec, creator)
	assert.False(t, result.IsValid)
}
