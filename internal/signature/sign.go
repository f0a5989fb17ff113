package signature

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// Sign produces the creator_signature for rec using priv, the server or
// user signing key the write path (C11's POST /records) selects per policy
// (spec §4.11 "Performs C2 → C3 (sign with server or user key as policy
// dictates)"). The message signed is the same canonicalization Verify
// checks against, so a freshly-signed record always verifies.
func Sign(rec oiptypes.Record, priv *secp256k1.PrivateKey) string {
	msg := Canonicalize(rec)
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(priv, digest[:])
	return base64.StdEncoding.EncodeToString(sig.Serialize())
}
