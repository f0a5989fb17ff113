// Package signature implements the Signature Engine (C3): verifying record
// authorship via either the legacy single-xpub path or the v0.9 DID-document
// derived-leaf-key path. It is grounded on eve.evalgo.org/security's JWT and
// encryption helpers (a single-purpose crypto package with one exported
// service type per concern) but reaches for the secp256k1 curve the rest of
// the ecosystem (and the Arweave/OIP world this protocol actually targets)
// uses, rather than the HMAC/RSA keys security/jwt.go signs with.
package signature

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// Mode identifies which verification path produced a Result.
type Mode string

const (
	ModeLegacy Mode = "legacy"
	ModeV09    Mode = "v0.9"
)

var (
	ErrNoValidKey               = errors.New("signature: no valid verification key for creator")
	ErrOutOfValidity            = errors.New("signature: verification method not valid at this height")
	ErrSignatureMismatch        = errors.New("signature: signature does not verify")
	ErrCanonicalizationMismatch = errors.New("signature: signature does not cover the canonical payload")
)

// Result is the outcome of verifying one record (spec §4.3 "Outputs").
type Result struct {
	IsValid bool
	Mode    Mode
	VMID    string
	Reason  error
}

// Verify checks rec.OIP.CreatorSignature against creator's registered keys,
// selecting the legacy or v0.9 path based on the shape of creator.
func Verify(rec oiptypes.Record, creator oiptypes.CreatorDocument) Result {
	height := rec.HeightOrOrdinal()
	sig, err := decodeSignature(rec.OIP.CreatorSignature)
	if err != nil {
		return Result{Reason: fmt.Errorf("%w: %v", ErrSignatureMismatch, err)}
	}
	msg := Canonicalize(rec)
	digest := sha256.Sum256(msg)

	if creator.IsLegacy() {
		pub, err := parseXpubKey(creator.LegacyXpub)
		if err != nil {
			return Result{Mode: ModeLegacy, Reason: fmt.Errorf("%w: %v", ErrNoValidKey, err)}
		}
		if !sig.Verify(digest[:], pub) {
			return Result{Mode: ModeLegacy, Reason: ErrSignatureMismatch}
		}
		return Result{IsValid: true, Mode: ModeLegacy}
	}

	candidates := creator.VerificationMethods
	if rec.OIP.VerificationMethodID != "" {
		candidates = filterByID(candidates, rec.OIP.VerificationMethodID)
		if len(candidates) == 0 {
			return Result{Mode: ModeV09, Reason: fmt.Errorf("%w: declared vm_id %q not found", ErrNoValidKey, rec.OIP.VerificationMethodID)}
		}
	}

	var lastErr error = ErrNoValidKey
	for _, vm := range candidates {
		if !vm.ActiveAt(height) {
			lastErr = ErrOutOfValidity
			continue
		}
		leaf, err := deriveLeafKey(vm, digest[:])
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrNoValidKey, err)
			continue
		}
		if sig.Verify(digest[:], leaf) {
			return Result{IsValid: true, Mode: ModeV09, VMID: vm.VMID}
		}
		lastErr = ErrSignatureMismatch
	}
	return Result{Mode: ModeV09, Reason: lastErr}
}

// decodeSignature de-spaces and base64-decodes the wire signature, then
// parses it as a DER-encoded secp256k1 signature.
func decodeSignature(raw string) (*ecdsa.Signature, error) {
	despaced := DespaceBase64(raw)
	b, err := base64.StdEncoding.DecodeString(despaced)
	if err != nil {
		if b, err = base64.RawStdEncoding.DecodeString(despaced); err != nil {
			return nil, fmt.Errorf("base64 decode: %w", err)
		}
	}
	sig, err := ecdsa.ParseDERSignature(b)
	if err != nil {
		return nil, fmt.Errorf("parse DER signature: %w", err)
	}
	return sig, nil
}

// DespaceBase64 removes whitespace inserted by some Arweave gateways when
// re-serializing base64 signatures through GraphQL (spec §6).
func DespaceBase64(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		default:
			return r
		}
	}, s)
}

func filterByID(vms []oiptypes.VerificationMethod, id string) []oiptypes.VerificationMethod {
	out := make([]oiptypes.VerificationMethod, 0, 1)
	for _, vm := range vms {
		if vm.VMID == id {
			out = append(out, vm)
		}
	}
	return out
}

// parseXpubKey parses a base58-encoded extended public key and returns its
// secp256k1 public key, with no further derivation (legacy path signs
// directly against the registered xpub).
func parseXpubKey(xpub string) (*secp256k1.PublicKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parse xpub: %w", err)
	}
	ecPub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("extract pubkey: %w", err)
	}
	return secp256k1.ParsePubKey(ecPub.SerializeCompressed())
}

// deriveLeafKey walks derivation_prefix from vm's xpub, then derives one
// final non-hardened child using the index selected by leaf_policy
// (spec §4.3 "derive the leaf key using derivation_prefix plus leaf_policy").
func deriveLeafKey(vm oiptypes.VerificationMethod, payloadDigest []byte) (*secp256k1.PublicKey, error) {
	key, err := hdkeychain.NewKeyFromString(vm.Xpub)
	if err != nil {
		return nil, fmt.Errorf("parse vm xpub: %w", err)
	}

	path, err := parseDerivationPath(vm.DerivationPrefix)
	if err != nil {
		return nil, err
	}
	for _, idx := range path {
		key, err = key.Child(idx)
		if err != nil {
			return nil, fmt.Errorf("derive prefix child %d: %w", idx, err)
		}
	}

	leafIndex, err := leafChildIndex(vm.LeafPolicy, payloadDigest)
	if err != nil {
		return nil, err
	}
	leaf, err := key.Child(leafIndex)
	if err != nil {
		return nil, fmt.Errorf("derive leaf child %d: %w", leafIndex, err)
	}
	ecPub, err := leaf.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("extract leaf pubkey: %w", err)
	}
	return secp256k1.ParsePubKey(ecPub.SerializeCompressed())
}

// leafChildIndex implements the two leaf policies from spec §3.1: the
// SHA-256 digest of the canonical payload truncated to 31 bits (so it stays
// within the non-hardened child index range, since xpub-only derivation
// cannot cross the hardened boundary), or a fixed index of 0.
func leafChildIndex(policy oiptypes.LeafPolicy, payloadDigest []byte) (uint32, error) {
	switch policy {
	case oiptypes.LeafPolicyFixed:
		return 0, nil
	case oiptypes.LeafPolicyPayloadDigest, "":
		idx := binary.BigEndian.Uint32(payloadDigest[:4])
		return idx &^ hdkeychain.HardenedKeyStart, nil
	default:
		return 0, fmt.Errorf("unknown leaf policy %q", policy)
	}
}

func parseDerivationPath(prefix string) ([]uint32, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, nil
	}
	parts := strings.Split(strings.Trim(prefix, "/"), "/")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		if strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h") {
			return nil, fmt.Errorf("hardened path segment %q unsupported for public-only derivation", p)
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid derivation path segment %q: %w", p, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
