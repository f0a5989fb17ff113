package gunsync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oipwg/oipd/internal/codec"
	"github.com/oipwg/oipd/internal/oiptypes"
)

// registryIndexSoul is the well-known root each peer publishes listing the
// DIDs it holds (spec §4.7 step 1 "the peer's registry index").
const registryIndexSoul = "oip:records:index"

// deletionIndexSoul is the flat index of deleted DIDs (spec §4.8 GUN path,
// "a flag in the flat index oip:deleted:records:index").
const deletionIndexSoul = "oip:deleted:records:index"

// deletionEntrySoulPrefix namespaces one deletion entry per DID
// (spec §4.8 "an entry under oip:deleted:records:<did>").
const deletionEntrySoulPrefix = "oip:deleted:records:"

// gunPayload is the wire shape of one GUN-stored record (mirrors
// rawRecordPayload in the arweave package, plus the encryption envelope
// private records carry — spec §4.10 "encrypts private GUN payloads").
type gunPayload struct {
	Tuples           []codec.CompressedTuple `json:"t"`
	CreatorDID       string                  `json:"creator_did"`
	CreatorSignature string                  `json:"creator_sig"`
	VMID             string                  `json:"vm_id,omitempty"`
	Encrypted        bool                    `json:"encrypted,omitempty"`
	OwnerPublicKey   string                  `json:"owner_public_key,omitempty"`
	Nonce            string                  `json:"nonce,omitempty"` // base64, present iff Encrypted
	Ciphertext       string                  `json:"ciphertext,omitempty"`
}

type registryIndex struct {
	DIDs map[string]bool `json:"dids"`
}

type deletionIndexDoc struct {
	DIDs map[string]bool `json:"dids"`
}

func parseRegistryIndex(raw json.RawMessage) (registryIndex, error) {
	var idx registryIndex
	if len(raw) == 0 {
		return registryIndex{DIDs: map[string]bool{}}, nil
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return registryIndex{}, fmt.Errorf("gunsync: decode registry index: %w", err)
	}
	if idx.DIDs == nil {
		idx.DIDs = map[string]bool{}
	}
	return idx, nil
}

func parseDeletionIndex(raw json.RawMessage) (deletionIndexDoc, error) {
	var idx deletionIndexDoc
	if len(raw) == 0 {
		return deletionIndexDoc{DIDs: map[string]bool{}}, nil
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return deletionIndexDoc{}, fmt.Errorf("gunsync: decode deletion index: %w", err)
	}
	if idx.DIDs == nil {
		idx.DIDs = map[string]bool{}
	}
	return idx, nil
}

func parsePayload(raw json.RawMessage) (gunPayload, error) {
	var p gunPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return gunPayload{}, fmt.Errorf("gunsync: decode payload: %w", err)
	}
	return p, nil
}

func decodeCiphertext(p gunPayload) (ciphertext, nonce []byte, err error) {
	ciphertext, err = base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("gunsync: decode ciphertext: %w", err)
	}
	nonce, err = base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("gunsync: decode nonce: %w", err)
	}
	return ciphertext, nonce, nil
}

func didToSoul(did string) string {
	const prefix = "did:gun:"
	if len(did) > len(prefix) && did[:len(prefix)] == prefix {
		return did[len(prefix):]
	}
	return did
}

func deletionEntryFromDoc(did string, doc oiptypes.DeletionEntry, observedAt time.Time) oiptypes.DeletionEntry {
	doc.DID = did
	doc.Backend = oiptypes.BackendGun
	if doc.DeletedAt.IsZero() {
		doc.DeletedAt = observedAt
	}
	return doc
}
