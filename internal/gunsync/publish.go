package gunsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/oipwg/oipd/internal/codec"
	"github.com/oipwg/oipd/internal/oiptypes"
	"github.com/oipwg/oipd/internal/ownership"
)

// RecordPublication is the wire-independent shape the HTTP write path (C11)
// hands to the GUN backend for a new record (spec §4.11 "backend put").
type RecordPublication struct {
	Tuples           []codec.CompressedTuple
	CreatorDID       string
	CreatorSignature string
	VMID             string
	OwnerPublicKey   string
}

// MintDID allocates a new GUN-backend DID for a record owned by
// ownerPublicKey, of the form did:gun:<owner-prefix-12>:<local-id>
// (spec §6 "soul of the form <owner-pubkey-prefix-12>:<local-id>").
func MintDID(ownerPublicKey string) string {
	prefix := ownerPublicKey
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("did:gun:%s:%s", prefix, uuid.NewString())
}

// EncodePayload builds pub's unencrypted wire payload.
func EncodePayload(pub RecordPublication) gunPayload {
	return gunPayload{
		Tuples:           pub.Tuples,
		CreatorDID:       pub.CreatorDID,
		CreatorSignature: pub.CreatorSignature,
		VMID:             pub.VMID,
		OwnerPublicKey:   pub.OwnerPublicKey,
	}
}

// EncryptPayload replaces p's tuples with an AES-256-GCM ciphertext derived
// from ownerPublicKey and salt (spec §4.10 "encrypts private GUN payloads").
func EncryptPayload(p gunPayload, ownerPublicKey string, salt ownership.GunSalt) (gunPayload, error) {
	plaintext, err := json.Marshal(p.Tuples)
	if err != nil {
		return gunPayload{}, fmt.Errorf("gunsync: marshal tuples for encryption: %w", err)
	}
	key := ownership.DeriveRecordKey(ownerPublicKey, salt)
	ciphertext, nonce, err := ownership.EncryptPayload(key, plaintext)
	if err != nil {
		return gunPayload{}, fmt.Errorf("gunsync: encrypt payload: %w", err)
	}
	p.Tuples = nil
	p.Encrypted = true
	p.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
	p.Nonce = base64.StdEncoding.EncodeToString(nonce)
	return p, nil
}

// Publish writes payload under did's soul on peerURL and folds did into that
// peer's registry index, the mechanism other whitelisted nodes diff against
// to discover it on their next cycle (spec §4.7 step 1).
func (s *SyncLoop) Publish(ctx context.Context, peerURL string, did string, payload gunPayload) error {
	pc, ok := s.peers[peerURL]
	if !ok {
		return fmt.Errorf("gunsync: %s is not a whitelisted peer", peerURL)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := pc.Put(ctx, didToSoul(did), raw); err != nil {
		return err
	}

	idxRaw, err := pc.Get(ctx, registryIndexSoul)
	if err != nil {
		return fmt.Errorf("gunsync: fetch registry index: %w", err)
	}
	idx, err := parseRegistryIndex(idxRaw)
	if err != nil {
		return err
	}
	idx.DIDs[did] = true
	newIdx, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	if err := pc.Put(ctx, registryIndexSoul, newIdx); err != nil {
		return fmt.Errorf("gunsync: update registry index: %w", err)
	}
	s.souls.Add(did)
	return nil
}

// PublishDeletion writes entry under its own deletion-entry soul and folds
// its DID into the flat deletion index, the GUN half of C8's deletion
// registry contract (spec §4.8 "GUN path: an entry under
// oip:deleted:records:<did> plus a flag in the flat index
// oip:deleted:records:index").
func (s *SyncLoop) PublishDeletion(ctx context.Context, peerURL string, entry oiptypes.DeletionEntry) error {
	pc, ok := s.peers[peerURL]
	if !ok {
		return fmt.Errorf("gunsync: %s is not a whitelisted peer", peerURL)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := pc.Put(ctx, deletionEntrySoulPrefix+didToSoul(entry.DID), raw); err != nil {
		return fmt.Errorf("gunsync: put deletion entry: %w", err)
	}

	idxRaw, err := pc.Get(ctx, deletionIndexSoul)
	if err != nil {
		return fmt.Errorf("gunsync: fetch deletion index: %w", err)
	}
	idx, err := parseDeletionIndex(idxRaw)
	if err != nil {
		return err
	}
	idx.DIDs[entry.DID] = true
	newIdx, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	if err := pc.Put(ctx, deletionIndexSoul, newIdx); err != nil {
		return fmt.Errorf("gunsync: update deletion index: %w", err)
	}
	return nil
}
