package gunsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/internal/codec"
	"github.com/oipwg/oipd/internal/health"
	"github.com/oipwg/oipd/internal/oiptypes"
	"github.com/oipwg/oipd/internal/ownership"
	"github.com/oipwg/oipd/internal/signature"
)

// healthComponent names this loop's entry in the shared health.Tracker
// (SPEC_FULL.md §12.6 "GET /health/gun").
const healthComponent = "gun"

// TemplateRegistry is the subset of C1 the loop needs to decode GUN payloads.
type TemplateRegistry interface {
	LookupByID(id string) (oiptypes.Template, bool)
}

// Projection is the subset of C5 the loop reads and writes.
type Projection interface {
	IndexRecord(ctx context.Context, rec oiptypes.Record) error
	LookupCreator(ctx context.Context, creatorDID string) (oiptypes.CreatorDocument, bool, error)
	GetRecord(ctx context.Context, did string) (oiptypes.Record, bool, error)
}

// DeletionProcessor is the subset of C8 the loop merges observed deletions
// into.
type DeletionProcessor interface {
	Process(ctx context.Context, entry oiptypes.DeletionEntry) error
}

// SaltLookup resolves a record owner's per-user GUN salt, needed to derive
// the shared decryption key for a private payload (spec §4.10). Backed by
// the local encrypted-secrets store.
type SaltLookup func(ownerPublicKey string) (ownership.GunSalt, bool)

// LocalGunSouls tracks which GUN souls this node currently holds a local
// replica of, satisfying the deletion registry's GunStore contract
// (spec §4.8 step 3 "remove from local GUN store (if applicable)").
type LocalGunSouls struct {
	mu    sync.Mutex
	souls map[string]bool
}

// NewLocalGunSouls builds an empty soul-tracking set.
func NewLocalGunSouls() *LocalGunSouls {
	return &LocalGunSouls{souls: make(map[string]bool)}
}

// Add records that soul is now held locally.
func (l *LocalGunSouls) Add(did string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.souls[didToSoul(did)] = true
}

// Remove implements deletion.GunStore.
func (l *LocalGunSouls) Remove(_ context.Context, did string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.souls, didToSoul(did))
	return nil
}

// Has reports whether this node holds soul locally.
func (l *LocalGunSouls) Has(did string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.souls[didToSoul(did)]
}

// SyncLoop runs the GUN Sync Loop (C7) against a fixed, operator-configured
// whitelist of peers (spec §4.7).
type SyncLoop struct {
	peers  map[string]*PeerClient // keyed by whitelisted URL
	tmpl   TemplateRegistry
	proj   Projection
	del    DeletionProcessor
	salts  SaltLookup
	souls  *LocalGunSouls
	log    *logrus.Entry
	cycle  time.Duration
	health *health.Tracker
}

// WithHealth attaches a shared health.Tracker the loop reports each peer
// cycle's outcome into. Optional: a SyncLoop with no tracker still runs.
func (s *SyncLoop) WithHealth(t *health.Tracker) *SyncLoop {
	s.health = t
	return s
}

// New builds a SyncLoop for exactly the peers named in whitelist — any
// connection attempt from a URL outside this set is never constructed, let
// alone dialed (spec §4.7 "Peer whitelist").
func New(whitelist []string, tmpl TemplateRegistry, proj Projection, del DeletionProcessor, salts SaltLookup, souls *LocalGunSouls, cycle time.Duration, log *logrus.Entry) *SyncLoop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cycle <= 0 {
		cycle = 30 * time.Second
	}
	peers := make(map[string]*PeerClient, len(whitelist))
	for _, url := range whitelist {
		peers[url] = NewPeerClient(DefaultPeerConfig(url), log)
	}
	return &SyncLoop{peers: peers, tmpl: tmpl, proj: proj, del: del, salts: salts, souls: souls, cycle: cycle, log: log}
}

// RejectPeer logs a security warning for a connection attempt from a URL
// that is not in the configured whitelist (spec §4.7 "refuses any connection
// attempt from a URL outside the whitelist and emits a security warning").
// Auto-discovery code paths must route any externally-learned peer URL
// through this function instead of constructing a PeerClient for it.
func (s *SyncLoop) RejectPeer(url string) {
	s.log.WithField("url", url).WithField("tag", "SECURITY").
		Warn("rejected gun peer connection attempt outside whitelist")
}

// Run dials every whitelisted peer and polls each on s.cycle until ctx is
// cancelled.
func (s *SyncLoop) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for url, pc := range s.peers {
		wg.Add(1)
		go func(url string, pc *PeerClient) {
			defer wg.Done()
			pc.Run(ctx)
		}(url, pc)
	}

	ticker := time.NewTicker(s.cycle)
	defer ticker.Stop()
	for {
		cycleErr := false
		for url, pc := range s.peers {
			if err := s.syncPeer(ctx, url, pc); err != nil {
				s.log.WithField("peer", url).WithError(err).Warn("gun peer sync cycle failed")
				cycleErr = true
				if s.health != nil {
					s.health.RecordFailure(healthComponent, err)
				}
			}
		}
		if !cycleErr && s.health != nil {
			s.health.RecordSuccess(healthComponent)
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

// syncPeer runs one full cycle against a single peer (spec §4.7 steps 1-4).
func (s *SyncLoop) syncPeer(ctx context.Context, peerURL string, pc *PeerClient) error {
	raw, err := pc.Get(ctx, registryIndexSoul)
	if err != nil {
		return fmt.Errorf("fetch registry index: %w", err)
	}
	idx, err := parseRegistryIndex(raw)
	if err != nil {
		return err
	}

	for did := range idx.DIDs {
		if s.souls.Has(did) {
			continue
		}
		if _, found, err := s.proj.GetRecord(ctx, did); err == nil && found {
			s.souls.Add(did)
			continue
		}
		if err := s.mirrorSoul(ctx, pc, did); err != nil {
			s.log.WithField("did", did).WithField("peer", peerURL).WithError(err).Warn("failed to mirror new soul")
		}
	}

	if err := s.syncDeletions(ctx, pc); err != nil {
		return fmt.Errorf("sync deletion registry: %w", err)
	}
	return nil
}

// mirrorSoul fetches, decrypts (if private), verifies, and projects one new
// DID observed in a peer's registry index (spec §4.7 step 3).
func (s *SyncLoop) mirrorSoul(ctx context.Context, pc *PeerClient, did string) error {
	raw, err := pc.Get(ctx, didToSoul(did))
	if err != nil {
		return err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}

	tuples := payload.Tuples
	if payload.Encrypted {
		plaintext, err := s.decrypt(payload)
		if err != nil {
			return fmt.Errorf("decrypt: %w", err)
		}
		if err := json.Unmarshal(plaintext, &tuples); err != nil {
			return fmt.Errorf("decode decrypted tuples: %w", err)
		}
	}

	lookup := func(templateID string) (oiptypes.Template, bool) { return s.tmpl.LookupByID(templateID) }
	data, err := codec.DecompressRecord(lookup, tuples)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}

	rec := oiptypes.Record{
		DID:  did,
		Data: data,
		OIP: oiptypes.OIPEnvelope{
			CreatorDID:           payload.CreatorDID,
			CreatorSignature:     payload.CreatorSignature,
			Backend:              oiptypes.BackendGun,
			Encrypted:            payload.Encrypted,
			IndexedAt:            time.Now().UTC(),
			VerificationMethodID: payload.VMID,
		},
	}

	creator, found, err := s.proj.LookupCreator(ctx, payload.CreatorDID)
	if err != nil {
		return fmt.Errorf("lookup creator: %w", err)
	}
	if !found {
		return fmt.Errorf("creator %s not registered", payload.CreatorDID)
	}
	result := signature.Verify(rec, creator)
	if !result.IsValid {
		return fmt.Errorf("signature invalid: %w", result.Reason)
	}

	if err := s.proj.IndexRecord(ctx, rec); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	s.souls.Add(did)
	return nil
}

func (s *SyncLoop) decrypt(payload gunPayload) ([]byte, error) {
	if s.salts == nil {
		return nil, fmt.Errorf("no salt lookup configured for encrypted payload")
	}
	salt, ok := s.salts(payload.OwnerPublicKey)
	if !ok {
		return nil, fmt.Errorf("no gun salt registered for owner %s", payload.OwnerPublicKey)
	}
	ciphertext, nonce, err := decodeCiphertext(payload)
	if err != nil {
		return nil, err
	}
	key := ownership.DeriveRecordKey(payload.OwnerPublicKey, salt)
	return ownership.DecryptPayload(key, ciphertext, nonce)
}

// syncDeletions fetches a peer's deletion registry and merges any new
// entries into the local registry (spec §4.7 step 4, §4.8 GUN path).
func (s *SyncLoop) syncDeletions(ctx context.Context, pc *PeerClient) error {
	raw, err := pc.Get(ctx, deletionIndexSoul)
	if err != nil {
		return err
	}
	idx, err := parseDeletionIndex(raw)
	if err != nil {
		return err
	}
	for did := range idx.DIDs {
		entryRaw, err := pc.Get(ctx, deletionEntrySoulPrefix+didToSoul(did))
		if err != nil {
			s.log.WithField("did", did).WithError(err).Warn("failed to fetch deletion entry")
			continue
		}
		var doc oiptypes.DeletionEntry
		if err := json.Unmarshal(entryRaw, &doc); err != nil {
			continue
		}
		entry := deletionEntryFromDoc(did, doc, time.Now().UTC())
		if err := s.del.Process(ctx, entry); err != nil {
			s.log.WithField("did", did).WithError(err).Warn("failed to process merged deletion entry")
		}
	}
	return nil
}
