// Package deletion implements the Deletion Registry (C8): processing
// deletion entries observed on either backend through one authorization and
// application path, regardless of origin (spec §4.8).
//
// It is grounded on the teacher's statemanager package (pkg/statemanager —
// a small state machine around one operation type, single entry point,
// explicit terminal states) generalized from "operation" to "deletion
// intent".
package deletion

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/internal/oiptypes"
	"github.com/oipwg/oipd/internal/ownership"
)

// TargetResolver fetches a candidate deletion's target record from the local
// index only (spec §4.8 step 1: "Resolve <target> in the local index").
type TargetResolver interface {
	GetRecord(ctx context.Context, did string) (oiptypes.Record, bool, error)
}

// Projection is the subset of C5 the registry needs to apply an authorized
// deletion.
type Projection interface {
	DeleteRecord(ctx context.Context, did string) error
	RecordDeletionEntry(ctx context.Context, entry oiptypes.DeletionEntry) error
}

// GunStore removes a soul from the local GUN replica, if this node holds
// one (spec §4.8 step 3, "remove from local GUN store (if applicable)"). A
// nil GunStore is valid: Arweave-only deployments never call it.
type GunStore interface {
	Remove(ctx context.Context, did string) error
}

// EmailDomainLookup resolves a deleter's public key to their registered
// email domain, for the admin-domain override (spec §4.8 step 2).
type EmailDomainLookup func(publicKey string) (domain string, ok bool)

// Registry processes deletion intents observed from either backend into one
// authorization decision and, if granted, one local removal.
type Registry struct {
	resolver TargetResolver
	proj     Projection
	gun      GunStore
	emails   EmailDomainLookup
	override ownership.AdminOverride
	log      *logrus.Entry

	// pending holds deletion entries whose target had not yet materialized
	// locally (spec §4.8 step 1: "record the intent and return; a later
	// sync may materialize the target").
	pending map[string][]oiptypes.DeletionEntry
}

// New builds a Registry. gun may be nil for an Arweave-only node.
func New(resolver TargetResolver, proj Projection, gun GunStore, emails EmailDomainLookup, override ownership.AdminOverride, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		resolver: resolver,
		proj:     proj,
		gun:      gun,
		emails:   emails,
		override: override,
		log:      log,
		pending:  make(map[string][]oiptypes.DeletionEntry),
	}
}

// Process runs spec §4.8's full procedure for one observed deletion entry,
// from either backend. It always records the entry for audit (step 4: "log,
// do not act, do not reject the entry") before deciding whether to apply it.
func (r *Registry) Process(ctx context.Context, entry oiptypes.DeletionEntry) error {
	if err := r.proj.RecordDeletionEntry(ctx, entry); err != nil {
		return fmt.Errorf("deletion: record entry for %s: %w", entry.DID, err)
	}

	target, found, err := r.resolver.GetRecord(ctx, entry.DID)
	if err != nil {
		return fmt.Errorf("deletion: resolve target %s: %w", entry.DID, err)
	}
	if !found {
		r.pending[entry.DID] = append(r.pending[entry.DID], entry)
		r.log.WithField("did", entry.DID).Debug("deletion target not yet indexed, deferred")
		return nil
	}

	return r.apply(ctx, target, entry)
}

// Reevaluate re-runs authorization for every deletion entry pending against
// did, called once the target has been newly indexed (spec §4.8 step 1,
// "the intent is then re-evaluated").
func (r *Registry) Reevaluate(ctx context.Context, did string, target oiptypes.Record) error {
	entries := r.pending[did]
	if len(entries) == 0 {
		return nil
	}
	delete(r.pending, did)
	for _, e := range entries {
		if err := r.apply(ctx, target, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) apply(ctx context.Context, target oiptypes.Record, entry oiptypes.DeletionEntry) error {
	deleter := ownership.DeleterIdentity{PublicKey: entry.DeletedBy}
	if r.emails != nil {
		if domain, ok := r.emails(entry.DeletedBy); ok {
			deleter.EmailDomain = domain
		}
	}

	granted, rule := ownership.Authorize(target, deleter, r.override, r.log)
	if !granted {
		r.log.WithFields(logrus.Fields{"did": entry.DID, "deleted_by": entry.DeletedBy, "rule": rule}).
			Warn("deletion rejected: unauthorized")
		return nil
	}

	if err := r.proj.DeleteRecord(ctx, entry.DID); err != nil {
		return fmt.Errorf("deletion: remove %s from index: %w", entry.DID, err)
	}
	if r.gun != nil && target.OIP.Backend == oiptypes.BackendGun {
		if err := r.gun.Remove(ctx, entry.DID); err != nil {
			return fmt.Errorf("deletion: remove %s from gun store: %w", entry.DID, err)
		}
	}
	r.log.WithFields(logrus.Fields{"did": entry.DID, "deleted_by": entry.DeletedBy, "rule": rule}).
		Info("deletion applied")
	return nil
}
