package ownership

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/oipwg/oipd/internal/oiptypes"
)

func gunRecord(did, owner string) oiptypes.Record {
	return oiptypes.Record{
		DID: did,
		Data: map[string]map[string]interface{}{
			"accessControl": {
				"owner_public_key": owner,
			},
		},
		OIP: oiptypes.OIPEnvelope{
			CreatorDID: "did:gun:" + owner[:12] + ":creator",
			Backend:    oiptypes.BackendGun,
		},
	}
}

// TestDeletionByOwnerGranted mirrors spec E2: the owner's own public key
// authorizes the deletion.
func TestDeletionByOwnerGranted(t *testing.T) {
	owner := "ownerpubkey0123456789"
	rec := gunRecord("did:gun:ownerpubkey0:r1", owner)

	granted, rule := Authorize(rec, DeleterIdentity{PublicKey: owner}, AdminOverride{}, nil)
	assert.True(t, granted)
	assert.Equal(t, "accessControl.owner_public_key match", rule)
}

// TestDeletionByNonOwnerRejected mirrors spec E3: a different user's
// deletion entry for the same record is never authorized, regardless of
// admin override being unset.
func TestDeletionByNonOwnerRejected(t *testing.T) {
	owner := "ownerpubkey0123456789"
	rec := gunRecord("did:gun:ownerpubkey0:r1", owner)

	granted, rule := Authorize(rec, DeleterIdentity{PublicKey: "someoneelsepubkey"}, AdminOverride{}, nil)
	assert.False(t, granted)
	assert.Equal(t, "no matching authorization rule", rule)
}

func TestAuthorizeGunSoulPrefixFallback(t *testing.T) {
	rec := oiptypes.Record{
		DID: "did:gun:abcdef012345:r1",
		OIP: oiptypes.OIPEnvelope{Backend: oiptypes.BackendGun},
	}
	granted, rule := Authorize(rec, DeleterIdentity{PublicKey: "abcdef012345therest"}, AdminOverride{}, nil)
	assert.True(t, granted)
	assert.Equal(t, "gun soul owner-prefix match", rule)
}

func TestAuthorizeAdminOverrideRequiresBothConditions(t *testing.T) {
	rec := oiptypes.Record{
		DID: "did:arweave:tx1",
		OIP: oiptypes.OIPEnvelope{CreatorDID: "did:arweave:nodewalletpub", Backend: oiptypes.BackendArweave},
	}
	override := AdminOverride{BaseDomain: "example.com", NodeWalletPublicKey: "nodewalletpub"}

	// Matching domain but record not signed by the node wallet: denied.
	other := oiptypes.Record{DID: "did:arweave:tx2", OIP: oiptypes.OIPEnvelope{CreatorDID: "did:arweave:someoneelse", Backend: oiptypes.BackendArweave}}
	granted, _ := Authorize(other, DeleterIdentity{PublicKey: "x", EmailDomain: "example.com"}, override, nil)
	assert.False(t, granted)

	// Both conditions satisfied: granted.
	granted, rule := Authorize(rec, DeleterIdentity{PublicKey: "x", EmailDomain: "example.com"}, override, logrus.NewEntry(logrus.StandardLogger()))
	assert.True(t, granted)
	assert.Equal(t, "admin-domain override", rule)
}

func TestCanReadPublicRecordAlwaysReadable(t *testing.T) {
	rec := oiptypes.Record{Data: map[string]map[string]interface{}{}}
	assert.True(t, CanRead(rec, "", nil))
}

func TestCanReadPrivateRecordRequiresOwner(t *testing.T) {
	rec := oiptypes.Record{
		Data: map[string]map[string]interface{}{
			"accessControl": {
				"owner_public_key": "ownerpub",
				"access_level":     "private",
			},
		},
	}
	assert.False(t, CanRead(rec, "", nil))
	assert.False(t, CanRead(rec, "someoneelse", nil))
	assert.True(t, CanRead(rec, "ownerpub", nil))
}

func TestCanReadOrganizationScoped(t *testing.T) {
	rec := oiptypes.Record{
		Data: map[string]map[string]interface{}{
			"accessControl": {
				"owner_public_key": "ownerpub",
				"access_level":     "organization",
				"organization_id":  "org1",
			},
		},
	}
	assert.True(t, CanRead(rec, "ownerpub", nil))
	assert.True(t, CanRead(rec, "member", []string{"org1"}))
	assert.False(t, CanRead(rec, "outsider", []string{"org2"}))
	assert.False(t, CanRead(rec, "outsider", nil))
}
