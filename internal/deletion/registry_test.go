package deletion

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/internal/oiptypes"
	"github.com/oipwg/oipd/internal/ownership"
)

type fakeIndex struct {
	records map[string]oiptypes.Record
	deleted map[string]bool
	entries []oiptypes.DeletionEntry
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{records: map[string]oiptypes.Record{}, deleted: map[string]bool{}}
}

func (f *fakeIndex) GetRecord(ctx context.Context, did string) (oiptypes.Record, bool, error) {
	rec, ok := f.records[did]
	return rec, ok, nil
}

func (f *fakeIndex) DeleteRecord(ctx context.Context, did string) error {
	f.deleted[did] = true
	return nil
}

func (f *fakeIndex) RecordDeletionEntry(ctx context.Context, entry oiptypes.DeletionEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// TestDeletionByOwnerRemovesRecord mirrors spec E2.
func TestDeletionByOwnerRemovesRecord(t *testing.T) {
	idx := newFakeIndex()
	idx.records["did:gun:abcdef012345:r1"] = oiptypes.Record{
		DID: "did:gun:abcdef012345:r1",
		Data: map[string]map[string]interface{}{
			"accessControl": {"owner_public_key": "U.pub"},
		},
		OIP: oiptypes.OIPEnvelope{Backend: oiptypes.BackendGun},
	}
	reg := New(idx, idx, nil, nil, ownership.AdminOverride{}, testLog())

	err := reg.Process(context.Background(), oiptypes.DeletionEntry{
		DID: "did:gun:abcdef012345:r1", DeletedBy: "U.pub", Backend: oiptypes.BackendGun,
	})
	require.NoError(t, err)
	assert.True(t, idx.deleted["did:gun:abcdef012345:r1"])
	assert.Len(t, idx.entries, 1)
}

// TestDeletionByNonOwnerLeavesRecordIndexed mirrors spec E3: the record
// remains queryable, and the rejected entry is still recorded for audit.
func TestDeletionByNonOwnerLeavesRecordIndexed(t *testing.T) {
	idx := newFakeIndex()
	idx.records["did:gun:abcdef012345:r1"] = oiptypes.Record{
		DID: "did:gun:abcdef012345:r1",
		Data: map[string]map[string]interface{}{
			"accessControl": {"owner_public_key": "U.pub"},
		},
		OIP: oiptypes.OIPEnvelope{Backend: oiptypes.BackendGun},
	}
	reg := New(idx, idx, nil, nil, ownership.AdminOverride{}, testLog())

	err := reg.Process(context.Background(), oiptypes.DeletionEntry{
		DID: "did:gun:abcdef012345:r1", DeletedBy: "V.pub", Backend: oiptypes.BackendGun,
	})
	require.NoError(t, err)
	assert.False(t, idx.deleted["did:gun:abcdef012345:r1"])
	assert.Len(t, idx.entries, 1, "the deletion entry remains for audit even though it was rejected")
}

// TestDeletionDeferredUntilTargetMaterializes covers spec §4.8 step 1: a
// deletion for a DID not yet indexed is buffered and reapplied once the
// target appears.
func TestDeletionDeferredUntilTargetMaterializes(t *testing.T) {
	idx := newFakeIndex()
	reg := New(idx, idx, nil, nil, ownership.AdminOverride{}, testLog())

	err := reg.Process(context.Background(), oiptypes.DeletionEntry{
		DID: "did:gun:abcdef012345:r1", DeletedBy: "U.pub", Backend: oiptypes.BackendGun,
	})
	require.NoError(t, err)
	assert.False(t, idx.deleted["did:gun:abcdef012345:r1"])

	target := oiptypes.Record{
		DID: "did:gun:abcdef012345:r1",
		Data: map[string]map[string]interface{}{
			"accessControl": {"owner_public_key": "U.pub"},
		},
		OIP: oiptypes.OIPEnvelope{Backend: oiptypes.BackendGun},
	}
	require.NoError(t, reg.Reevaluate(context.Background(), target.DID, target))
	assert.True(t, idx.deleted["did:gun:abcdef012345:r1"])
}
