package oiptemplate

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/internal/oiptypes"
)

type fakeStore struct {
	saved []oiptypes.Template
	load  []oiptypes.Template
}

func (f *fakeStore) SaveTemplate(_ context.Context, tmpl oiptypes.Template) error {
	f.saved = append(f.saved, tmpl)
	return nil
}

func (f *fakeStore) LoadTemplates(_ context.Context) ([]oiptypes.Template, error) {
	return f.load, nil
}

type fakeMappings struct {
	applied []oiptypes.Template
}

func (f *fakeMappings) ApplyTemplateMapping(_ context.Context, t oiptypes.Template) error {
	f.applied = append(f.applied, t)
	return nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func TestRegisterAndLookup(t *testing.T) {
	store := &fakeStore{}
	mappings := &fakeMappings{}
	r := New(store, mappings, testLog())

	tmpl := oiptypes.Template{
		TemplateID: "tx123",
		Name:       "greeting",
		Fields: []oiptypes.FieldDef{
			{Name: "title", Type: oiptypes.FieldString, Index: 0},
		},
	}

	id, err := r.Register(context.Background(), tmpl)
	require.NoError(t, err)
	assert.Equal(t, "tx123", id)
	require.Len(t, store.saved, 1)
	require.Len(t, mappings.applied, 1)

	byName, ok := r.LookupByName("greeting")
	require.True(t, ok)
	assert.Equal(t, "tx123", byName.TemplateID)

	byID, ok := r.LookupByID("tx123")
	require.True(t, ok)
	assert.Equal(t, "greeting", byID.Name)

	_, ok = r.LookupByName("nonexistent")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	store := &fakeStore{}
	mappings := &fakeMappings{}
	r := New(store, mappings, testLog())

	tmpl := oiptypes.Template{TemplateID: "a", Name: "dup"}
	_, err := r.Register(context.Background(), tmpl)
	require.NoError(t, err)

	_, err = r.Register(context.Background(), oiptypes.Template{TemplateID: "b", Name: "dup"})
	assert.Error(t, err)
}

func TestLoadFromStoreHydratesMaps(t *testing.T) {
	store := &fakeStore{load: []oiptypes.Template{
		{TemplateID: "tx1", Name: "a"},
		{TemplateID: "tx2", Name: "b"},
	}}
	r := New(store, nil, testLog())
	require.NoError(t, r.LoadFromStore(context.Background()))

	_, ok := r.LookupByName("a")
	assert.True(t, ok)
	_, ok = r.LookupByID("tx2")
	assert.True(t, ok)
	assert.Len(t, r.ActiveTemplates(), 2)
}

func TestDeferAndDrainPending(t *testing.T) {
	store := &fakeStore{}
	r := New(store, nil, testLog())

	rec := oiptypes.Record{DID: "did:arweave:abc"}
	r.Defer(rec, "unknownTemplate")
	r.Defer(rec, "unknownTemplate")

	pending := r.DrainPending("unknownTemplate")
	assert.Len(t, pending, 2)

	// a second drain is empty: pending is consumed, not peeked.
	assert.Empty(t, r.DrainPending("unknownTemplate"))
}

func TestRefCountingAndGC(t *testing.T) {
	store := &fakeStore{}
	r := New(store, nil, testLog())

	tmpl := oiptypes.Template{TemplateID: "tx1", Name: "a"}
	_, err := r.Register(context.Background(), tmpl)
	require.NoError(t, err)

	// never referenced: GC should flag it as unused.
	unused, err := r.GC(context.Background())
	require.NoError(t, err)
	assert.Contains(t, unused, "a")

	byID, ok := r.LookupByID("tx1")
	require.True(t, ok)
	assert.True(t, byID.Unused)
}

func TestRefCountingPreventsGCWhileReferenced(t *testing.T) {
	store := &fakeStore{}
	r := New(store, nil, testLog())

	tmpl := oiptypes.Template{TemplateID: "tx2", Name: "b"}
	_, err := r.Register(context.Background(), tmpl)
	require.NoError(t, err)

	r.IncRef("tx2")
	unused, err := r.GC(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, unused, "b")

	r.DecRef("tx2")
	unused, err = r.GC(context.Background())
	require.NoError(t, err)
	assert.Contains(t, unused, "b")
}
