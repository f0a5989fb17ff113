package resolver

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/internal/oiptypes"
)

func linkTemplate() oiptypes.Template {
	return oiptypes.Template{
		TemplateID: "tpl-link",
		Name:       "link",
		Fields: []oiptypes.FieldDef{
			{Name: "title", Type: oiptypes.FieldString, Index: 0},
			{Name: "next", Type: oiptypes.FieldDref, Index: 1},
		},
	}
}

type fakeFetcher struct {
	records map[string]oiptypes.Record
	calls   int32
}

func (f *fakeFetcher) Fetch(_ context.Context, did string) (oiptypes.Record, error) {
	atomic.AddInt32(&f.calls, 1)
	rec, ok := f.records[did]
	if !ok {
		return oiptypes.Record{}, ErrNotFound
	}
	return rec, nil
}

func newTestResolver(t *testing.T, f Fetcher) *Resolver {
	t.Helper()
	lookup := func(name string) (oiptypes.Template, bool) {
		if name == "link" {
			return linkTemplate(), true
		}
		return oiptypes.Template{}, false
	}
	r, err := New(f, lookup, DefaultConfig(), nil)
	require.NoError(t, err)
	return r
}

func TestResolveCycleTerminatesUnexpanded(t *testing.T) {
	a := oiptypes.Record{DID: "did:arweave:a", Data: map[string]map[string]interface{}{
		"link": {"title": "A", "next": "did:arweave:b"},
	}}
	b := oiptypes.Record{DID: "did:arweave:b", Data: map[string]map[string]interface{}{
		"link": {"title": "B", "next": "did:arweave:a"},
	}}
	f := &fakeFetcher{records: map[string]oiptypes.Record{"did:arweave:a": a, "did:arweave:b": b}}
	r := newTestResolver(t, f)

	out := r.Resolve(context.Background(), a, 3)

	bNode, ok := out["link"]["next"].(map[string]interface{})
	require.True(t, ok, "next should have been expanded one level into B")
	bData := bNode["_data"].(map[string]map[string]interface{})
	assert.Equal(t, "did:arweave:a", bData["link"]["next"], "cycle back to A must stay unexpanded")
}

func TestResolveDepthZeroLeavesRefUnexpanded(t *testing.T) {
	a := oiptypes.Record{DID: "did:arweave:a", Data: map[string]map[string]interface{}{
		"link": {"title": "A", "next": "did:arweave:b"},
	}}
	f := &fakeFetcher{records: map[string]oiptypes.Record{"did:arweave:a": a}}
	r := newTestResolver(t, f)

	out := r.Resolve(context.Background(), a, 0)
	assert.Equal(t, "did:arweave:b", out["link"]["next"])
}

func TestResolveMassNotFoundMemoizesAfterFirstQuery(t *testing.T) {
	a := oiptypes.Record{DID: "did:arweave:x", Data: map[string]map[string]interface{}{
		"link": {"title": "X", "next": "did:arweave:missing"},
	}}
	f := &fakeFetcher{records: map[string]oiptypes.Record{"did:arweave:x": a}}
	r := newTestResolver(t, f)

	out := r.Resolve(context.Background(), a, 1)
	assert.Equal(t, "did:arweave:missing", out["link"]["next"])
	callsAfterFirst := atomic.LoadInt32(&f.calls)

	out2 := r.Resolve(context.Background(), a, 1)
	assert.Equal(t, "did:arweave:missing", out2["link"]["next"])
	assert.Equal(t, callsAfterFirst, atomic.LoadInt32(&f.calls), "second query should hit the 404 cache, not the network")
}

func TestResolvePermanentFailureNeverRetried(t *testing.T) {
	a := oiptypes.Record{DID: "did:arweave:x", Data: map[string]map[string]interface{}{
		"link": {"title": "X", "next": "did:arweave:bad"},
	}}
	f := &permanentFailFetcher{fakeFetcher: fakeFetcher{records: map[string]oiptypes.Record{"did:arweave:x": a}}}
	r := newTestResolver(t, f)

	r.Resolve(context.Background(), a, 1)
	r.Resolve(context.Background(), a, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.badCalls), "a permanently failed DID must be fetched at most once")
}

type permanentFailFetcher struct {
	fakeFetcher
	badCalls int32
}

func (f *permanentFailFetcher) Fetch(ctx context.Context, did string) (oiptypes.Record, error) {
	if did == "did:arweave:bad" {
		atomic.AddInt32(&f.badCalls, 1)
		return oiptypes.Record{}, ErrPermanent
	}
	return f.fakeFetcher.Fetch(ctx, did)
}
