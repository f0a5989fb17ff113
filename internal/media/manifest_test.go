package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/internal/oiptypes"
)

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash([]byte("hello world"))
	b := ContentHash([]byte("hello world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ContentHash([]byte("hello world!")))
	assert.Len(t, a, 64) // hex-encoded sha256
}

func TestAddHintAccumulates(t *testing.T) {
	m := NewManifest(ContentHash([]byte("x")), 3, "text/plain")
	m = AddHint(m, oiptypes.DistributionHint{Kind: "http", Locator: "https://example.com/x"})
	m = AddHint(m, oiptypes.DistributionHint{Kind: "ipfs", Locator: "bafy123"})
	require.Len(t, m.Hints, 2)
	assert.Equal(t, "http", m.Hints[0].Kind)
	assert.Equal(t, "ipfs", m.Hints[1].Kind)
}

func TestBindManifestRequiresHints(t *testing.T) {
	m := NewManifest("deadbeef", 10, "image/png")
	_, err := BindManifest(m)
	assert.ErrorIs(t, err, ErrNoHints)

	m = AddHint(m, oiptypes.DistributionHint{Kind: "http", Locator: "https://example.com/a.png"})
	fields, err := BindManifest(m)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", fields["contentHash"])
	assert.Equal(t, int64(10), fields["size"])
	hints := fields["hints"].([]interface{})
	require.Len(t, hints, 1)
	hint := hints[0].(map[string]interface{})
	assert.Equal(t, "http", hint["kind"])
	assert.Equal(t, "https://example.com/a.png", hint["locator"])
}

func TestLocatorForFindsFirstMatchingKind(t *testing.T) {
	m := NewManifest("h", 1, "application/octet-stream")
	m = AddHint(m, oiptypes.DistributionHint{Kind: "ipfs", Locator: "bafy1"})
	m = AddHint(m, oiptypes.DistributionHint{Kind: "http", Locator: "https://mirror/a"})
	m = AddHint(m, oiptypes.DistributionHint{Kind: "http", Locator: "https://mirror/b"})

	loc, ok := LocatorFor(m, "http")
	require.True(t, ok)
	assert.Equal(t, "https://mirror/a", loc)

	_, ok = LocatorFor(m, "bittorrent")
	assert.False(t, ok)
}
