package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpires(t *testing.T) {
	c, err := NewTTLCache[string](4, time.Millisecond)
	require.NoError(t, err)

	c.Set("a", "hi")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hi", v)

	time.Sleep(5 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheEvictsOnCapacity(t *testing.T) {
	c, err := NewTTLCache[int](2, time.Hour)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	assert.Equal(t, 2, c.Len())
}

func TestNotFoundCache(t *testing.T) {
	nf, err := NewNotFoundCache()
	require.NoError(t, err)

	assert.False(t, nf.IsMarked("did:arweave:missing"))
	nf.Mark("did:arweave:missing")
	assert.True(t, nf.IsMarked("did:arweave:missing"))
}

func TestPermanentFailureSetBounded(t *testing.T) {
	s := NewPermanentFailureSet(2)
	s.Mark("a", errors.New("bad sig"))
	s.Mark("b", errors.New("bad sig"))
	s.Mark("c", errors.New("bad sig"))

	_, ok := s.Reason("a")
	assert.False(t, ok, "oldest entry should have been evicted")

	reason, ok := s.Reason("c")
	require.True(t, ok)
	assert.EqualError(t, reason, "bad sig")
}
