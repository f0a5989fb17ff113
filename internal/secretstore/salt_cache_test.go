package secretstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oipwg/oipd/internal/ownership"
)

func TestDecryptedSaltCachePutLookupForget(t *testing.T) {
	c := NewDecryptedSaltCache()

	_, ok := c.Lookup("pub1")
	assert.False(t, ok)

	var salt ownership.GunSalt
	copy(salt[:], "01234567890123456789012345678901")
	c.Put("pub1", salt)

	got, ok := c.Lookup("pub1")
	assert.True(t, ok)
	assert.Equal(t, salt, got)

	c.Forget("pub1")
	_, ok = c.Lookup("pub1")
	assert.False(t, ok)
}
