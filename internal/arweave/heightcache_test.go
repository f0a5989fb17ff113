package arweave

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestHeightCache(t *testing.T) *HeightCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewHeightCache(client, logrus.NewEntry(logrus.New()))
}

func TestHeightCacheGetMissWhenUnset(t *testing.T) {
	c := newTestHeightCache(t)
	_, _, ok := c.Get(context.Background())
	require.False(t, ok)
}

func TestHeightCacheSetThenGet(t *testing.T) {
	c := newTestHeightCache(t)
	require.NoError(t, c.Set(context.Background(), 12345))

	h, _, ok := c.Get(context.Background())
	require.True(t, ok)
	require.EqualValues(t, 12345, h)
}

func TestHeightCacheGetOrWarnServesStaleValue(t *testing.T) {
	c := newTestHeightCache(t)
	require.NoError(t, c.Set(context.Background(), 999))

	h, ok := c.GetOrWarn(context.Background())
	require.True(t, ok)
	require.EqualValues(t, 999, h)
}
