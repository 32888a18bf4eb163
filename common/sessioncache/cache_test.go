package sessioncache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := New(Options{TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReadWrite_RoundTrip(t *testing.T) {
	c := newTestCache(t, time.Minute)
	id := Identity{IdentityID: "user-1", Traits: map[string]string{"email": "a@example.com"}}

	require.NoError(t, c.Write("token-abc", id))

	got, ok := c.Read("token-abc")
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestRead_MissOnUnknownToken(t *testing.T) {
	c := newTestCache(t, time.Minute)

	_, ok := c.Read("never-written")
	require.False(t, ok)
}

func TestRead_MissAfterTTLExpiry(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond)
	require.NoError(t, c.Write("token-expiring", Identity{IdentityID: "user-2"}))

	_, ok := c.Read("token-expiring")
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok = c.Read("token-expiring")
	require.False(t, ok, "entry should have expired under its TTL")
}

func TestInvalidate_RemovesEntryImmediately(t *testing.T) {
	c := newTestCache(t, time.Minute)
	require.NoError(t, c.Write("token-to-invalidate", Identity{IdentityID: "user-3"}))

	require.NoError(t, c.Invalidate("token-to-invalidate"))

	_, ok := c.Read("token-to-invalidate")
	require.False(t, ok)
}

func TestInvalidate_UnknownTokenIsNotAnError(t *testing.T) {
	c := newTestCache(t, time.Minute)
	require.NoError(t, c.Invalidate("was-never-written"))
}

func TestNew_DefaultsTTLWhenNonPositive(t *testing.T) {
	c, err := New(Options{TTL: 0})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, 30*time.Second, c.ttl)
}
