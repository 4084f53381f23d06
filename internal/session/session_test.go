package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/api-client/net-store/internal/kv"
	"github.com/api-client/net-store/internal/token"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	e, err := kv.Open(filepath.Join(dir, "test.db"), []string{Namespace}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tm := token.NewManager([]byte("test-secret-value-not-for-prod!"), "net-store")
	return NewStore(e, tm)
}

func TestGenerateUnauthenticatedThenGet(t *testing.T) {
	s := newTestStore(t)

	signed, sid, err := s.GenerateUnauthenticated()
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	require.NotEmpty(t, sid)

	claims, err := s.tokens.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, sid, claims.Sid)

	sess, ok, err := s.Get(sid)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, sess.Authenticated)
}

func TestGenerateAuthenticatedUpgrades(t *testing.T) {
	s := newTestStore(t)

	_, sid, err := s.GenerateUnauthenticated()
	require.NoError(t, err)

	signed, err := s.GenerateAuthenticated("U1", sid)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	sess, ok, err := s.Get(sid)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, sess.Authenticated)
	require.Equal(t, "U1", sess.Uid)
}

func TestDeleteRemovesFromCacheAndPersisted(t *testing.T) {
	s := newTestStore(t)
	_, sid, err := s.GenerateUnauthenticated()
	require.NoError(t, err)

	require.NoError(t, s.Delete(sid))

	_, ok, err := s.Get(sid)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetRepopulatesCacheFromPersisted(t *testing.T) {
	s := newTestStore(t)
	_, sid, err := s.GenerateUnauthenticated()
	require.NoError(t, err)

	s.mu.Lock()
	delete(s.cache, sid)
	s.mu.Unlock()

	sess, ok, err := s.Get(sid)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, sess.Authenticated)

	s.mu.Lock()
	_, cached := s.cache[sid]
	s.mu.Unlock()
	require.True(t, cached, "Get must repopulate the cache on a persisted-store hit")
}

func TestStateIndexIsConsumedOnce(t *testing.T) {
	s := newTestStore(t)
	s.BindState("state-abc", "sid-123")

	sid, ok := s.ResolveState("state-abc")
	require.True(t, ok)
	require.Equal(t, "sid-123", sid)

	_, ok = s.ResolveState("state-abc")
	require.False(t, ok, "state must be usable exactly once")
}
