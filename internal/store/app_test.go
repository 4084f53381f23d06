package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/kv"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	kvEngine, err := kv.Open(filepath.Join(t.TempDir(), "app.db"), Namespaces, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvEngine.Close() })

	return NewApp(kvEngine)
}

func TestAppSetGetRoundTrip(t *testing.T) {
	a := newTestApp(t)

	require.NoError(t, a.Set("app1", "projects", "p1", []byte(`{"name":"draft"}`)))

	got, err := a.Get("app1", "projects", "p1")
	require.NoError(t, err)
	require.Equal(t, `{"name":"draft"}`, string(got))
}

func TestAppGetMissingReturnsNotFound(t *testing.T) {
	a := newTestApp(t)

	_, err := a.Get("app1", "projects", "nope")
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestAppDeleteRemovesEntry(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.Set("app1", "requests", "r1", []byte(`{}`)))

	require.NoError(t, a.Delete("app1", "requests", "r1"))

	_, err := a.Get("app1", "requests", "r1")
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestAppListScopesByAppAndCollection(t *testing.T) {
	a := newTestApp(t)

	require.NoError(t, a.Set("app1", "projects", "p1", []byte(`1`)))
	require.NoError(t, a.Set("app1", "projects", "p2", []byte(`2`)))
	require.NoError(t, a.Set("app1", "requests", "r1", []byte(`3`)))
	require.NoError(t, a.Set("app2", "projects", "p1", []byte(`4`)))

	entries, err := a.List("app1", "projects")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
