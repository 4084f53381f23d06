package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/api-client/net-store/internal/cursor"
	"github.com/api-client/net-store/internal/kv"
)

func newTestRevisions(t *testing.T) *Revisions {
	t.Helper()
	kvEngine, err := kv.Open(filepath.Join(t.TempDir(), "revisions.db"), Namespaces, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvEngine.Close() })

	key := make([]byte, 32)
	codec, err := cursor.NewCodec(key)
	require.NoError(t, err)

	return NewRevisions(kvEngine, codec)
}

func TestRevisionsAddAndListNewestFirst(t *testing.T) {
	r := newTestRevisions(t)

	patch1, _ := json.Marshal([]map[string]any{{"op": "replace", "path": "/title", "value": "old1"}})
	patch2, _ := json.Marshal([]map[string]any{{"op": "replace", "path": "/title", "value": "old2"}})

	require.NoError(t, r.Add("HttpProject", "f1", patch1, "u1", false))
	time.Sleep(2 * time.Millisecond) // revision keys are millisecond-granular; force distinct keys
	require.NoError(t, r.Add("HttpProject", "f1", patch2, "u1", false))

	page, err := r.List("HttpProject", "f1", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	// Newest first: the second add (patch2) sorts ahead of the first (patch1).
	require.JSONEq(t, string(patch2), string(page.Data[0].Patch))
	require.JSONEq(t, string(patch1), string(page.Data[1].Patch))
}

func TestRevisionsListScopedToFile(t *testing.T) {
	r := newTestRevisions(t)

	require.NoError(t, r.Add("HttpProject", "f1", json.RawMessage(`[]`), "u1", false))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.Add("HttpProject", "f2", json.RawMessage(`[]`), "u1", false))

	page, err := r.List("HttpProject", "f1", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, "f1", page.Data[0].ID)
}

func TestRevisionsPagination(t *testing.T) {
	r := newTestRevisions(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Add("HttpProject", "f1", json.RawMessage(`[]`), "u1", false))
		time.Sleep(2 * time.Millisecond)
	}

	page1, err := r.List("HttpProject", "f1", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Data, 2)
	require.NotEmpty(t, page1.Cursor)

	page2, err := r.List("HttpProject", "f1", ListOptions{Limit: 2, Cursor: page1.Cursor})
	require.NoError(t, err)
	require.Len(t, page2.Data, 2)

	page3, err := r.List("HttpProject", "f1", ListOptions{Limit: 2, Cursor: page2.Cursor})
	require.NoError(t, err)
	require.Len(t, page3.Data, 1)
}
