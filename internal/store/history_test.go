package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/api-client/net-store/internal/cursor"
	"github.com/api-client/net-store/internal/kv"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	kvEngine, err := kv.Open(filepath.Join(t.TempDir(), "history.db"), Namespaces, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvEngine.Close() })

	key := make([]byte, 32)
	codec, err := cursor.NewCodec(key)
	require.NoError(t, err)

	return NewHistory(kvEngine, codec)
}

func TestHistoryAddIndexesBySpace(t *testing.T) {
	h := newTestHistory(t)

	require.NoError(t, h.Add(HistoryEntry{User: "u1", Space: "s1", Created: 1000}))
	require.NoError(t, h.Add(HistoryEntry{User: "u1", Space: "s1", Created: 2000}))
	require.NoError(t, h.Add(HistoryEntry{User: "u2", Space: "s2", Created: 3000}))

	page, err := h.List("space", "s1", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.NotEmpty(t, page.Cursor)

	// Following the cursor re-scans past both entries and finds nothing
	// further, at which point no cursor is issued.
	next, err := h.List("space", "s1", ListOptions{Limit: 10, Cursor: page.Cursor})
	require.NoError(t, err)
	require.Empty(t, next.Data)
	require.Empty(t, next.Cursor)
}

func TestHistoryListByUserPagination(t *testing.T) {
	h := newTestHistory(t)

	inserted := make(map[string]bool)
	for i := 0; i < 60; i++ {
		entry := HistoryEntry{User: "u1", Created: int64(1_000_000 + i)}
		require.NoError(t, h.Add(entry))
	}

	seen := make(map[string]bool)
	wantCounts := []int{25, 25, 10}
	cur := ""
	for _, want := range wantCounts {
		page, err := h.List("user", "u1", ListOptions{Limit: 25, Cursor: cur})
		require.NoError(t, err)
		require.Len(t, page.Data, want)
		require.NotEmpty(t, page.Cursor)
		for _, e := range page.Data {
			require.False(t, seen[e.Key], "duplicate entry %s", e.Key)
			seen[e.Key] = true
			inserted[e.Key] = true
		}
		cur = page.Cursor
	}
	require.Len(t, seen, 60)

	// A fourth call with the final cursor returns nothing further.
	final, err := h.List("user", "u1", ListOptions{Limit: 25, Cursor: cur})
	require.NoError(t, err)
	require.Empty(t, final.Data)
	require.Empty(t, final.Cursor)
}

func TestHistoryListByUserIgnoresOtherUsers(t *testing.T) {
	h := newTestHistory(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Add(HistoryEntry{User: "u1", Created: int64(1000 + i)}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Add(HistoryEntry{User: "u2", Created: int64(2000 + i)}))
	}

	page, err := h.List("user", "u1", ListOptions{Limit: 50})
	require.NoError(t, err)
	require.Len(t, page.Data, 5)
	for _, e := range page.Data {
		require.Equal(t, "u1", e.User)
	}
}

func TestHistoryListRespectsSince(t *testing.T) {
	h := newTestHistory(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, h.Add(HistoryEntry{User: "u1", Project: "p1", Created: int64(1000 + i*100)}))
	}

	page, err := h.List("project", "p1", ListOptions{Limit: 50, Since: 1500})
	require.NoError(t, err)
	for _, e := range page.Data {
		require.GreaterOrEqual(t, e.Created, int64(1500))
	}
	require.NotEmpty(t, page.Data)
}

func TestHistoryUnknownTypeRejected(t *testing.T) {
	h := newTestHistory(t)
	_, err := h.List("bogus", "x", ListOptions{})
	require.Error(t, err)
}

func TestHistoryAddWithoutOptionalScopesOmitsIndexes(t *testing.T) {
	h := newTestHistory(t)
	require.NoError(t, h.Add(HistoryEntry{User: "u1", Created: 1}))

	page, err := h.List("space", fmt.Sprintf("s%d", 1), ListOptions{})
	require.NoError(t, err)
	require.Empty(t, page.Data)
}
