package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "test.db"), []string{"users", "files"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetDelete(t *testing.T) {
	e := openTest(t)

	_, ok, err := e.Get("users", "U1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, e.Put("users", "U1", []byte(`{"name":"ada"}`)))

	v, ok, err := e.Get("users", "U1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"name":"ada"}`, string(v))

	require.NoError(t, e.Delete("users", "U1"))
	_, ok, err = e.Get("users", "U1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBatchIsAtomic(t *testing.T) {
	e := openTest(t)

	err := e.Batch([]Op{
		{Namespace: "users", Key: "U1", Value: []byte("1")},
		{Namespace: "files", Key: "F1", Value: []byte("1")},
		{Namespace: "nonexistent", Key: "X", Value: []byte("1")},
	})
	require.Error(t, err)

	_, ok, _ := e.Get("users", "U1")
	require.False(t, ok, "partial batch must not be visible after a failed op")
	_, ok, _ = e.Get("files", "F1")
	require.False(t, ok)
}

func TestRangeAscOrderAndBounds(t *testing.T) {
	e := openTest(t)
	keys := []string{"a~1", "a~2", "a~3", "b~1"}
	var ops []Op
	for _, k := range keys {
		ops = append(ops, Op{Namespace: "users", Key: k, Value: []byte(k)})
	}
	require.NoError(t, e.Batch(ops))

	got, err := e.RangeAsc("users", "", "", 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "a~1", got[0].Key)
	require.Equal(t, "b~1", got[3].Key)

	got, err = e.RangeAsc("users", "a~", "b~", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	got, err = e.RangeAsc("users", "", "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a~1", got[0].Key)
	require.Equal(t, "a~2", got[1].Key)
}

func TestRangeDescOrder(t *testing.T) {
	e := openTest(t)
	for _, k := range []string{"a~1", "a~2", "a~3"} {
		require.NoError(t, e.Put("users", k, []byte(k)))
	}

	got, err := e.RangeDesc("users", "", "", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "a~3", got[0].Key)
	require.Equal(t, "a~1", got[2].Key)

	got, err = e.RangeDesc("users", "", "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a~3", got[0].Key)
	require.Equal(t, "a~2", got[1].Key)
}

func TestClearEmptiesNamespaceOnly(t *testing.T) {
	e := openTest(t)
	require.NoError(t, e.Put("users", "U1", []byte("1")))
	require.NoError(t, e.Put("files", "F1", []byte("1")))

	require.NoError(t, e.Clear("users"))

	_, ok, _ := e.Get("users", "U1")
	require.False(t, ok)
	_, ok, _ = e.Get("files", "F1")
	require.True(t, ok, "Clear must not touch other namespaces")
}
