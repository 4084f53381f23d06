package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/api-client/net-store/internal/access"
	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/cursor"
	"github.com/api-client/net-store/internal/events"
	"github.com/api-client/net-store/internal/kv"
	"github.com/api-client/net-store/internal/patch"
)

func newTestFiles(t *testing.T) *Files {
	t.Helper()
	kvEngine, err := kv.Open(filepath.Join(t.TempDir(), "files.db"), Namespaces, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvEngine.Close() })

	key := make([]byte, 32)
	codec, err := cursor.NewCodec(key)
	require.NoError(t, err)

	deps := Deps{KV: kvEngine, Cursor: codec, Bus: events.NewBus(), Patch: patch.New()}
	bin := NewBin(kvEngine)
	shared := NewShared(kvEngine)
	rev := NewRevisions(kvEngine, codec)
	return NewFiles(deps, bin, shared, rev)
}

func TestFilesAddRootGrantsCreatorOwner(t *testing.T) {
	f := newTestFiles(t)

	file, err := f.Add("S1", "Space", json.RawMessage(`{"name":"Space 1"}`), "u1", AddOptions{})
	require.NoError(t, err)
	require.Equal(t, "u1", file.Owner)
	require.Empty(t, file.Parents)

	role, err := f.access.Resolve("u1", "S1")
	require.NoError(t, err)
	require.Equal(t, access.Owner, role)
}

func TestFilesAddDuplicateKeyRejected(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)

	_, err = f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.Error(t, err)
	require.Equal(t, "conflict", string(apperr.KindOf(err)))
}

func TestFilesAddChildInheritsOwnerAndPermissions(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, f.PatchAccess("S1", []AccessOp{{Op: "add", Type: "user", ID: "u2", Role: "reader"}}, "u1"))

	child, err := f.Add("P1", "HttpProject", json.RawMessage(`{"name":"P1"}`), "u1", AddOptions{Parent: "S1"})
	require.NoError(t, err)
	require.Equal(t, "u1", child.Owner)
	require.Equal(t, []string{"S1"}, child.Parents)
	require.Equal(t, len(child.PermissionIDs), 1)

	role, err := f.access.Resolve("u2", "P1")
	require.NoError(t, err)
	require.Equal(t, access.Reader, role, "u2's grant on the parent should carry down to the child")
}

func TestFilesAddChildRequiresWriterOnParent(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, f.PatchAccess("S1", []AccessOp{{Op: "add", Type: "user", ID: "u2", Role: "reader"}}, "u1"))

	_, err = f.Add("P1", "HttpProject", json.RawMessage(`{}`), "u2", AddOptions{Parent: "S1"})
	require.Error(t, err)
	require.Equal(t, "not_authorized", string(apperr.KindOf(err)))
}

func TestFilesAddChildRejectsMissingParent(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("P1", "HttpProject", json.RawMessage(`{}`), "u1", AddOptions{Parent: "nope"})
	require.Error(t, err)
	require.Equal(t, "invalid_input", string(apperr.KindOf(err)))
}

func TestFilesReadMasksMissingAndUnauthorizedAsNotFound(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)

	_, err = f.Read("missing", "u1")
	require.Error(t, err)
	require.Equal(t, "not_found", string(apperr.KindOf(err)))

	_, err = f.Read("S1", "u2")
	require.Error(t, err)
	require.Equal(t, "not_found", string(apperr.KindOf(err)))

	got, err := f.Read("S1", "u1")
	require.NoError(t, err)
	require.Equal(t, "S1", got.Key)
}

func TestFilesListChildrenScopedToParent(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)
	_, err = f.Add("S2", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)
	_, err = f.Add("P1", "HttpProject", json.RawMessage(`{}`), "u1", AddOptions{Parent: "S1"})
	require.NoError(t, err)
	_, err = f.Add("P2", "HttpProject", json.RawMessage(`{}`), "u1", AddOptions{Parent: "S2"})
	require.NoError(t, err)

	page, err := f.List("u1", ListOptions{Parent: "S1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, "P1", page.Data[0].Key)
}

func TestFilesListOwnedAndSharedUnion(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)
	_, err = f.Add("S2", "Space", json.RawMessage(`{}`), "u2", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, f.PatchAccess("S2", []AccessOp{{Op: "add", Type: "user", ID: "u1", Role: "reader"}}, "u2"))

	page, err := f.List("u1", ListOptions{Limit: 10})
	require.NoError(t, err)
	keys := make([]string, 0, len(page.Data))
	for _, file := range page.Data {
		keys = append(keys, file.Key)
	}
	require.ElementsMatch(t, []string{"S1", "S2"}, keys)
}

func TestFilesDeleteIsTombstonedAndHiddenFromReadAndList(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)

	require.NoError(t, f.Delete("S1", "u1"))

	_, err = f.Read("S1", "u1")
	require.Error(t, err)
	require.Equal(t, "not_found", string(apperr.KindOf(err)))

	deleted, err := f.IsDeleted("S1")
	require.NoError(t, err)
	require.True(t, deleted)

	page, err := f.List("u1", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, page.Data)
}

func TestFilesDeleteRequiresOwner(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, f.PatchAccess("S1", []AccessOp{{Op: "add", Type: "user", ID: "u2", Role: "writer"}}, "u1"))

	err = f.Delete("S1", "u2")
	require.Error(t, err)
	require.Equal(t, "not_authorized", string(apperr.KindOf(err)))
}

func TestFilesDeleteHidesDescendants(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)
	_, err = f.Add("P1", "HttpProject", json.RawMessage(`{}`), "u1", AddOptions{Parent: "S1"})
	require.NoError(t, err)

	require.NoError(t, f.Delete("S1", "u1"))

	_, err = f.Read("P1", "u1")
	require.Error(t, err)
	require.Equal(t, "not_found", string(apperr.KindOf(err)))
}

func TestFilesApplyPatchReversible(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("P1", "HttpProject", json.RawMessage(`{"name":"A"}`), "u1", AddOptions{})
	require.NoError(t, err)

	fwd, _ := json.Marshal([]map[string]any{{"op": "replace", "path": "/info/name", "value": "B"}})
	newInfo, reverse, err := f.ApplyPatch("P1", fwd, "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"B"}`, string(newInfo))

	wantReverse, _ := json.Marshal([]map[string]any{{"op": "replace", "path": "/info/name", "value": "A"}})
	require.JSONEq(t, string(wantReverse), string(reverse))

	got, err := f.Read("P1", "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"B"}`, string(got.Info))

	revPage, err := f.rev.List("HttpProject", "P1", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, revPage.Data, 1)
	require.JSONEq(t, string(wantReverse), string(revPage.Data[0].Patch))
}

func TestFilesApplyPatchRejectsImmutablePath(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("P1", "HttpProject", json.RawMessage(`{"name":"A"}`), "u1", AddOptions{})
	require.NoError(t, err)

	fwd, _ := json.Marshal([]map[string]any{{"op": "replace", "path": "/owner", "value": "u2"}})
	_, _, err = f.ApplyPatch("P1", fwd, "u1")
	require.Error(t, err)
}

func TestFilesApplyPatchRequiresWriter(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("P1", "HttpProject", json.RawMessage(`{"name":"A"}`), "u1", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, f.PatchAccess("P1", []AccessOp{{Op: "add", Type: "user", ID: "u2", Role: "reader"}}, "u1"))

	fwd, _ := json.Marshal([]map[string]any{{"op": "replace", "path": "/info/name", "value": "B"}})
	_, _, err = f.ApplyPatch("P1", fwd, "u2")
	require.Error(t, err)
	require.Equal(t, "not_authorized", string(apperr.KindOf(err)))
}

// TestFilesSharingScenario mirrors the sharing walkthrough: an owner grants
// a collaborator reader access; the collaborator gains visibility through
// /shared but still lacks writer access to patch the file directly.
func TestFilesSharingScenario(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("F1", "HttpProject", json.RawMessage(`{"name":"F1"}`), "u1", AddOptions{})
	require.NoError(t, err)

	role, err := f.access.Resolve("u2", "F1")
	require.NoError(t, err)
	require.Equal(t, access.None, role)

	require.NoError(t, f.PatchAccess("F1", []AccessOp{{Op: "add", Type: "user", ID: "u2", Role: "reader"}}, "u1"))

	shared, err := f.shared.ListForUser("u2")
	require.NoError(t, err)
	require.Len(t, shared, 1)
	require.Equal(t, "F1", shared[0].TargetKey)

	page, err := f.List("u2", ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, "F1", page.Data[0].Key)

	fwd, _ := json.Marshal([]map[string]any{{"op": "replace", "path": "/info/name", "value": "changed"}})
	_, _, err = f.ApplyPatch("F1", fwd, "u2")
	require.Error(t, err)
	require.Equal(t, "not_authorized", string(apperr.KindOf(err)))

	require.NoError(t, f.PatchAccess("F1", []AccessOp{{Op: "remove", Type: "user", ID: "u2"}}, "u1"))
	shared, err = f.shared.ListForUser("u2")
	require.NoError(t, err)
	require.Empty(t, shared)

	role, err = f.access.Resolve("u2", "F1")
	require.NoError(t, err)
	require.Equal(t, access.None, role)
}

func TestFilesGrantSkipsSharedEntryWhenAlreadyAccessible(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.Add("S1", "Space", json.RawMessage(`{}`), "u1", AddOptions{})
	require.NoError(t, err)
	require.NoError(t, f.PatchAccess("S1", []AccessOp{{Op: "add", Type: "user", ID: "u2", Role: "writer"}}, "u1"))

	_, err = f.Add("P1", "HttpProject", json.RawMessage(`{}`), "u1", AddOptions{Parent: "S1"})
	require.NoError(t, err)

	// u2 already has writer via the space; an explicit grant on the child
	// should not duplicate a shared-with-me entry for an ancestor they can
	// already see.
	require.NoError(t, f.PatchAccess("P1", []AccessOp{{Op: "add", Type: "user", ID: "u2", Role: "owner"}}, "u1"))

	shared, err := f.shared.ListForUser("u2")
	require.NoError(t, err)
	require.Empty(t, shared)
}

func TestFilesListPaginationExhaustsWithEmptyCursor(t *testing.T) {
	f := newTestFiles(t)
	for i := 0; i < 5; i++ {
		key := "P" + string(rune('0'+i))
		_, err := f.Add(key, "HttpProject", json.RawMessage(`{}`), "u1", AddOptions{})
		require.NoError(t, err)
	}

	var all []string
	cursorTok := ""
	for i := 0; i < 10; i++ {
		page, err := f.List("u1", ListOptions{Limit: 2, Cursor: cursorTok})
		require.NoError(t, err)
		for _, file := range page.Data {
			all = append(all, file.Key)
		}
		if page.Cursor == "" {
			break
		}
		cursorTok = page.Cursor
	}
	require.Len(t, all, 5)
}

