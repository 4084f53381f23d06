package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/api-client/net-store/internal/access"
	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/cursor"
	"github.com/api-client/net-store/internal/events"
	"github.com/api-client/net-store/internal/keycodec"
	"github.com/api-client/net-store/internal/kv"
	"github.com/api-client/net-store/internal/patch"
)

// filesListNamespace tags cursor tokens issued by Files.List so a token
// from one listing can't be replayed against another.
const filesListNamespace = "files-list"

// fileImmutablePaths are the JSON Pointer prefixes ApplyPatch refuses to
// touch: identity, ownership, tree shape, and the soft-delete flag are all
// changed through their own dedicated operations, never a generic patch.
var fileImmutablePaths = []string{"/_deleted", "/key", "/kind", "/owner", "/parents"}

// File is one node of the tree: a Space (root), Folder, or leaf kind such
// as HttpProject. Info carries kind-specific metadata (e.g. a display
// name); the patchable surface of a file is entirely inside Info.
type File struct {
	Key           string          `json:"key"`
	Kind          string          `json:"kind"`
	Parents       []string        `json:"parents,omitempty"` // root-first, nearest-parent-last
	Owner         string          `json:"owner"`
	PermissionIDs []string        `json:"permissionIds,omitempty"`
	Info          json.RawMessage `json:"info,omitempty"`
	Created       int64           `json:"created"`
	Updated       int64           `json:"updated"`
	Deleted       bool            `json:"_deleted,omitempty"`
}

// Permission grants type (user/group/anyone) a role on the file it is
// attached to, as referenced by File.PermissionIDs.
type Permission struct {
	Key            string     `json:"key"`
	Type           string     `json:"type"` // user|group|anyone
	Role           string     `json:"role"` // reader|commenter|writer|owner
	AddingUser     string     `json:"addingUser"`
	UserID         string     `json:"owner,omitempty"` // grantee id, set when Type=="user"
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
}

// AccessOp is one entry of the non-JSON-Patch operation list PatchAccess
// accepts: grant or revoke a role for a user/group/anyone.
type AccessOp struct {
	Op   string `json:"op"` // "add" | "remove"
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
}

// AddOptions parameterizes Files.Add.
type AddOptions struct {
	Parent string // empty creates a root (Space)
}

// Files is the tree-structured store backing the workspace hierarchy.
type Files struct {
	kv     *kv.Engine
	cursor *cursor.Codec
	bus    *events.Bus
	patch  *patch.Engine
	access *access.Control
	bin    *Bin
	shared *Shared
	rev    *Revisions
}

// NewFiles builds a Files store from deps plus the sibling sub-stores it
// coordinates with (Bin for tombstones, Shared for the cross-tree grant
// index, Revisions for reverse patches).
func NewFiles(deps Deps, bin *Bin, shared *Shared, rev *Revisions) *Files {
	f := &Files{
		kv:     deps.KV,
		cursor: deps.Cursor,
		bus:    deps.Bus,
		patch:  deps.Patch,
		bin:    bin,
		shared: shared,
		rev:    rev,
	}
	f.access = access.New(f)
	return f
}

// Access returns the AccessControl resolving roles against this store.
func (f *Files) Access() *access.Control { return f.access }

func (f *Files) get(key string) (File, bool, error) {
	raw, ok, err := f.kv.Get(NsFiles, key)
	if err != nil {
		return File{}, false, apperr.Wrap(apperr.Internal, "reading file", err)
	}
	if !ok {
		return File{}, false, nil
	}
	var file File
	if err := json.Unmarshal(raw, &file); err != nil {
		return File{}, false, apperr.Wrap(apperr.Internal, "decoding file", err)
	}
	return file, true, nil
}

// GetFile implements access.Lookup.
func (f *Files) GetFile(key string) (access.FileRef, []string, bool, error) {
	file, ok, err := f.get(key)
	if err != nil || !ok {
		return access.FileRef{}, nil, ok, err
	}
	ref := access.FileRef{Key: file.Key, Owner: file.Owner, PermissionIDs: file.PermissionIDs}
	return ref, file.Parents, true, nil
}

// GetPermissions implements access.Lookup.
func (f *Files) GetPermissions(ids []string) ([]access.Permission, error) {
	out := make([]access.Permission, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := f.kv.Get(NsPermissions, id)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "reading permission", err)
		}
		if !ok {
			continue
		}
		var p Permission
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		out = append(out, access.Permission{
			Type:           p.Type,
			Role:           access.ParseRole(p.Role),
			UserID:         p.UserID,
			ExpirationTime: p.ExpirationTime,
		})
	}
	return out, nil
}

// anyAncestorDeleted reports whether key or any of its ancestors carries a
// Bin tombstone, per the "a file with any ancestor soft-deleted is
// considered deleted" invariant.
func (f *Files) anyAncestorDeleted(file File) (bool, error) {
	chain := append(append([]string{}, file.Parents...), file.Key)
	for _, k := range chain {
		deleted, err := f.bin.IsDeleted("File", k)
		if err != nil {
			return false, err
		}
		if deleted {
			return true, nil
		}
	}
	return false, nil
}

// IsDeleted reports whether key itself (not its ancestors) carries a Bin
// tombstone.
func (f *Files) IsDeleted(key string) (bool, error) {
	return f.bin.IsDeleted("File", key)
}

// Authorize reports whether user holds at least required on key, with the
// same existence/tombstone/role checks Read and ApplyPatch each inline.
// Sibling stores that keep their own record for a file (ProjectContents,
// Revisions) but don't own the File record itself call this before touching
// their own record, so authorization mirrors what Files itself enforces.
func (f *Files) Authorize(key, user string, required access.Role) error {
	file, ok, err := f.get(key)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, "file not found")
	}
	if deleted, err := f.anyAncestorDeleted(file); err != nil {
		return err
	} else if deleted {
		return apperr.New(apperr.NotFound, "file not found")
	}
	if ok, _, err := f.access.Check(user, key, required); err != nil {
		return err
	} else if !ok {
		return apperr.New(apperr.NotAuthorized, "insufficient access")
	}
	return nil
}

// ListAccess returns the permission records attached to key. Requires owner.
func (f *Files) ListAccess(key, user string) ([]Permission, error) {
	file, ok, err := f.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.NotFound, "file not found")
	}
	if ok, _, err := f.access.Check(user, key, access.Owner); err != nil {
		return nil, err
	} else if !ok {
		return nil, apperr.New(apperr.NotAuthorized, "owner access required")
	}

	out := make([]Permission, 0, len(file.PermissionIDs))
	for _, id := range file.PermissionIDs {
		raw, ok, err := f.kv.Get(NsPermissions, id)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "reading permission", err)
		}
		if !ok {
			continue
		}
		var p Permission
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Add creates a new file. It refuses when key already exists, validates
// and copies down the parent chain when opts.Parent is set (requiring
// writer access on the parent), and grants the creator owner on a root
// file that inherits no ownership.
func (f *Files) Add(key string, kind string, info json.RawMessage, user string, opts AddOptions) (File, error) {
	if _, exists, err := f.get(key); err != nil {
		return File{}, err
	} else if exists {
		return File{}, apperr.New(apperr.Conflict, "file key already exists")
	}

	now := nowMillis()
	file := File{Key: key, Kind: kind, Info: info, Owner: user, Created: now, Updated: now}

	if opts.Parent != "" {
		parent, ok, err := f.get(opts.Parent)
		if err != nil {
			return File{}, err
		}
		if !ok {
			return File{}, apperr.New(apperr.InvalidInput, "parent does not exist")
		}
		if deleted, err := f.anyAncestorDeleted(parent); err != nil {
			return File{}, err
		} else if deleted {
			return File{}, apperr.New(apperr.InvalidInput, "parent is deleted")
		}
		if ok, _, err := f.access.Check(user, opts.Parent, access.Writer); err != nil {
			return File{}, err
		} else if !ok {
			return File{}, apperr.New(apperr.NotAuthorized, "writer access required on parent")
		}
		file.Parents = append(append([]string{}, parent.Parents...), opts.Parent)
		file.Owner = parent.Owner
		file.PermissionIDs = append([]string{}, parent.PermissionIDs...)
	}

	raw, err := marshal(file)
	if err != nil {
		return File{}, apperr.Wrap(apperr.Internal, "encoding file", err)
	}
	if err := f.kv.Put(NsFiles, key, raw); err != nil {
		return File{}, apperr.Wrap(apperr.Internal, "persisting file", err)
	}

	// Collection subscribers on /files receive this by prefix match.
	f.bus.Notify(events.Event{Type: "event", Operation: events.Created, Kind: kind, ID: key, Data: file},
		events.Filter{URL: "/files/" + key})

	return file, nil
}

// Read returns the file iff user holds at least Reader and no ancestor
// (including the file itself) is tombstoned. Missing and unauthorized are
// both reported as NotFound, masking existence.
func (f *Files) Read(key string, user string) (File, error) {
	file, ok, err := f.get(key)
	if err != nil {
		return File{}, err
	}
	if !ok {
		return File{}, apperr.New(apperr.NotFound, "file not found")
	}
	if deleted, err := f.anyAncestorDeleted(file); err != nil {
		return File{}, err
	} else if deleted {
		return File{}, apperr.New(apperr.NotFound, "file not found")
	}
	if ok, _, err := f.access.Check(user, key, access.Reader); err != nil {
		return File{}, err
	} else if !ok {
		return File{}, apperr.New(apperr.NotFound, "file not found")
	}
	return file, nil
}

// List returns files visible to user: children of opts.Parent when set
// (authorization checked once against the parent — every child inherits at
// least that role by the access monotonicity invariant), otherwise the
// union of files owned by user and the roots indexed in Shared. When
// opts.Cursor is set, the list state sealed inside it (parent, since,
// query, queryField, limit) takes over from whatever opts itself carries,
// so a caller that pages using only the cursor still sees a consistent
// listing.
func (f *Files) List(user string, opts ListOptions) (Page[File], error) {
	opts, err := f.resolveListOptions(opts)
	if err != nil {
		return Page[File]{}, err
	}

	if opts.Parent != "" {
		if ok, _, err := f.access.Check(user, opts.Parent, access.Reader); err != nil {
			return Page[File]{}, err
		} else if !ok {
			return Page[File]{}, apperr.New(apperr.NotFound, "file not found")
		}
		return f.listChildren(opts.Parent, opts)
	}
	return f.listOwnedAndShared(user, opts)
}

// resolveListOptions restores the list state sealed in opts.Cursor (parent,
// since, query, queryField, limit). On a first call (no cursor yet), opts
// is returned unchanged — the sealed state only exists once a page has
// been issued.
func (f *Files) resolveListOptions(opts ListOptions) (ListOptions, error) {
	if opts.Cursor == "" {
		return opts, nil
	}
	page, err := f.cursor.Decode(opts.Cursor)
	if err != nil {
		return ListOptions{}, apperr.Wrap(apperr.InvalidCursor, "invalid cursor", err)
	}
	if page.Namespace != filesListNamespace {
		return ListOptions{}, apperr.New(apperr.InvalidCursor, "cursor does not match this listing")
	}
	return ListOptions{
		Parent:     page.Parent,
		Since:      page.Since,
		Query:      page.Query,
		QueryField: page.QueryField,
		Limit:      page.Limit,
		Cursor:     opts.Cursor,
	}, nil
}

// listChildren scans the whole Files namespace for entries naming parent
// as their nearest ancestor. There is no parent-indexed namespace among
// those declared in store.go, so this is a full scan,
// acceptable at the scale this store targets.
func (f *Files) listChildren(parent string, opts ListOptions) (Page[File], error) {
	rows, err := f.kv.RangeAsc(NsFiles, "", "", 0)
	if err != nil {
		return Page[File]{}, apperr.Wrap(apperr.Internal, "scanning files", err)
	}
	var out []File
	for _, row := range rows {
		var file File
		if err := json.Unmarshal(row.Value, &file); err != nil {
			continue
		}
		if file.Deleted || !isImmediateChild(file, parent) {
			continue
		}
		if opts.Since != 0 && file.Updated < opts.Since {
			continue
		}
		out = append(out, file)
	}
	return f.paginateFiles(out, opts)
}

func isImmediateChild(file File, parent string) bool {
	return len(file.Parents) > 0 && file.Parents[len(file.Parents)-1] == parent
}

// listOwnedAndShared unions files user owns at the root (no parent) with
// the files indexed for user in Shared.
func (f *Files) listOwnedAndShared(user string, opts ListOptions) (Page[File], error) {
	rows, err := f.kv.RangeAsc(NsFiles, "", "", 0)
	if err != nil {
		return Page[File]{}, apperr.Wrap(apperr.Internal, "scanning files", err)
	}
	var out []File
	for _, row := range rows {
		var file File
		if err := json.Unmarshal(row.Value, &file); err != nil {
			continue
		}
		if file.Deleted || len(file.Parents) > 0 || file.Owner != user {
			continue
		}
		if opts.Since != 0 && file.Updated < opts.Since {
			continue
		}
		out = append(out, file)
	}

	shared, err := f.shared.ListForUser(user)
	if err != nil {
		return Page[File]{}, err
	}
	for _, entry := range shared {
		file, ok, err := f.get(entry.TargetKey)
		if err != nil || !ok || file.Deleted {
			continue
		}
		if opts.Since != 0 && file.Updated < opts.Since {
			continue
		}
		out = append(out, file)
	}

	return f.paginateFiles(out, opts)
}

// paginateFiles drops files that are themselves or through an ancestor
// tombstoned, sorts the rest by key ascending, and slices out the page
// opts.Cursor asks for. Unlike the KVEngine-backed listings,
// the candidate set here is already materialized (it comes from a union or
// a filtered scan), so pagination is plain slicing rather than a fresh
// range query — the cursor still carries just the last returned key, for a
// uniform token shape across every listing in this package.
func (f *Files) paginateFiles(files []File, opts ListOptions) (Page[File], error) {
	visible := files[:0]
	for _, file := range files {
		deleted, err := f.anyAncestorDeleted(file)
		if err != nil {
			return Page[File]{}, err
		}
		if !deleted {
			visible = append(visible, file)
		}
	}
	files = visible
	sortFilesByKey(files)

	start := ""
	if opts.Cursor != "" {
		page, err := f.cursor.Decode(opts.Cursor)
		if err != nil {
			return Page[File]{}, apperr.Wrap(apperr.InvalidCursor, "invalid cursor", err)
		}
		if page.Namespace != filesListNamespace {
			return Page[File]{}, apperr.New(apperr.InvalidCursor, "cursor does not match this listing")
		}
		start = page.LastKey
	}

	limit := limitOrDefault(opts.Limit)
	var page []File
	for _, file := range files {
		if start != "" && file.Key <= start {
			continue
		}
		page = append(page, file)
		if len(page) >= limit {
			break
		}
	}

	var next string
	if len(page) > 0 {
		tok, err := f.cursor.Encode(cursor.Page{
			Namespace:  filesListNamespace,
			LastKey:    page[len(page)-1].Key,
			Limit:      opts.Limit,
			Parent:     opts.Parent,
			Since:      opts.Since,
			Query:      opts.Query,
			QueryField: opts.QueryField,
		})
		if err != nil {
			return Page[File]{}, apperr.Wrap(apperr.Internal, "encoding cursor", err)
		}
		next = tok
	}
	return Page[File]{Data: page, Cursor: next}, nil
}

func sortFilesByKey(files []File) {
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && files[j-1].Key > files[j].Key; j-- {
			files[j-1], files[j] = files[j], files[j-1]
		}
	}
}

// Delete soft-deletes the subtree rooted at key: requires owner, sets
// _deleted on key itself, adds a Bin tombstone, and emits one deleted
// event on the file's own URL (collection subscribers receive it by prefix
// match). Descendants are not rewritten — their deletion is inferred from
// the ancestor chain by Read, List, and Authorize; IsDeleted reports only
// key's own tombstone.
func (f *Files) Delete(key string, user string) error {
	file, ok, err := f.get(key)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, "file not found")
	}
	if ok, _, err := f.access.Check(user, key, access.Owner); err != nil {
		return err
	} else if !ok {
		return apperr.New(apperr.NotAuthorized, "owner access required")
	}

	file.Deleted = true
	file.Updated = nowMillis()
	raw, err := marshal(file)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding file", err)
	}

	binKey, err := keycodec.DeletedKey("File", key)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming bin key", err)
	}
	binEntry := BinEntry{Key: binKey, DeletedTime: file.Updated, DeletedBy: user}
	binRaw, err := marshal(binEntry)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding bin entry", err)
	}

	ops := []kv.Op{
		{Namespace: NsFiles, Key: key, Value: raw},
		{Namespace: NsBin, Key: binKey, Value: binRaw},
	}
	if err := f.kv.Batch(ops); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting delete", err)
	}

	f.bus.Notify(events.Event{Type: "event", Operation: events.Deleted, Kind: file.Kind, ID: key},
		events.Filter{URL: "/files/" + key})
	return nil
}

// ApplyPatch applies rawPatch to the file document, requiring writer
// access, rejecting any operation that touches an immutable path, and
// persisting the reverse patch to Revisions. It returns the new Info and
// the reverse patch.
func (f *Files) ApplyPatch(key string, rawPatch []byte, user string) (newInfo, reverse []byte, err error) {
	file, ok, err := f.get(key)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "file not found")
	}
	if ok, _, err := f.access.Check(user, key, access.Writer); err != nil {
		return nil, nil, err
	} else if !ok {
		return nil, nil, apperr.New(apperr.NotAuthorized, "writer access required")
	}

	docBytes, err := marshal(file)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "encoding file", err)
	}

	newDoc, inv, err := f.patch.Apply(docBytes, rawPatch, fileImmutablePaths)
	if err != nil {
		return nil, nil, err
	}

	var updated File
	if err := json.Unmarshal(newDoc, &updated); err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "decoding patched file", err)
	}
	updated.Updated = nowMillis()

	raw, err := marshal(updated)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "encoding file", err)
	}
	if err := f.kv.Put(NsFiles, key, raw); err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "persisting file", err)
	}

	if err := f.rev.Add(updated.Kind, key, inv, user, false); err != nil {
		return nil, nil, err
	}

	var forward patch.Patch
	_ = json.Unmarshal(rawPatch, &forward)
	f.bus.Notify(events.Event{Type: "event", Operation: events.Patch, Kind: updated.Kind, ID: key, Data: forward},
		events.Filter{URL: "/files/" + key})

	return updated.Info, inv, nil
}

// PatchAccess applies a list of grant/revoke operations. Requires owner.
// A grant that targets a user with no access through the ancestor chain
// also indexes the file in Shared for that user; a revoke always clears
// any matching Shared entry.
func (f *Files) PatchAccess(key string, ops []AccessOp, actingUser string) error {
	file, ok, err := f.get(key)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, "file not found")
	}
	if ok, _, err := f.access.Check(actingUser, key, access.Owner); err != nil {
		return err
	} else if !ok {
		return apperr.New(apperr.NotAuthorized, "owner access required")
	}

	for _, op := range ops {
		switch op.Op {
		case "add":
			if err := f.grantAccess(&file, op, actingUser); err != nil {
				return err
			}
		case "remove":
			if err := f.revokeAccess(&file, op); err != nil {
				return err
			}
		default:
			return apperr.New(apperr.InvalidInput, "unknown access op "+op.Op)
		}
	}

	file.Updated = nowMillis()
	raw, err := marshal(file)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding file", err)
	}
	if err := f.kv.Put(NsFiles, key, raw); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting file", err)
	}

	f.bus.Notify(events.Event{Type: "event", Operation: events.AccessChange, Kind: file.Kind, ID: key},
		events.Filter{URL: "/files/" + key})
	return nil
}

func (f *Files) grantAccess(file *File, op AccessOp, actingUser string) error {
	hadAccessBefore := access.None
	if op.Type == "user" && op.ID != "" {
		role, err := f.access.Resolve(op.ID, file.Key)
		if err != nil {
			return err
		}
		hadAccessBefore = role
	}

	perm := Permission{
		Key:        uuid.NewString(),
		Type:       op.Type,
		Role:       op.Role,
		AddingUser: actingUser,
		UserID:     op.ID,
	}
	raw, err := marshal(perm)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding permission", err)
	}
	if err := f.kv.Put(NsPermissions, perm.Key, raw); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting permission", err)
	}
	file.PermissionIDs = append(file.PermissionIDs, perm.Key)

	if op.Type == "user" && op.ID != "" && hadAccessBefore == access.None {
		entry := SharedEntry{TargetKey: file.Key, UserKey: op.ID, Kind: file.Kind, Parents: file.Parents}
		if err := f.shared.Add(entry); err != nil {
			return err
		}
	}
	return nil
}

func (f *Files) revokeAccess(file *File, op AccessOp) error {
	var keep []string
	for _, id := range file.PermissionIDs {
		raw, ok, err := f.kv.Get(NsPermissions, id)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "reading permission", err)
		}
		if !ok {
			continue
		}
		var p Permission
		if err := json.Unmarshal(raw, &p); err != nil {
			keep = append(keep, id)
			continue
		}
		matches := p.Type == op.Type && (op.Type != "user" || p.UserID == op.ID)
		if matches {
			if err := f.kv.Delete(NsPermissions, id); err != nil {
				return apperr.Wrap(apperr.Internal, "deleting permission", err)
			}
			continue
		}
		keep = append(keep, id)
	}
	file.PermissionIDs = keep

	if op.Type == "user" && op.ID != "" {
		if err := f.shared.Remove(op.ID, file.Key); err != nil {
			return err
		}
	}
	return nil
}

