// Package store implements the logical sub-stores that sit on top of the
// KVEngine: Users, Files, ProjectContents, Revisions, History, Bin, Shared,
// and App. Every sub-store owns one or more KVEngine namespaces and follows
// the same shape: a mutating call does its access check, then a single
// atomic batch, then records a revision where applicable, then publishes
// exactly one event.
package store

import (
	"encoding/json"
	"time"

	"github.com/api-client/net-store/internal/access"
	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/cursor"
	"github.com/api-client/net-store/internal/events"
	"github.com/api-client/net-store/internal/kv"
	"github.com/api-client/net-store/internal/patch"
)

// Namespace names, matching the persisted layout exactly.
const (
	NsUsers          = "users"
	NsFiles          = "files"
	NsProjects       = "projects"
	NsRevisions      = "revisions"
	NsBin            = "bin"
	NsShared         = "shared"
	NsPermissions    = "permissions"
	NsApp            = "app"
	NsHistoryData    = "history_data"
	NsHistorySpace   = "history_space"
	NsHistoryProject = "history_project"
	NsHistoryRequest = "history_request"
	NsHistoryApp     = "history_app"
)

// Namespaces lists every namespace the engine must create at open time.
var Namespaces = []string{
	NsUsers, NsFiles, NsProjects, NsRevisions, NsBin, NsShared, NsPermissions, NsApp,
	NsHistoryData, NsHistorySpace, NsHistoryProject, NsHistoryRequest, NsHistoryApp,
	"sessions",
}

// DefaultUser is the singleton account used in single-user mode.
const DefaultUser = "default"

// ListOptions parameterizes every List method across sub-stores.
type ListOptions struct {
	Parent     string
	Since      int64 // unix ms; 0 means unrestricted
	Query      string
	QueryField string
	Limit      int
	Cursor     string // opaque token from a previous page
}

// Page is a generic paginated result.
type Page[T any] struct {
	Data   []T
	Cursor string // empty when there is no further page
}

const defaultLimit = 50

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Deps bundles the components every sub-store is built from.
type Deps struct {
	KV     *kv.Engine
	Cursor *cursor.Codec
	Bus    *events.Bus
	Patch  *patch.Engine
	Access *access.Control
}

func marshal(v any) ([]byte, error) { return json.Marshal(v) }

// rangeAscPaginated scans ns ascending over [prefix, prefixEnd(prefix)),
// resuming after the cursor's sealed last key when supplied, and returns up
// to limit rows. The limit itself is part of the sealed state: once a
// listing is started with a given limit, every later page carries on with
// that same limit from the token alone, even if the caller's own opts.Limit
// changes or is dropped on a later call. A cursor is issued whenever the
// page is non-empty, even a short final page — callers only learn a
// listing is exhausted when a call returns zero rows, which keeps the
// convention uniform across every sub-store regardless of how a particular
// page happened to fill. Revisions.List and History's indexed listings
// share this logic; Files.List and History's per-user listing paginate
// through their own code.
func rangeAscPaginated(kvEngine *kv.Engine, codec *cursor.Codec, ns, prefix string, opts ListOptions) ([]kv.KV, string, error) {
	start := prefix
	limit := opts.Limit
	if opts.Cursor != "" {
		page, err := codec.Decode(opts.Cursor)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.InvalidCursor, "invalid cursor", err)
		}
		if page.Namespace != ns {
			return nil, "", apperr.New(apperr.InvalidCursor, "cursor does not match this listing")
		}
		if page.LastKey != "" {
			start = page.LastKey + "\x00"
		}
		limit = page.Limit
	}

	limit = limitOrDefault(limit)
	rows, err := kvEngine.RangeAsc(ns, start, prefixEnd(prefix), limit)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "scanning "+ns, err)
	}

	var next string
	if len(rows) > 0 {
		tok, err := codec.Encode(cursor.Page{Namespace: ns, LastKey: rows[len(rows)-1].Key, Limit: limit})
		if err != nil {
			return nil, "", apperr.Wrap(apperr.Internal, "encoding cursor", err)
		}
		next = tok
	}
	return rows, next, nil
}
