package store

import (
	"encoding/json"
	"time"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/cursor"
	"github.com/api-client/net-store/internal/keycodec"
	"github.com/api-client/net-store/internal/kv"
)

// HistoryEntry records one logged request/response exchange, optionally
// scoped to a space, project, request, or application.
type HistoryEntry struct {
	Key     string          `json:"key"`
	User    string          `json:"user"`
	Created int64           `json:"created"`
	Log     json.RawMessage `json:"log"`
	Space   string          `json:"space,omitempty"`
	Project string          `json:"project,omitempty"`
	Request string          `json:"request,omitempty"`
	App     string          `json:"app,omitempty"`
}

// History is the append-only request/response log. Every entry is indexed,
// when the corresponding field is set, by space, project, request, or
// application, so a caller can page through "everything that happened to
// this space" without a full scan. There is no per-user index: listing by
// user scans the data namespace.
type History struct {
	kv     *kv.Engine
	cursor *cursor.Codec
}

// NewHistory builds a History store over kvEngine.
func NewHistory(kvEngine *kv.Engine, codec *cursor.Codec) *History {
	return &History{kv: kvEngine, cursor: codec}
}

// Add records entry: one data record plus an index record for each of
// Space, Project, Request, and App that is set, all in a single atomic
// batch so a reader never observes a data record without its indexes.
func (h *History) Add(entry HistoryEntry) error {
	if entry.Created == 0 {
		entry.Created = time.Now().UnixMilli()
	}
	// Fixed-width milliseconds keep lexicographic key order chronological.
	stamp := time.UnixMilli(entry.Created).UTC().Format("2006-01-02T15:04:05.000Z07:00")

	dataKey, err := keycodec.HistoryDataKey(stamp, entry.User)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming history data key", err)
	}
	entry.Key = dataKey

	raw, err := marshal(entry)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding history entry", err)
	}

	ops := []kv.Op{{Namespace: NsHistoryData, Key: dataKey, Value: raw}}
	ops = append(ops, h.indexOps(entry, stamp, dataKey)...)

	if err := h.kv.Batch(ops); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting history entry", err)
	}
	return nil
}

func (h *History) indexOps(entry HistoryEntry, stamp, dataKey string) []kv.Op {
	var ops []kv.Op
	add := func(ns, kind, ownerID string) {
		if ownerID == "" {
			return
		}
		key, err := keycodec.HistoryIndexKey(kind, ownerID, stamp, entry.User)
		if err != nil {
			return
		}
		ops = append(ops, kv.Op{Namespace: ns, Key: key, Value: []byte(dataKey)})
	}
	add(NsHistorySpace, "space", entry.Space)
	add(NsHistoryProject, "project", entry.Project)
	add(NsHistoryRequest, "request", entry.Request)
	add(NsHistoryApp, "app", entry.App)
	return ops
}

// List returns history entries matching kind/id, oldest-first, paginated.
// kind is one of "user", "space", "project", "request", "app"; for "user",
// id is the userKey. opts.Since restricts to entries created at or after
// the given unix-ms timestamp.
func (h *History) List(kind, id string, opts ListOptions) (Page[HistoryEntry], error) {
	switch kind {
	case "user":
		return h.listByUser(id, opts)
	case "space":
		return h.listByIndex(NsHistorySpace, "space", id, opts)
	case "project":
		return h.listByIndex(NsHistoryProject, "project", id, opts)
	case "request":
		return h.listByIndex(NsHistoryRequest, "request", id, opts)
	case "app":
		return h.listByIndex(NsHistoryApp, "app", id, opts)
	default:
		return Page[HistoryEntry]{}, apperr.New(apperr.InvalidInput, "unknown history type "+kind)
	}
}

// listByUser scans the data namespace directly: entries are keyed
// <time>~<userKey>, so there is no per-user prefix to seek on. It widens
// the physical scan window chunk by chunk, filtering by userKey, until a
// full page of matches is found or the namespace is exhausted. A cursor is
// issued as long as any row (matching or not) was physically scanned, so a
// caller only learns it is done when a call turns up nothing at all. limit
// and since are sealed into the cursor alongside the last scanned key, so a
// caller paging with the token alone keeps the same page size and Since
// filter it started the listing with.
func (h *History) listByUser(userKey string, opts ListOptions) (Page[HistoryEntry], error) {
	rawLimit := opts.Limit
	since := opts.Since

	start := ""
	if opts.Cursor != "" {
		page, err := h.cursor.Decode(opts.Cursor)
		if err != nil {
			return Page[HistoryEntry]{}, apperr.Wrap(apperr.InvalidCursor, "invalid cursor", err)
		}
		if page.Namespace != NsHistoryData {
			return Page[HistoryEntry]{}, apperr.New(apperr.InvalidCursor, "cursor does not match this listing")
		}
		if page.LastKey != "" {
			start = page.LastKey + "\x00"
		}
		rawLimit = page.Limit
		since = page.Since
	}
	limit := limitOrDefault(rawLimit)

	var out []HistoryEntry
	var lastScanned string

	for len(out) < limit {
		rows, err := h.kv.RangeAsc(NsHistoryData, start, "", limit)
		if err != nil {
			return Page[HistoryEntry]{}, apperr.Wrap(apperr.Internal, "scanning history", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			lastScanned = row.Key
			var entry HistoryEntry
			if err := json.Unmarshal(row.Value, &entry); err != nil {
				continue
			}
			if entry.User != userKey {
				continue
			}
			if since != 0 && entry.Created < since {
				continue
			}
			out = append(out, entry)
		}
		start = lastScanned + "\x00"
		if len(rows) < limit {
			break // namespace exhausted this round
		}
	}

	var next string
	if lastScanned != "" {
		tok, err := h.cursor.Encode(cursor.Page{Namespace: NsHistoryData, LastKey: lastScanned, Limit: limit, Since: since})
		if err != nil {
			return Page[HistoryEntry]{}, apperr.Wrap(apperr.Internal, "encoding cursor", err)
		}
		next = tok
	}
	return Page[HistoryEntry]{Data: out, Cursor: next}, nil
}

// listByIndex scans an owner-scoped index namespace, dereferencing each
// index entry's data key to the stored HistoryEntry.
func (h *History) listByIndex(ns, kind, ownerID string, opts ListOptions) (Page[HistoryEntry], error) {
	prefix, err := keycodec.Form(kind, ownerID, "")
	if err != nil {
		return Page[HistoryEntry]{}, apperr.Wrap(apperr.Internal, "forming history index prefix", err)
	}

	rows, next, err := rangeAscPaginated(h.kv, h.cursor, ns, prefix, opts)
	if err != nil {
		return Page[HistoryEntry]{}, err
	}

	out := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		dataKey := string(row.Value)
		raw, ok, err := h.kv.Get(NsHistoryData, dataKey)
		if err != nil || !ok {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if opts.Since != 0 && entry.Created < opts.Since {
			continue
		}
		out = append(out, entry)
	}
	return Page[HistoryEntry]{Data: out, Cursor: next}, nil
}
