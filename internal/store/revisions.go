package store

import (
	"encoding/json"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/cursor"
	"github.com/api-client/net-store/internal/keycodec"
	"github.com/api-client/net-store/internal/kv"
)

// Modification records who made a change and when.
type Modification struct {
	User string `json:"user"`
	Time int64  `json:"time"`
}

// Revision is a stored reverse patch plus metadata, enabling point-in-time
// recovery. Revisions are append-only and outlive their subject.
type Revision struct {
	Key          string          `json:"key"`
	Kind         string          `json:"kind"`
	ID           string          `json:"id"` // file key the revision belongs to
	Created      int64           `json:"created"`
	Deleted      bool            `json:"deleted,omitempty"`
	Patch        json.RawMessage `json:"patch"`
	Modification Modification    `json:"modification"`
}

// Revisions is the append-only revision log.
type Revisions struct {
	kv     *kv.Engine
	cursor *cursor.Codec
}

// NewRevisions builds a Revisions store over kvEngine, encoding pagination
// tokens with codec.
func NewRevisions(kvEngine *kv.Engine, codec *cursor.Codec) *Revisions {
	return &Revisions{kv: kvEngine, cursor: codec}
}

// Add records a reverse patch for fileKey. Keys are kind~fileKey~invTime so
// an ascending scan over the (kind, fileKey) prefix visits revisions
// newest-first — invTime grows as the real timestamp shrinks.
func (r *Revisions) Add(kind, fileKey string, reversePatch json.RawMessage, user string, deleted bool) error {
	now := nowMillis()
	key, err := keycodec.RevisionKey(kind, fileKey, now)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming revision key", err)
	}
	rev := Revision{
		Key:          key,
		Kind:         kind,
		ID:           fileKey,
		Created:      now,
		Deleted:      deleted,
		Patch:        reversePatch,
		Modification: Modification{User: user, Time: now},
	}
	raw, err := marshal(rev)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding revision", err)
	}
	if err := r.kv.Put(NsRevisions, key, raw); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting revision", err)
	}
	return nil
}

// List returns revisions for kind/fileKey, newest-first, paginated via opts.
func (r *Revisions) List(kind, fileKey string, opts ListOptions) (Page[Revision], error) {
	prefix := keycodec.MustForm(kind, fileKey) + keycodec.Sep

	rows, next, err := rangeAscPaginated(r.kv, r.cursor, NsRevisions, prefix, opts)
	if err != nil {
		return Page[Revision]{}, err
	}

	out := make([]Revision, 0, len(rows))
	for _, row := range rows {
		var rev Revision
		if err := json.Unmarshal(row.Value, &rev); err != nil {
			continue
		}
		out = append(out, rev)
	}
	return Page[Revision]{Data: out, Cursor: next}, nil
}
