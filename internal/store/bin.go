package store

import (
	"encoding/json"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/keycodec"
	"github.com/api-client/net-store/internal/kv"
)

// BinEntry marks a soft-deleted entity. Bin entries are permanent —
// nothing ever removes them, even if the underlying entity key is reused
// (reuse of a soft-deleted key is itself rejected by Files.Add).
type BinEntry struct {
	Key         string `json:"key"`
	DeletedTime int64  `json:"deletedTime"`
	DeletedBy   string `json:"deletedBy,omitempty"`
}

// Bin is the soft-delete index, queried to short-circuit reads of
// tombstoned entities without touching the entity's own record.
type Bin struct {
	kv *kv.Engine
}

// NewBin builds a Bin store over kvEngine.
func NewBin(kvEngine *kv.Engine) *Bin {
	return &Bin{kv: kvEngine}
}

// Add records a tombstone for kind/ids, keyed del~<kind>~<id1>[~<id2>...].
func (b *Bin) Add(kind string, deletedBy string, ids ...string) error {
	key, err := keycodec.DeletedKey(kind, ids...)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming bin key", err)
	}
	entry := BinEntry{Key: key, DeletedTime: nowMillis(), DeletedBy: deletedBy}
	raw, err := marshal(entry)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding bin entry", err)
	}
	if err := b.kv.Put(NsBin, key, raw); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting bin entry", err)
	}
	return nil
}

// IsDeleted reports whether kind/ids has a bin tombstone.
func (b *Bin) IsDeleted(kind string, ids ...string) (bool, error) {
	key, err := keycodec.DeletedKey(kind, ids...)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "forming bin key", err)
	}
	_, ok, err := b.kv.Get(NsBin, key)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "reading bin entry", err)
	}
	return ok, nil
}

// Get returns the tombstone record for kind/ids, if any.
func (b *Bin) Get(kind string, ids ...string) (BinEntry, bool, error) {
	key, err := keycodec.DeletedKey(kind, ids...)
	if err != nil {
		return BinEntry{}, false, apperr.Wrap(apperr.Internal, "forming bin key", err)
	}
	raw, ok, err := b.kv.Get(NsBin, key)
	if err != nil || !ok {
		return BinEntry{}, false, err
	}
	var entry BinEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return BinEntry{}, false, apperr.Wrap(apperr.Internal, "decoding bin entry", err)
	}
	return entry, true, nil
}
