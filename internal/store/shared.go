package store

import (
	"encoding/json"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/keycodec"
	"github.com/api-client/net-store/internal/kv"
)

// SharedEntry indexes a file granted to a user outside their ownership
// tree, so "shared with me" listing doesn't require scanning every file.
type SharedEntry struct {
	TargetKey string   `json:"targetKey"`
	UserKey   string   `json:"userKey"`
	Kind      string   `json:"kind"`
	Parents   []string `json:"parents"`
}

// Shared is the per-user shared-with-me index.
type Shared struct {
	kv *kv.Engine
}

// NewShared builds a Shared store over kvEngine.
func NewShared(kvEngine *kv.Engine) *Shared {
	return &Shared{kv: kvEngine}
}

// Add inserts an entry for userKey~targetKey. Re-adding the same pair
// overwrites it — harmless since the record is a pure index.
func (s *Shared) Add(entry SharedEntry) error {
	key, err := keycodec.SharedKey(entry.UserKey, entry.TargetKey)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming shared key", err)
	}
	raw, err := marshal(entry)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding shared entry", err)
	}
	if err := s.kv.Put(NsShared, key, raw); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting shared entry", err)
	}
	return nil
}

// Remove deletes the entry for userKey~targetKey, if any.
func (s *Shared) Remove(userKey, targetKey string) error {
	key, err := keycodec.SharedKey(userKey, targetKey)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "forming shared key", err)
	}
	if err := s.kv.Delete(NsShared, key); err != nil {
		return apperr.Wrap(apperr.Internal, "removing shared entry", err)
	}
	return nil
}

// ListForUser returns every file shared with userKey.
func (s *Shared) ListForUser(userKey string) ([]SharedEntry, error) {
	prefix := userKey + keycodec.Sep
	rows, err := s.kv.RangeAsc(NsShared, prefix, prefixEnd(prefix), 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scanning shared entries", err)
	}
	out := make([]SharedEntry, 0, len(rows))
	for _, row := range rows {
		var entry SharedEntry
		if err := json.Unmarshal(row.Value, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// prefixEnd returns the lexicographically smallest string greater than
// every string with prefix p, letting RangeAsc's half-open [start, end)
// bound a whole prefix scan.
func prefixEnd(p string) string {
	b := []byte(p)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "" // all 0xff: unbounded above
}
