// Package keycodec builds and parses the composite byte keys stored in the
// KVEngine. Keys are ASCII with "~" reserved as the component separator —
// no component may contain it. Components are expected to already be
// URL-safe (ids, RFC3339 timestamps, zero-padded integers); callers that
// hold arbitrary user text must base64-encode it before forming a key.
//
// Key shapes, per component (see spec §4.1):
//
//	deleted marker:   del~<kind>~<id1>[~<id2>...]
//	history data:     <ISO8601-time>~<userKey>
//	history index:    <kind>~<ownerId>~<time>~<userKey>   (value is the data key)
//	revision:         <kind>~<fileKey>~<invTime>
//	shared index:     <userKey>~<fileKey>
package keycodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sep is the reserved component separator.
const Sep = "~"

// ErrInvalidComponent is returned by Form when a component contains Sep.
var ErrInvalidComponent = errors.New("keycodec: component contains reserved separator")

// Form joins components into a single composite key. It fails deterministically
// if any component contains Sep, so a formed key can always be split back into
// the same components by Parse.
func Form(components ...string) (string, error) {
	for _, c := range components {
		if strings.Contains(c, Sep) {
			return "", fmt.Errorf("%w: %q", ErrInvalidComponent, c)
		}
	}
	return strings.Join(components, Sep), nil
}

// MustForm panics if Form fails. Only use it for known-safe internal
// components (e.g. constant "del" prefixes).
func MustForm(components ...string) string {
	k, err := Form(components...)
	if err != nil {
		panic(err)
	}
	return k
}

// Parse splits a composite key back into its components.
func Parse(key string) []string {
	return strings.Split(key, Sep)
}

// DeletedPrefix is the constant first component of a Bin entry key.
const DeletedPrefix = "del"

// DeletedKey forms a Bin marker key: del~<kind>~<id1>[~<id2>...].
func DeletedKey(kind string, ids ...string) (string, error) {
	return Form(append([]string{DeletedPrefix, kind}, ids...)...)
}

// maxSafeInt is 2^53 - 1, the largest integer exactly representable as an
// IEEE-754 double — chosen so inverted timestamps remain comparable with
// clients that parse keys as JS numbers.
const maxSafeInt = (int64(1) << 53) - 1

// invertedWidth is wide enough to hold maxSafeInt in decimal, zero-padded so
// lexicographic byte order matches numeric order.
const invertedWidth = 16

// InvertTime maps a Unix-millisecond timestamp to a zero-padded decimal
// string such that a lexicographic ascending scan of InvertTime(t) visits
// timestamps newest-first.
func InvertTime(unixMs int64) string {
	inv := maxSafeInt - unixMs
	return fmt.Sprintf("%0*d", invertedWidth, inv)
}

// RevertTime is the inverse of InvertTime.
func RevertTime(inverted string) (int64, error) {
	inv, err := strconv.ParseInt(inverted, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("keycodec: parsing inverted time: %w", err)
	}
	return maxSafeInt - inv, nil
}

// RevisionKey forms kind~fileKey~invTime.
func RevisionKey(kind, fileKey string, unixMs int64) (string, error) {
	return Form(kind, fileKey, InvertTime(unixMs))
}

// HistoryDataKey forms <ISO8601-time>~<userKey>.
func HistoryDataKey(timeRFC3339 string, userKey string) (string, error) {
	return Form(timeRFC3339, userKey)
}

// HistoryIndexKey forms <kind>~<ownerId>~<time>~<userKey>.
func HistoryIndexKey(kind, ownerID, timeRFC3339, userKey string) (string, error) {
	return Form(kind, ownerID, timeRFC3339, userKey)
}

// SharedKey forms <userKey>~<fileKey>.
func SharedKey(userKey, fileKey string) (string, error) {
	return Form(userKey, fileKey)
}
