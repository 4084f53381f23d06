// Package kv implements the ordered byte-keyed storage engine every
// sub-store is built on. It wraps go.etcd.io/bbolt, which already provides
// exactly the shape spec'd for KVEngine: a single on-disk file holding
// independent ordered keyspaces ("buckets" here, "namespaces" in the spec),
// with atomic multi-bucket transactions and cursor-based range iteration in
// lexicographic byte order.
package kv

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Engine is the only component in this repository that blocks on disk I/O.
type Engine struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Op is one write in a Batch. A batch may touch any number of namespaces;
// all ops are applied in a single bbolt transaction, so they become visible
// to subsequent reads together or not at all.
type Op struct {
	Namespace string
	Key       string
	Value     []byte // ignored when Delete is true
	Delete    bool
}

// Open opens (creating if absent) the database file at path and ensures
// every namespace in namespaces exists as a top-level bucket. Sub-namespaces
// (e.g. history's data/space/project/request/app) are expressed by the
// caller joining segments with a separator before calling this package —
// see store.NsHistoryData and its siblings for the convention used.
func Open(path string, namespaces []string, logger *zap.Logger) (*Engine, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: opening database at %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range namespaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return fmt.Errorf("kv: creating namespace %q: %w", ns, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Engine{db: db, logger: logger}, nil
}

// Close flushes and closes the underlying database file.
func (e *Engine) Close() error {
	return e.db.Close()
}

// retryable reports whether err is a transient bbolt condition worth
// retrying — a contended file lock (bolt.ErrTimeout) or a database that is
// not open (bolt.ErrDatabaseNotOpen).
func retryable(err error) bool {
	return errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen)
}

// withRetry retries fn up to 3 times with jittered backoff on transient
// errors, per the engine-level retry policy in the error handling design.
// No retry happens above this package — callers see either success or a
// terminal error.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		backoff := time.Duration(attempt+1) * 10 * time.Millisecond
		jitter := time.Duration(rand.Intn(10)) * time.Millisecond
		time.Sleep(backoff + jitter)
	}
	return err
}

// Get reads a single value. ok is false if the key does not exist.
func (e *Engine) Get(ns, key string) (value []byte, ok bool, err error) {
	err = withRetry(func() error {
		return e.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(ns))
			if b == nil {
				return fmt.Errorf("kv: unknown namespace %q", ns)
			}
			v := b.Get([]byte(key))
			if v == nil {
				ok = false
				return nil
			}
			ok = true
			value = append([]byte(nil), v...) // bbolt values are only valid within the transaction
			return nil
		})
	})
	return value, ok, err
}

// Put writes a single key/value pair.
func (e *Engine) Put(ns, key string, value []byte) error {
	return e.Batch([]Op{{Namespace: ns, Key: key, Value: value}})
}

// Delete removes a single key.
func (e *Engine) Delete(ns, key string) error {
	return e.Batch([]Op{{Namespace: ns, Key: key, Delete: true}})
}

// Batch applies every op atomically: either all of them become visible to
// subsequent reads, or none do (e.g. on a mid-batch error the whole
// transaction rolls back).
func (e *Engine) Batch(ops []Op) error {
	start := time.Now()
	err := withRetry(func() error {
		return e.db.Update(func(tx *bolt.Tx) error {
			for _, op := range ops {
				b := tx.Bucket([]byte(op.Namespace))
				if b == nil {
					return fmt.Errorf("kv: unknown namespace %q", op.Namespace)
				}
				if op.Delete {
					if err := b.Delete([]byte(op.Key)); err != nil {
						return err
					}
					continue
				}
				if err := b.Put([]byte(op.Key), op.Value); err != nil {
					return err
				}
			}
			return nil
		})
	})

	elapsed := time.Since(start)
	if e.logger != nil && elapsed > 50*time.Millisecond {
		e.logger.Warn("kv: slow batch",
			zap.Int("ops", len(ops)),
			zap.Duration("elapsed", elapsed),
		)
	}
	return err
}

// Clear deletes every key in a namespace.
func (e *Engine) Clear(ns string) error {
	return withRetry(func() error {
		return e.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket([]byte(ns)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			_, err := tx.CreateBucket([]byte(ns))
			return err
		})
	})
}

// KV is one key/value pair returned by a range scan.
type KV struct {
	Key   string
	Value []byte
}

// RangeAsc returns up to limit key/value pairs in namespace ns, in
// ascending lexicographic key order, restricted to [start, end) when those
// bounds are non-empty. limit <= 0 means unbounded.
func (e *Engine) RangeAsc(ns, start, end string, limit int) ([]KV, error) {
	var out []KV
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("kv: unknown namespace %q", ns)
		}
		c := b.Cursor()
		var k, v []byte
		if start != "" {
			k, v = c.Seek([]byte(start))
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if end != "" && string(k) >= end {
				break
			}
			out = append(out, KV{Key: string(k), Value: append([]byte(nil), v...)})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// RangeDesc is RangeAsc in descending key order. end is exclusive (as in
// RangeAsc) and start is the inclusive upper bound when supplied.
func (e *Engine) RangeDesc(ns, start, end string, limit int) ([]KV, error) {
	var out []KV
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("kv: unknown namespace %q", ns)
		}
		c := b.Cursor()
		var k, v []byte
		if start != "" {
			k, v = c.Seek([]byte(start))
			if k == nil {
				k, v = c.Last()
			} else if string(k) > start {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}
		for ; k != nil; k, v = c.Prev() {
			if end != "" && string(k) <= end {
				break
			}
			out = append(out, KV{Key: string(k), Value: append([]byte(nil), v...)})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
