// Package session implements the dual-layer session map: an authoritative
// persisted KV namespace plus an in-memory cache, kept consistent by
// writing through the cache on every mutation. Mutations to the same sid
// are serialized with a per-sid lock; different sids proceed independently.
package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/api-client/net-store/internal/kv"
	"github.com/api-client/net-store/internal/token"
)

// Namespace is the persisted KV namespace session state lives in.
const Namespace = "sessions"

// Session is the record kept per sid. An unauthenticated session carries
// only State/Nonce (mid OIDC flow); an authenticated one carries Uid.
// Both shapes share one record so a session can be upgraded in place.
type Session struct {
	Authenticated bool   `json:"authenticated"`
	Uid           string `json:"uid,omitempty"`
	State         string `json:"state,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
}

// Store is the process-wide session registry. It is a shared resource: all
// of its exported methods are safe for concurrent use.
type Store struct {
	kv     *kv.Engine
	tokens *token.Manager

	mu    sync.Mutex
	cache map[string]Session
	locks map[string]*sync.Mutex

	stateMu    sync.RWMutex
	stateIndex map[string]string // OIDC state -> sid, in-memory only, never persisted
}

// NewStore builds a Store backed by kvEngine and signing tokens via tokens.
func NewStore(kvEngine *kv.Engine, tokens *token.Manager) *Store {
	return &Store{
		kv:         kvEngine,
		tokens:     tokens,
		cache:      make(map[string]Session),
		locks:      make(map[string]*sync.Mutex),
		stateIndex: make(map[string]string),
	}
}

// lockFor returns the mutex that serializes mutations to sid, creating it on
// first use. The stripe map itself is guarded by s.mu; holding the returned
// lock does not hold s.mu.
func (s *Store) lockFor(sid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sid] = l
	}
	return l
}

// Get returns the session for sid, checking the cache first and falling
// back to the persisted namespace, repopulating the cache on a hit there.
func (s *Store) Get(sid string) (Session, bool, error) {
	l := s.lockFor(sid)
	l.Lock()
	defer l.Unlock()
	return s.getLocked(sid)
}

func (s *Store) getLocked(sid string) (Session, bool, error) {
	s.mu.Lock()
	sess, ok := s.cache[sid]
	s.mu.Unlock()
	if ok {
		return sess, true, nil
	}

	raw, ok, err := s.kv.Get(Namespace, sid)
	if err != nil {
		return Session{}, false, fmt.Errorf("session: reading %q: %w", sid, err)
	}
	if !ok {
		return Session{}, false, nil
	}

	var loaded Session
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return Session{}, false, fmt.Errorf("session: decoding %q: %w", sid, err)
	}

	s.mu.Lock()
	s.cache[sid] = loaded
	s.mu.Unlock()
	return loaded, true, nil
}

// Set writes through: the persisted namespace is updated first, then the
// cache, so a crash between the two never leaves the cache ahead of disk.
func (s *Store) Set(sid string, sess Session) error {
	l := s.lockFor(sid)
	l.Lock()
	defer l.Unlock()
	return s.setLocked(sid, sess)
}

func (s *Store) setLocked(sid string, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encoding %q: %w", sid, err)
	}
	if err := s.kv.Put(Namespace, sid, raw); err != nil {
		return fmt.Errorf("session: persisting %q: %w", sid, err)
	}

	s.mu.Lock()
	s.cache[sid] = sess
	s.mu.Unlock()
	return nil
}

// Delete removes sid from both the cache and the persisted namespace.
func (s *Store) Delete(sid string) error {
	l := s.lockFor(sid)
	l.Lock()
	defer l.Unlock()

	if err := s.kv.Delete(Namespace, sid); err != nil {
		return fmt.Errorf("session: deleting %q: %w", sid, err)
	}
	s.mu.Lock()
	delete(s.cache, sid)
	s.mu.Unlock()
	return nil
}

// GenerateUnauthenticated creates a fresh sid, stores an unauthenticated
// session, signs a token carrying it, and returns the token and sid.
func (s *Store) GenerateUnauthenticated() (signedToken string, sid string, err error) {
	sid = uuid.NewString()
	l := s.lockFor(sid)
	l.Lock()
	defer l.Unlock()

	if err := s.setLocked(sid, Session{Authenticated: false}); err != nil {
		return "", "", err
	}
	signed, err := s.tokens.Issue(sid)
	if err != nil {
		return "", "", fmt.Errorf("session: signing token for %q: %w", sid, err)
	}
	return signed, sid, nil
}

// GenerateAuthenticated upgrades sid (creating it if absent) to an
// authenticated session bound to uid, and re-signs its token.
func (s *Store) GenerateAuthenticated(uid, sid string) (signedToken string, err error) {
	l := s.lockFor(sid)
	l.Lock()
	defer l.Unlock()

	if err := s.setLocked(sid, Session{Authenticated: true, Uid: uid}); err != nil {
		return "", err
	}
	signed, err := s.tokens.Issue(sid)
	if err != nil {
		return "", fmt.Errorf("session: signing token for %q: %w", sid, err)
	}
	return signed, nil
}

// BindState records the OIDC state -> sid mapping for an in-flight login.
// The index is in-memory only; state is short-lived by design.
func (s *Store) BindState(state, sid string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.stateIndex[state] = sid
}

// ResolveState looks up the sid bound to an OIDC state and, if found,
// consumes it — a state value is usable exactly once.
func (s *Store) ResolveState(state string) (sid string, ok bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	sid, ok = s.stateIndex[state]
	if ok {
		delete(s.stateIndex, state)
	}
	return sid, ok
}
