// Package session provides the opaque key/value store behind the engine's
// session cookies. A Store owns every session; handlers only ever see the
// Session handle attached to their request.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/WhileEndless/rawhttpd/pkg/errors"
)

// Reserved keys the engine stores on every started session so the clearing
// cookie emitted at termination matches the cookie set at start.
const (
	KeyCookiePath   = "$sessionCookiePath"
	KeyCookieSecure = "$sessionCookieSecure"
)

// CookieName is the cookie carrying the session ID.
const CookieName = "rawhttpd.session_id"

// CookieOptions is a bitfield controlling the attributes of the session
// cookie emitted by StartSession.
type CookieOptions uint32

const (
	// CookieHTTPOnly marks the session cookie HttpOnly.
	CookieHTTPOnly CookieOptions = 1 << iota
	// CookieSecure forces the Secure attribute regardless of the request's
	// transport.
	CookieSecure
	// CookieNoSecure strips the Secure attribute even on TLS requests.
	CookieNoSecure
)

// Session is one opaque key/value store identified by the ID placed in the
// session cookie. Safe for use from the single task owning its request;
// the mutex guards against a store enumerating sessions concurrently.
type Session struct {
	id string

	mu     sync.RWMutex
	values map[string]string
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Get returns the value stored under key, or "".
func (s *Session) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Set stores value under key.
func (s *Session) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Delete removes key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

// Keys returns every stored key, reserved ones included.
func (s *Session) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// Store creates, resolves, and destroys sessions. Implementations must be
// safe for concurrent use from many connection tasks.
type Store interface {
	// Create allocates a fresh session with a new unique ID.
	Create() (*Session, error)

	// Open resolves an ID from a session cookie. The second return is false
	// when no such session exists (expired, destroyed, or forged).
	Open(id string) (*Session, bool)

	// Destroy removes the session; subsequent Opens of the same ID fail.
	Destroy(id string) error
}

// MemoryStore keeps sessions in process memory. Suitable for single-node
// deployments and tests; anything distributed brings its own Store.
type MemoryStore struct {
	sessions sync.Map // id -> *Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Create allocates a session keyed by a fresh UUID.
func (m *MemoryStore) Create() (*Session, error) {
	s := &Session{
		id:     uuid.NewString(),
		values: make(map[string]string),
	}
	m.sessions.Store(s.id, s)
	return s, nil
}

// Open resolves id to a live session.
func (m *MemoryStore) Open(id string) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Destroy removes id. Destroying an unknown ID is an error so callers
// notice double-termination bugs.
func (m *MemoryStore) Destroy(id string) error {
	if _, ok := m.sessions.LoadAndDelete(id); !ok {
		return errors.NewValidationError("no session with id " + id)
	}
	return nil
}
