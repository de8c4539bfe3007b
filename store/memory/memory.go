package memory

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/risa-org/mcbridge/session"
)

// DefaultTombstones is how many recently closed session IDs are remembered.
const DefaultTombstones = 4096

// Store is the session registry: a thread-safe map from session ID to the
// live Session. It holds shared references only, a session is removed
// exclusively through Unregister, normally from the session's OnClose hook.
//
// Recently closed IDs are kept in a bounded LRU along with their close
// reason so a late resume can be logged as "closed" rather than "unknown".
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	closed   *lru.Cache[string, string]
}

// New creates an empty registry.
func New() *Store {
	// size is a positive constant, lru.New cannot fail
	closed, _ := lru.New[string, string](DefaultTombstones)
	return &Store{
		sessions: make(map[string]*session.Session),
		closed:   closed,
	}
}

// Register adds a session. IDs are random, so a collision is a bug.
func (s *Store) Register(sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.sessions[sess.ID]; dup {
		return fmt.Errorf("session %s already registered", sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

// Get retrieves a session by ID.
// Satisfies the handshake.SessionStore interface.
func (s *Store) Get(sessionID string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Unregister removes a session and remembers why it went away.
// Removing an unknown ID is a no-op.
func (s *Store) Unregister(sessionID, reason string) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if ok {
		s.closed.Add(sessionID, reason)
	}
}

// ClosedReason reports whether sessionID was recently unregistered and why.
func (s *Store) ClosedReason(sessionID string) (string, bool) {
	return s.closed.Get(sessionID)
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// All returns a snapshot of the live sessions, used at shutdown.
func (s *Store) All() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
