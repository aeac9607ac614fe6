package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services"
)

// Store holds live and recently finished sessions in memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewStore constructs an empty store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		logger:   logging.NewComponentLogger(logger, "session"),
	}
}

// Create registers a new running session. An empty id gets a generated UUID;
// a supplied id must be valid and unused.
func (s *Store) Create(id string, mode recovery.Mode, opts recovery.Options) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !ValidID(id) {
		return nil, services.Wrap(services.ErrValidation, "session", "create", "session id must match [A-Za-z0-9_-]{1,64}", nil)
	}
	if mode == "" {
		mode = recovery.ModeStandard
	}
	sess := &Session{
		ID:        id,
		Mode:      mode,
		Options:   opts,
		CreatedAt: time.Now(),
		outcome:   Outcome{Status: StatusRunning},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, services.Wrap(services.ErrValidation, "session", "create", "session "+id+" already exists", nil)
	}
	s.sessions[id] = sess
	return sess, nil
}

// Get returns the session with id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "session", "get", "session "+id+" not found", nil)
	}
	return sess, nil
}

// List returns every session, newest first.
func (s *Store) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Running returns the sessions that have not finished.
func (s *Store) Running() []*Session {
	var out []*Session
	for _, sess := range s.List() {
		if sess.Running() {
			out = append(out, sess)
		}
	}
	return out
}

// IDs returns the set of known session IDs.
func (s *Store) IDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{}, len(s.sessions))
	for id := range s.sessions {
		ids[id] = struct{}{}
	}
	return ids
}

// CancelAll cancels every running session and returns how many it reached.
func (s *Store) CancelAll() int {
	n := 0
	for _, sess := range s.Running() {
		if sess.Cancel() {
			n++
		}
	}
	return n
}

// Expire forgets sessions that finished more than ttl before now and returns
// them so the caller can delete their artifacts.
func (s *Store) Expire(now time.Time, ttl time.Duration) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*Session
	for id, sess := range s.sessions {
		finished := sess.FinishedAt()
		if finished.IsZero() || now.Sub(finished) < ttl {
			continue
		}
		delete(s.sessions, id)
		expired = append(expired, sess)
	}
	if len(expired) > 0 {
		s.logger.Debug("expired sessions", logging.Int("count", len(expired)))
	}
	return expired
}

// Len returns how many sessions the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
