// Package session implements per-session conversation memory (C12): a
// process-wide, mutex-guarded store of rolling history with TTL eviction
// and pending-decision metadata.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role is a message's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a session's history.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
}

// PendingDecisionType names the kind of decision blocking a session.
type PendingDecisionType string

// PendingDecisionLowConfidence is the only decision type defined by the
// low-confidence protocol (C13).
const PendingDecisionLowConfidence PendingDecisionType = "low_confidence"

// PendingDecision is the typed value stored in a session's metadata when
// a response was blocked by low confidence. It is cleared by a subsequent
// proceed/clarify decision.
type PendingDecision struct {
	Type          PendingDecisionType
	OriginalQuery string
}

const pendingDecisionKey = "pending_decision"

// Session is a single conversation's rolling state.
type Session struct {
	ID           string
	History      []Message
	CreatedAt    time.Time
	LastAccessed time.Time
	Metadata     map[string]any
}

// HasPendingDecision reports whether the session has an unresolved
// low-confidence decision pending.
func (s *Session) HasPendingDecision() (PendingDecision, bool) {
	if s == nil || s.Metadata == nil {
		return PendingDecision{}, false
	}
	pd, ok := s.Metadata[pendingDecisionKey].(PendingDecision)
	return pd, ok
}

// SetPendingDecision stores a PendingDecision in session metadata.
func (s *Session) SetPendingDecision(pd PendingDecision) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[pendingDecisionKey] = pd
}

// ClearPendingDecision removes any pending decision from the session.
func (s *Session) ClearPendingDecision() {
	if s.Metadata != nil {
		delete(s.Metadata, pendingDecisionKey)
	}
}

// Store is a process-wide session store. All mutating and reading
// operations are serialized under a single mutex.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	maxTurns int
}

// New creates a session store with the given idle TTL and per-session
// history cap (2*maxTurns messages).
func New(ttl time.Duration, maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		maxTurns: maxTurns,
	}
}

// CreateSession creates and stores a new session with a freshly generated
// unique id.
func (st *Store) CreateSession() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     make(map[string]any),
	}
	st.sessions[s.ID] = s
	return s
}

// GetSession returns the session for id, refreshing LastAccessed on
// success. Returns (nil, false) if the session does not exist or has
// expired; an expired session is evicted on this access.
func (st *Store) GetSession(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	if st.expiredLocked(s) {
		delete(st.sessions, id)
		return nil, false
	}
	s.LastAccessed = time.Now()
	return s, true
}

func (st *Store) expiredLocked(s *Session) bool {
	if st.ttl <= 0 {
		return false
	}
	return time.Since(s.LastAccessed) > st.ttl
}

// AddMessage appends a message to the session's history, truncating to the
// most recent 2*maxTurns messages on overflow.
func (st *Store) AddMessage(id string, role Role, content string, metadata map[string]string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || st.expiredLocked(s) {
		return false
	}
	s.History = append(s.History, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
	cap := 2 * st.maxTurns
	if len(s.History) > cap {
		s.History = s.History[len(s.History)-cap:]
	}
	s.LastAccessed = time.Now()
	return true
}

// GetHistory returns a copy of the session's message history.
func (st *Store) GetHistory(id string) ([]Message, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || st.expiredLocked(s) {
		return nil, false
	}
	out := make([]Message, len(s.History))
	copy(out, s.History)
	return out, true
}

// GetContextSummary renders the most recent nTurns user/assistant pairs as
// a flat "role: content" transcript for use as a rewrite/generation hint.
func (st *Store) GetContextSummary(id string, nTurns int) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || st.expiredLocked(s) {
		return ""
	}
	n := nTurns * 2
	hist := s.History
	if n > 0 && len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	var b strings.Builder
	for _, m := range hist {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// GetPendingDecision reports whether the session has an unresolved
// low-confidence decision pending. Guarded by the store's mutex, unlike the
// Session accessor of the same shape.
func (st *Store) GetPendingDecision(id string) (PendingDecision, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || st.expiredLocked(s) {
		return PendingDecision{}, false
	}
	return s.HasPendingDecision()
}

// SetPendingDecision stores a PendingDecision in the session's metadata.
func (st *Store) SetPendingDecision(id string, pd PendingDecision) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || st.expiredLocked(s) {
		return false
	}
	s.SetPendingDecision(pd)
	return true
}

// ClearPendingDecision removes any pending decision from the session.
func (st *Store) ClearPendingDecision(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || st.expiredLocked(s) {
		return false
	}
	s.ClearPendingDecision()
	return true
}

// ClearSession removes the session's history (the session itself, and any
// metadata, is retained).
func (st *Store) ClearSession(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		s.History = nil
	}
}

// UpdateMetadata sets a single metadata key on the session.
func (st *Store) UpdateMetadata(id string, key string, value any) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || st.expiredLocked(s) {
		return false
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
	return true
}

// CleanupExpired eagerly evicts every session idle longer than the TTL,
// returning the count removed.
func (st *Store) CleanupExpired() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		if st.expiredLocked(s) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}
