package conversation

import (
	"sync"
	"time"

	"github.com/flowmesh-dev/conductor/internal/llm"
)

// maxHistoryTurns bounds how many history messages (user and assistant
// messages counted separately, so half as many turns) a session keeps for
// context; beyond this the oldest messages are dropped before the context-
// overflow truncation in internal/llm ever has to run.
const maxHistoryTurns = 20

// SessionStore tracks short-lived per-session conversation history in
// memory, the same shape as ConversationConnectionManager's session map
// in the teacher's original internal/conversation/manager.go, narrowed
// to just the one thing C8 needs: the message history to feed back into
// the next LLM call, rather than a full HTTP request/response handler
// (that surface now belongs to internal/api).
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	mu          sync.Mutex
	history     []llm.Message
	lastActive  time.Time
}

// NewSessionStore returns an empty in-memory store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*session)}
}

// History returns a copy of sessionID's accumulated turns, or nil for an
// unseen session.
func (s *SessionStore) History(sessionID string) []llm.Message {
	if sessionID == "" {
		return nil
	}
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]llm.Message, len(sess.history))
	copy(out, sess.history)
	return out
}

// Append records a user turn and its assistant reply, trimming the
// oldest turns once the session exceeds maxHistoryTurns messages.
func (s *SessionStore) Append(sessionID string, userText, assistantText string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = append(sess.history,
		llm.Message{Role: "user", Content: userText},
		llm.Message{Role: "assistant", Content: assistantText},
	)
	if over := len(sess.history) - maxHistoryTurns; over > 0 {
		sess.history = sess.history[over:]
	}
	sess.lastActive = time.Now()
}

// CleanupExpired removes sessions idle for longer than maxAge, mirroring
// the teacher's CleanupExpiredSessions sweep.
func (s *SessionStore) CleanupExpired(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		expired := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if expired {
			delete(s.sessions, id)
		}
	}
}
