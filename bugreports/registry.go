package bugreports

import (
	"sync"
)

// ConversationRegistry tracks at most one active ReportSession per user.
// It's the gate that prevents a user from starting a second conversation
// while one is in flight: TryAcquire atomically checks absence and
// inserts a placeholder, and Release frees the slot on any terminal
// transition.
//
// State is in-memory only; a process restart drops any mid-conversation
// sessions, which is an accepted data-loss boundary.
type ConversationRegistry struct {
	mu       sync.Mutex
	sessions map[string]*ReportSession
}

func NewConversationRegistry() *ConversationRegistry {
	return &ConversationRegistry{
		sessions: map[string]*ReportSession{},
	}
}

// TryAcquire reserves the slot for the given user. It returns false if a
// conversation is already active (or being set up) for that user.
func (r *ConversationRegistry) TryAcquire(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; ok {
		return false
	}
	// nil placeholder until the collector attaches the session
	r.sessions[userID] = nil
	return true
}

// Attach associates the session with an already-acquired slot. Attaching
// without a prior TryAcquire is a programming error, but is tolerated.
func (r *ConversationRegistry) Attach(userID string, sess *ReportSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = sess
}

// Get returns the active session for the user, or nil if there is none
// (or the slot is still a placeholder).
func (r *ConversationRegistry) Get(userID string) *ReportSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// Release frees the user's slot. Releasing an absent key is a no-op.
func (r *ConversationRegistry) Release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// Len returns the number of reserved slots (including placeholders).
func (r *ConversationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
