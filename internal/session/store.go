package session

import "sync"

// State is the position of one user's conversation.
type State int

const (
	StateIdle State = iota
	StateAwaitingPrompt
	StateAwaitingClarification
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPrompt:
		return "awaiting_prompt"
	case StateAwaitingClarification:
		return "awaiting_clarification"
	case StateGenerating:
		return "generating"
	default:
		return "unknown"
	}
}

// Session is one user's in-flight conversation. At most one exists per user;
// starting a new flow overwrites the old one, never queues behind it.
//
// Epoch increments whenever a flow is replaced or abandoned, so a generation
// that finishes late can tell that the session has already moved on.
type Session struct {
	State          State
	OriginalPrompt string
	Questions      string
	Epoch          uint64
}

// Store keeps every live session in memory, keyed by user ID.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64]Session
	epochs   map[int64]uint64
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[int64]Session),
		epochs:   make(map[int64]uint64),
	}
}

// Get returns the current session; users without one are Idle.
func (s *Store) Get(userID int64) Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[userID]; ok {
		return sess
	}
	return Session{State: StateIdle, Epoch: s.epochs[userID]}
}

// Begin starts a fresh flow in AwaitingPrompt, discarding whatever was there.
func (s *Store) Begin(userID int64) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch := s.epochs[userID] + 1
	s.epochs[userID] = epoch
	sess := Session{State: StateAwaitingPrompt, Epoch: epoch}
	s.sessions[userID] = sess
	return sess
}

// AwaitClarification captures the prompt and questions, keeping the epoch.
func (s *Store) AwaitClarification(userID int64, prompt, questions string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := Session{
		State:          StateAwaitingClarification,
		OriginalPrompt: prompt,
		Questions:      questions,
		Epoch:          s.epochs[userID],
	}
	s.sessions[userID] = sess
	return sess
}

// StartGenerating moves the flow into Generating, keeping the epoch.
func (s *Store) StartGenerating(userID int64, prompt string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := Session{
		State:          StateGenerating,
		OriginalPrompt: prompt,
		Epoch:          s.epochs[userID],
	}
	s.sessions[userID] = sess
	return sess
}

// Reset abandons the current flow and returns the user to Idle.
func (s *Store) Reset(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch := s.epochs[userID] + 1
	s.epochs[userID] = epoch
	s.sessions[userID] = Session{State: StateIdle, Epoch: epoch}
}

// FinishIfCurrent returns the user to Idle only when the finishing flow is
// still the live one. A stale completion leaves the newer session untouched.
func (s *Store) FinishIfCurrent(userID int64, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[userID] != epoch {
		return false
	}
	next := epoch + 1
	s.epochs[userID] = next
	s.sessions[userID] = Session{State: StateIdle, Epoch: next}
	return true
}
