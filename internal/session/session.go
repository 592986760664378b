// Package session holds the negotiated ad service session.
package session

import (
	"sync"
	"time"
)

// Session is the result of a successful negotiation. It is never mutated
// after publication; renewal replaces it wholesale.
type Session struct {
	Token            string
	BufferFloor      int
	RotationInterval time.Duration
	// Generation increases by one with every published session
	Generation int64
}

// Store holds the current session
type Store struct {
	mu         sync.RWMutex
	current    *Session
	generation int64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{}
}

// Publish replaces the current session and returns the published copy
// stamped with the next generation.
func (s *Store) Publish(token string, floor int, rotation time.Duration) Session {
	if floor < 0 {
		floor = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.current = &Session{
		Token:            token,
		BufferFloor:      floor,
		RotationInterval: rotation,
		Generation:       s.generation,
	}
	return *s.current
}

// Current returns a copy of the current session
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// IsCurrent reports whether generation identifies the published session
func (s *Store) IsCurrent(generation int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil && s.current.Generation == generation
}

