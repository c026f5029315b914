package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const stateTTL = 10 * time.Minute

// stateStore remembers per-flow CSRF state values between Initiate and
// the provider callback. States are single use and expire after stateTTL.
type stateStore struct {
	mu     sync.Mutex
	states map[string]stateEntry
	now    func() time.Time
}

type stateEntry struct {
	provider  string
	expiresAt time.Time
}

func newStateStore() *stateStore {
	return &stateStore{
		states: make(map[string]stateEntry),
		now:    time.Now,
	}
}

// Issue mints a new state value bound to provider.
func (s *stateStore) Issue(provider string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.states[state] = stateEntry{provider: provider, expiresAt: s.now().Add(stateTTL)}
	return state, nil
}

// Consume checks and removes a state. It reports false for unknown,
// expired, or wrong-provider states; a second Consume of the same state
// always fails.
func (s *stateStore) Consume(state, provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return entry.provider == provider && s.now().Before(entry.expiresAt)
}

// prune drops expired entries; called with the lock held.
func (s *stateStore) prune() {
	now := s.now()
	for state, entry := range s.states {
		if now.After(entry.expiresAt) {
			delete(s.states, state)
		}
	}
}
