// Package interact implements the stateful interpreter engine for
// narrative skills: it persists interpreter state between physically
// separate invocations and resumes it under a generation-checked protocol.
package interact

import (
	"context"
	"sync"

	"github.com/relaybot/skillhost/internal/skill"
)

// The three persisted keys of one interactive session.
const (
	KeyState         = "state"
	KeyGeneration    = "generation"
	KeyActiveMessage = "activeMessage"
)

// States persists the interaction keys for a (scope, contextID) pair.
type States interface {
	Get(ctx context.Context, scope skill.Scope, contextID, key string) (value string, ok bool, err error)
	Set(ctx context.Context, scope skill.Scope, contextID, key, value string) error
	Delete(ctx context.Context, scope skill.Scope, contextID string, keys ...string) error
}

// MemoryStates is an in-memory States implementation for tests and
// single-process deployments.
type MemoryStates struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStates creates an empty in-memory store.
func NewMemoryStates() *MemoryStates {
	return &MemoryStates{values: make(map[string]string)}
}

func stateKey(scope skill.Scope, contextID, key string) string {
	return string(scope) + "/" + contextID + "/" + key
}

// Get retrieves one persisted value.
func (s *MemoryStates) Get(_ context.Context, scope skill.Scope, contextID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[stateKey(scope, contextID, key)]
	return v, ok, nil
}

// Set stores one persisted value.
func (s *MemoryStates) Set(_ context.Context, scope skill.Scope, contextID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[stateKey(scope, contextID, key)] = value
	return nil
}

// Delete removes the given keys.
func (s *MemoryStates) Delete(_ context.Context, scope skill.Scope, contextID string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, stateKey(scope, contextID, k))
	}
	return nil
}
