// Package memory provides in-memory storage implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// StateStore keeps pipeline state and artifacts in process memory.
type StateStore struct {
	mu        sync.RWMutex
	states    map[string]research.PipelineState
	artifacts map[string]research.Artifact
}

// NewStateStore constructs a StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		states:    make(map[string]research.PipelineState),
		artifacts: make(map[string]research.Artifact),
	}
}

// SaveState stores a deep copy of the state keyed by query ID.
func (s *StateStore) SaveState(_ context.Context, state research.PipelineState) error {
	if state.QueryID == "" {
		return fmt.Errorf("query id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.QueryID] = state.Clone()
	return nil
}

// LoadState fetches a state by query ID.
func (s *StateStore) LoadState(_ context.Context, queryID string) (research.PipelineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[queryID]
	if !ok {
		return research.PipelineState{}, fmt.Errorf("state for query %s: %w", queryID, research.ErrNotFound)
	}
	return state.Clone(), nil
}

// SaveArtifact stores an assembled artifact keyed by query ID.
func (s *StateStore) SaveArtifact(_ context.Context, artifact research.Artifact) error {
	if artifact.QueryID == "" {
		return fmt.Errorf("query id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.QueryID] = artifact
	return nil
}

// LoadArtifact fetches an artifact by query ID.
func (s *StateStore) LoadArtifact(_ context.Context, queryID string) (research.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[queryID]
	if !ok {
		return research.Artifact{}, fmt.Errorf("artifact for query %s: %w", queryID, research.ErrNotFound)
	}
	return artifact, nil
}

// ListStates returns copies of every stored state. Order is unspecified.
func (s *StateStore) ListStates(_ context.Context) ([]research.PipelineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]research.PipelineState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state.Clone())
	}
	return out, nil
}
