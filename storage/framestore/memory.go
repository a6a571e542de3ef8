package framestore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps frames in process memory. It does not survive restart
// and exists for tests and for deployments without a writable disk.
type MemoryStore struct {
	mu     sync.RWMutex
	frames map[string]Frame
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{frames: make(map[string]Frame)}
}

// Put stores a copy of frame
func (s *MemoryStore) Put(_ context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	frame.Header = append([]byte(nil), frame.Header...)
	frame.Payload = append([]byte(nil), frame.Payload...)
	s.mu.Lock()
	s.frames[frame.ID] = frame
	s.mu.Unlock()
	return nil
}

// Get returns the frame for id
func (s *MemoryStore) Get(_ context.Context, id string) (Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.frames[id]
	if !ok {
		return Frame{}, notFound(id)
	}
	return f, nil
}

// Remove deletes the frame for id
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.frames, id)
	s.mu.Unlock()
	return nil
}

// Keys returns all ids in ascending order
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.frames))
	for id := range s.frames {
		keys = append(keys, id)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every frame
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.frames = make(map[string]Frame)
	s.mu.Unlock()
	return nil
}

// Contains reports whether id is stored
func (s *MemoryStore) Contains(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.frames[id]
	return ok, nil
}
