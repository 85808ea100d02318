package queue

import (
	"context"
	"fmt"
	"sync"
)

// memoryStore keeps entries in process memory. It is the fallback when no
// durable path is configured; queued mutations then do not survive a restart,
// which the factory logs loudly at startup.
type memoryStore struct {
	mu      sync.Mutex
	entries []QueuedMutation
}

// NewMemoryStore builds the non-durable store.
func NewMemoryStore() Store {
	return &memoryStore{}
}

func (s *memoryStore) Append(_ context.Context, entry QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memoryStore) List(context.Context) ([]QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueuedMutation, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *memoryStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].AttemptCount++
			return s.entries[i].AttemptCount, nil
		}
	}
	return 0, fmt.Errorf("queue: entry %s not found", id)
}

func (s *memoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memoryStore) Size(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close() error { return nil }
