package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryStore struct {
	mu              sync.Mutex
	sessions        map[string]Info
	closing         bool
	ready           bool
	totalSessions   int64
	connectFailures int64
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{sessions: make(map[string]Info)}
}

var _ Store = (*memoryStore)(nil)

func (s *memoryStore) Add(_ context.Context, info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[info.ID]; exists {
		return fmt.Errorf("session already registered: %s", info.ID)
	}
	s.sessions[info.ID] = info
	s.totalSessions++
	return nil
}

func (s *memoryStore) Update(_ context.Context, id, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.sessions[id]; ok {
		info.State = state
		s.sessions[id] = info
	}
}

func (s *memoryStore) Remove(_ context.Context, id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *memoryStore) List(_ context.Context) ([]Info, error) {
	s.mu.Lock()
	out := make([]Info, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *memoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *memoryStore) RecordConnectFailure() {
	s.mu.Lock()
	s.connectFailures++
	s.mu.Unlock()
}

func (s *memoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Active: len(s.sessions), TotalSessions: s.totalSessions, ConnectFailures: s.connectFailures}
}

func (s *memoryStore) SetClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *memoryStore) SetReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *memoryStore) IsClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *memoryStore) IsReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *memoryStore) Close() error { return nil }
