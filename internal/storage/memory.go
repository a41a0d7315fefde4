package storage

import (
	"context"
	"maps"
	"sync"
	"time"

	"offlinewatch/internal/device"
)

type memoryStore struct {
	mu       sync.RWMutex
	offline  map[device.ID]time.Time
	notified map[device.ID]time.Time
	closed   bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{
		offline:  map[device.ID]time.Time{},
		notified: map[device.ID]time.Time{},
	}
}

func (s *memoryStore) MarkOffline(_ context.Context, id device.ID, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.offline[id] = since
	return nil
}

func (s *memoryStore) MarkOnline(_ context.Context, id device.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.offline, id)
	return nil
}

func (s *memoryStore) OfflineDevices(context.Context) (map[device.ID]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return maps.Clone(s.offline), nil
}

func (s *memoryStore) RecordNotification(_ context.Context, id device.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if cur, ok := s.notified[id]; !ok || at.After(cur) {
		s.notified[id] = at
	}
	return nil
}

func (s *memoryStore) LastNotification(_ context.Context, id device.ID) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	at, ok := s.notified[id]
	return at, ok, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
