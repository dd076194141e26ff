package rollout

import (
	"context"
	"sync"
	"time"
)

// MemoryState состояние rollout в памяти процесса, используется без Redis
type MemoryState struct {
	mu       sync.Mutex
	attempts map[string]attempt
	slots    map[string]time.Time
}

type attempt struct {
	at        time.Time
	expiresAt time.Time
}

// NewMemoryState создает пустое состояние
func NewMemoryState() *MemoryState {
	return &MemoryState{
		attempts: make(map[string]attempt),
		slots:    make(map[string]time.Time),
	}
}

// LastAttempt время последней попытки, нулевое если попыток не было
func (s *MemoryState) LastAttempt(_ context.Context, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[userID].at, nil
}

// RecordAttempt запоминает попытку. Истечение сверяется при следующей записи.
func (s *MemoryState) RecordAttempt(_ context.Context, userID string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range s.attempts {
		if !a.expiresAt.After(at) {
			delete(s.attempts, id)
		}
	}
	s.attempts[userID] = attempt{at: at, expiresAt: at.Add(ttl)}
	return nil
}

// AcquireSlot занимает слот, если лимит не исчерпан и у пользователя еще нет слота
func (s *MemoryState) AcquireSlot(_ context.Context, userID string, limit int, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(now)
	if _, ok := s.slots[userID]; ok {
		return false, nil
	}
	if len(s.slots) >= limit {
		return false, nil
	}
	s.slots[userID] = now.Add(ttl)
	return true, nil
}

// ReleaseSlot освобождает слот пользователя
func (s *MemoryState) ReleaseSlot(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, userID)
	return nil
}

// ActiveSlots число не истекших слотов
func (s *MemoryState) ActiveSlots(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(now)
	return len(s.slots), nil
}

func (s *MemoryState) expire(now time.Time) {
	for id, expiresAt := range s.slots {
		if !expiresAt.After(now) {
			delete(s.slots, id)
		}
	}
}
