package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryActivityStore keeps the login log in process. It backs single-node
// development mode and tests; nothing survives a restart.
type MemoryActivityStore struct {
	mu       sync.RWMutex
	attempts map[string]*LoginAttempt
	byUser   map[string][]string // attempt IDs in insertion order
}

// NewMemoryActivityStore creates an empty in-memory store
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{
		attempts: make(map[string]*LoginAttempt),
		byUser:   make(map[string][]string),
	}
}

func (s *MemoryActivityStore) Create(_ context.Context, a *LoginAttempt) error {
	if err := a.validate(); err != nil {
		return err
	}
	a.Success = false
	a.FailureReason = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[a.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidAttempt, a.ID)
	}
	stored := a.clone()
	s.attempts[a.ID] = &stored
	s.byUser[a.UserID] = append(s.byUser[a.UserID], a.ID)
	return nil
}

func (s *MemoryActivityStore) SetLocation(_ context.Context, id string, loc AttemptLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrAttemptNotFound
	}
	a.Location = loc.clone()
	return nil
}

func (s *MemoryActivityStore) MarkSucceeded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrAttemptNotFound
	}
	if a.Finalized() {
		return ErrAttemptFinalized
	}
	a.Success = true
	return nil
}

func (s *MemoryActivityStore) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrAttemptNotFound
	}
	if a.Finalized() {
		return ErrAttemptFinalized
	}
	a.FailureReason = &reason
	return nil
}

func (s *MemoryActivityStore) Get(_ context.Context, id string) (*LoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	c := a.clone()
	return &c, nil
}

func (s *MemoryActivityStore) Recent(_ context.Context, userID string, limit int) ([]LoginAttempt, error) {
	s.mu.RLock()
	ids := s.byUser[userID]
	out := make([]LoginAttempt, 0, len(ids))
	// walk newest insert first so the stable sort breaks timestamp ties by recency
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.attempts[ids[i]].clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryActivityStore) CountFailuresSince(_ context.Context, userID string, since time.Time, excludeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.byUser[userID] {
		a := s.attempts[id]
		if id == excludeID || a.Success || a.CreatedAt.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryActivityStore) DeleteForUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byUser[userID]
	for _, id := range ids {
		delete(s.attempts, id)
	}
	delete(s.byUser, userID)
	return int64(len(ids)), nil
}
