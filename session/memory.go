package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store: one mutex, a by-id map, and a
// by-principal index. It backs unit tests and the single-node
// composition root.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]Session
	byPrince map[string]map[string]struct{} // principalName -> set of session IDs
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]Session),
		byPrince: make(map[string]map[string]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[sess.ID]; ok && old.PrincipalName != sess.PrincipalName {
		s.unindexLocked(old)
	}
	s.byID[sess.ID] = sess
	if sess.PrincipalName != "" {
		set, ok := s.byPrince[sess.PrincipalName]
		if !ok {
			set = make(map[string]struct{})
			s.byPrince[sess.PrincipalName] = set
		}
		set[sess.ID] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil
	}
	s.unindexLocked(sess)
	delete(s.byID, id)
	return nil
}

func (s *MemoryStore) FindByPrincipal(_ context.Context, principalName string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byPrince[principalName]
	out := make([]Session, 0, len(set))
	for id := range set {
		out = append(out, s.byID[id])
	}
	return out, nil
}

// unindexLocked removes sess from the principal index. Caller holds s.mu.
func (s *MemoryStore) unindexLocked(sess Session) {
	if sess.PrincipalName == "" {
		return
	}
	set, ok := s.byPrince[sess.PrincipalName]
	if !ok {
		return
	}
	delete(set, sess.ID)
	if len(set) == 0 {
		delete(s.byPrince, sess.PrincipalName)
	}
}
