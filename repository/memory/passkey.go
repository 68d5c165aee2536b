package memory

import (
	"context"
	"time"

	"github.com/amlume/identity/repository"
)

// PasskeyRepo is the PasskeyRepository view of a Store.
type PasskeyRepo struct{ *Store }

// Passkeys returns the PasskeyRepository view of this store.
func (s *Store) Passkeys() PasskeyRepo { return PasskeyRepo{s} }

var _ repository.PasskeyRepository = PasskeyRepo{}

func (s PasskeyRepo) Create(ctx context.Context, c repository.PasskeyCredential) error {
	var err error
	s.tx(func() {
		if _, ok := s.passkeys[c.CredentialID]; ok {
			err = repository.ErrAlreadyExists
			return
		}
		c.Audit.Version = 1
		s.passkeys[c.CredentialID] = c
	})
	return err
}

func (s PasskeyRepo) Get(ctx context.Context, credentialID string) (repository.PasskeyCredential, error) {
	var out repository.PasskeyCredential
	var err error
	s.tx(func() {
		c, ok := s.passkeys[credentialID]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		out = c
	})
	return out, err
}

func (s PasskeyRepo) ListByUser(ctx context.Context, userID int64) ([]repository.PasskeyCredential, error) {
	var out []repository.PasskeyCredential
	s.tx(func() {
		for _, c := range s.passkeys {
			if c.UserID == userID {
				out = append(out, c)
			}
		}
	})
	return out, nil
}

// UpdateSignatureCount enforces strictly-increasing counters: a
// stored or equal counter indicates a cloned-authenticator replay
// and is rejected rather than silently overwritten.
func (s PasskeyRepo) UpdateSignatureCount(ctx context.Context, credentialID string, newCount uint32) error {
	var err error
	s.tx(func() {
		c, ok := s.passkeys[credentialID]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		if newCount != 0 && newCount <= c.SignatureCount {
			err = repository.ErrVersionConflict
			return
		}
		c.SignatureCount = newCount
		c.LastUsedAt = time.Now()
		c.Audit.Version++
		s.passkeys[credentialID] = c
	})
	return err
}

func (s PasskeyRepo) Delete(ctx context.Context, credentialID string) error {
	s.tx(func() {
		delete(s.passkeys, credentialID)
	})
	return nil
}

func (s PasskeyRepo) DeleteAllForUser(ctx context.Context, userID int64) error {
	s.tx(func() {
		for id, c := range s.passkeys {
			if c.UserID == userID {
				delete(s.passkeys, id)
			}
		}
	})
	return nil
}
