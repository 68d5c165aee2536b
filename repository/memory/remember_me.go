package memory

import (
	"context"
	"time"

	"github.com/amlume/identity/repository"
)

// PersistentLoginRepo is the PersistentLoginRepository view of a
// Store, backing the remember-me series/token table.
type PersistentLoginRepo struct{ *Store }

// PersistentLogins returns the PersistentLoginRepository view of this store.
func (s *Store) PersistentLogins() PersistentLoginRepo { return PersistentLoginRepo{s} }

var _ repository.PersistentLoginRepository = PersistentLoginRepo{}

func (s PersistentLoginRepo) Create(ctx context.Context, p repository.PersistentLogin) error {
	var err error
	s.tx(func() {
		if _, ok := s.persistentLogins[p.Series]; ok {
			err = repository.ErrAlreadyExists
			return
		}
		s.persistentLogins[p.Series] = p
	})
	return err
}

func (s PersistentLoginRepo) GetBySeries(ctx context.Context, series string) (repository.PersistentLogin, error) {
	var out repository.PersistentLogin
	var err error
	s.tx(func() {
		p, ok := s.persistentLogins[series]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		out = p
	})
	return out, err
}

func (s PersistentLoginRepo) UpdateToken(ctx context.Context, series, newToken string, lastUsed time.Time) error {
	var err error
	s.tx(func() {
		p, ok := s.persistentLogins[series]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		p.Token = newToken
		p.LastUsed = lastUsed
		s.persistentLogins[series] = p
	})
	return err
}

func (s PersistentLoginRepo) RemoveUserTokens(ctx context.Context, username string) error {
	s.tx(func() {
		for series, p := range s.persistentLogins {
			if p.Username == username {
				delete(s.persistentLogins, series)
			}
		}
	})
	return nil
}
