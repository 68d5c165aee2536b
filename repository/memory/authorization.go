package memory

import (
	"context"
	"time"

	"github.com/amlume/identity/repository"
)

// AuthorizationRepo is the AuthorizationRepository view of a Store.
type AuthorizationRepo struct{ *Store }

// Authorizations returns the AuthorizationRepository view of this store.
func (s *Store) Authorizations() AuthorizationRepo { return AuthorizationRepo{s} }

var _ repository.AuthorizationRepository = AuthorizationRepo{}

func (s AuthorizationRepo) Create(ctx context.Context, a repository.OAuth2Authorization) error {
	var err error
	s.tx(func() {
		if _, ok := s.authorizations[a.ID]; ok {
			err = repository.ErrAlreadyExists
			return
		}
		a.Audit.Version = 1
		s.authorizations[a.ID] = a
	})
	return err
}

func (s AuthorizationRepo) findBy(match func(repository.OAuth2Authorization) bool) (repository.OAuth2Authorization, error) {
	var out repository.OAuth2Authorization
	var err = repository.ErrNotFound
	s.tx(func() {
		for _, a := range s.authorizations {
			if match(a) {
				out = a
				err = nil
				return
			}
		}
	})
	return out, err
}

func (s AuthorizationRepo) GetByAuthorizationCodeHash(ctx context.Context, hash string) (repository.OAuth2Authorization, error) {
	return s.findBy(func(a repository.OAuth2Authorization) bool {
		return a.AuthorizationCode != nil && a.AuthorizationCode.ValueHash == hash
	})
}

func (s AuthorizationRepo) GetByAccessTokenHash(ctx context.Context, hash string) (repository.OAuth2Authorization, error) {
	return s.findBy(func(a repository.OAuth2Authorization) bool {
		return a.AccessToken != nil && a.AccessToken.ValueHash == hash
	})
}

func (s AuthorizationRepo) GetByRefreshTokenHash(ctx context.Context, hash string) (repository.OAuth2Authorization, error) {
	return s.findBy(func(a repository.OAuth2Authorization) bool {
		return a.RefreshToken != nil && a.RefreshToken.ValueHash == hash
	})
}

func (s AuthorizationRepo) GetByDeviceCodeHash(ctx context.Context, hash string) (repository.OAuth2Authorization, error) {
	return s.findBy(func(a repository.OAuth2Authorization) bool {
		return a.DeviceCode != nil && a.DeviceCode.ValueHash == hash
	})
}

func (s AuthorizationRepo) GetByUserCode(ctx context.Context, userCode string) (repository.OAuth2Authorization, error) {
	return s.findBy(func(a repository.OAuth2Authorization) bool {
		return a.UserCode != nil && a.UserCode.ValueHash == userCode
	})
}

func (s AuthorizationRepo) GetByID(ctx context.Context, id string) (repository.OAuth2Authorization, error) {
	var out repository.OAuth2Authorization
	var err error
	s.tx(func() {
		a, ok := s.authorizations[id]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		out = a
	})
	return out, err
}

func (s AuthorizationRepo) Update(ctx context.Context, id string, updater func(repository.OAuth2Authorization) (repository.OAuth2Authorization, error)) (repository.OAuth2Authorization, error) {
	var out repository.OAuth2Authorization
	var err error
	s.tx(func() {
		current, ok := s.authorizations[id]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		startVersion := current.Audit.Version
		updated, uerr := updater(current)
		if uerr != nil {
			err = uerr
			return
		}
		if updated.Audit.Version != startVersion {
			err = repository.ErrVersionConflict
			return
		}
		updated.Audit.Version = startVersion + 1
		updated.Audit.UpdatedAt = time.Now()
		s.authorizations[id] = updated
		out = updated
	})
	return out, err
}

// RevokeFamily marks every token record in every authorization sharing
// familyID as revoked, so refresh-reuse detection takes down the whole
// token family and not just the replayed token.
func (s AuthorizationRepo) RevokeFamily(ctx context.Context, familyID string) error {
	s.tx(func() {
		for id, a := range s.authorizations {
			if a.RefreshFamilyID != familyID {
				continue
			}
			revokeAll(a.AccessToken, a.RefreshToken, a.AuthorizationCode, a.IDToken, a.DeviceCode)
			a.Audit.Version++
			s.authorizations[id] = a
		}
	})
	return nil
}

// RevokeAllForPrincipal revokes every authorization issued to
// principalName, for account deletion and role-change cascades.
func (s AuthorizationRepo) RevokeAllForPrincipal(ctx context.Context, principalName string) error {
	s.tx(func() {
		for id, a := range s.authorizations {
			if a.PrincipalName != principalName {
				continue
			}
			revokeAll(a.AccessToken, a.RefreshToken, a.AuthorizationCode, a.IDToken, a.DeviceCode)
			a.Audit.Version++
			s.authorizations[id] = a
		}
	})
	return nil
}

func revokeAll(tokens ...*repository.TokenRecord) {
	for _, t := range tokens {
		if t != nil {
			t.Revoked = true
		}
	}
}

func (s AuthorizationRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	s.tx(func() {
		for id, a := range s.authorizations {
			if authExpired(a, before) {
				delete(s.authorizations, id)
				count++
			}
		}
	})
	return count, nil
}

func authExpired(a repository.OAuth2Authorization, before time.Time) bool {
	latest := a.Audit.CreatedAt
	for _, t := range []*repository.TokenRecord{a.AccessToken, a.RefreshToken, a.AuthorizationCode, a.IDToken, a.DeviceCode} {
		if t != nil && t.ExpiresAt.After(latest) {
			latest = t.ExpiresAt
		}
	}
	return latest.Before(before)
}
