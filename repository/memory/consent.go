package memory

import (
	"context"
	"time"

	"github.com/amlume/identity/repository"
)

// ConsentRepo is the ConsentRepository view of a Store.
type ConsentRepo struct{ *Store }

// Consents returns the ConsentRepository view of this store.
func (s *Store) Consents() ConsentRepo { return ConsentRepo{s} }

var _ repository.ConsentRepository = ConsentRepo{}

func (s ConsentRepo) Get(ctx context.Context, clientID, principalName string) (repository.OAuth2AuthorizationConsent, error) {
	var out repository.OAuth2AuthorizationConsent
	var err error
	s.tx(func() {
		c, ok := s.consents[consentKey{clientID, principalName}]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		out = c
	})
	return out, err
}

// Upsert merges the given scopes into any existing consent, treating
// the scope list as a set.
func (s ConsentRepo) Upsert(ctx context.Context, c repository.OAuth2AuthorizationConsent) error {
	s.tx(func() {
		key := consentKey{c.RegisteredClientID, c.PrincipalName}
		existing, ok := s.consents[key]
		if !ok {
			c.Audit.Version = 1
			c.Audit.CreatedAt = time.Now()
			c.Audit.UpdatedAt = c.Audit.CreatedAt
			s.consents[key] = c
			return
		}
		merged := mergeScopes(existing.Scopes, c.Scopes)
		existing.Scopes = merged
		existing.Audit.Version++
		existing.Audit.UpdatedAt = time.Now()
		s.consents[key] = existing
	})
	return nil
}

func mergeScopes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (s ConsentRepo) Revoke(ctx context.Context, clientID, principalName string) error {
	s.tx(func() {
		delete(s.consents, consentKey{clientID, principalName})
	})
	return nil
}

func (s ConsentRepo) RevokeAllForPrincipal(ctx context.Context, principalName string) error {
	s.tx(func() {
		for key := range s.consents {
			if key.principalName == principalName {
				delete(s.consents, key)
			}
		}
	})
	return nil
}
