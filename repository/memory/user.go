package memory

import (
	"context"
	"time"

	"github.com/amlume/identity/repository"
)

// UserRepo is the UserRepository view of a Store.
type UserRepo struct{ *Store }

// Users returns the UserRepository view of this store.
func (s *Store) Users() UserRepo { return UserRepo{s} }

var _ repository.UserRepository = UserRepo{}

// Create assigns the next sequential ID, then stores the row if its
// external ID and blind index are not already taken.
func (s UserRepo) Create(ctx context.Context, u repository.User) (repository.User, error) {
	var out repository.User
	var err error
	s.tx(func() {
		if _, ok := s.usersByExtID[u.ExternalID]; ok {
			err = repository.ErrAlreadyExists
			return
		}
		for _, existing := range s.users {
			if existing.EmailBlindIndex != "" && existing.EmailBlindIndex == u.EmailBlindIndex {
				err = repository.ErrAlreadyExists
				return
			}
		}
		s.nextUserID++
		u.ID = s.nextUserID
		u.Audit.Version = 1
		s.users[u.ID] = u
		s.usersByExtID[u.ExternalID] = u.ID
		out = u
	})
	return out, err
}

func (s UserRepo) Get(ctx context.Context, id int64) (repository.User, error) {
	var out repository.User
	var err error
	s.tx(func() {
		u, ok := s.users[id]
		if !ok || u.IsDeleted() {
			err = repository.ErrNotFound
			return
		}
		out = u
	})
	return out, err
}

func (s UserRepo) GetByExternalID(ctx context.Context, externalID string) (repository.User, error) {
	var out repository.User
	var err error
	s.tx(func() {
		id, ok := s.usersByExtID[externalID]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		u := s.users[id]
		if u.IsDeleted() {
			err = repository.ErrNotFound
			return
		}
		out = u
	})
	return out, err
}

func (s UserRepo) GetByEmailBlindIndex(ctx context.Context, blindIndex string) (repository.User, error) {
	var out repository.User
	var err = repository.ErrNotFound
	s.tx(func() {
		for _, u := range s.users {
			if u.EmailBlindIndex == blindIndex && !u.IsDeleted() {
				out = u
				err = nil
				return
			}
		}
	})
	return out, err
}

func (s UserRepo) GetBySubjectID(ctx context.Context, subjectID string) (repository.User, error) {
	var out repository.User
	var err = repository.ErrNotFound
	s.tx(func() {
		for _, u := range s.users {
			if u.AuthServerSubjectID == subjectID && !u.IsDeleted() {
				out = u
				err = nil
				return
			}
		}
	})
	return out, err
}

// Update hands the updater the row currently stored and performs a
// version compare-and-swap on write:
// and the write only lands if nothing else mutated the row between the
// caller's read and this call.
func (s UserRepo) Update(ctx context.Context, id int64, updater func(repository.User) (repository.User, error)) (repository.User, error) {
	var out repository.User
	var err error
	s.tx(func() {
		current, ok := s.users[id]
		if !ok || current.IsDeleted() {
			err = repository.ErrNotFound
			return
		}
		startVersion := current.Audit.Version
		updated, uerr := updater(current)
		if uerr != nil {
			err = uerr
			return
		}
		// Re-check under the same lock: memory has no separate
		// read/write transaction window, so this can only fire if the
		// updater itself mutated Version away from what it was handed.
		if updated.Audit.Version != startVersion {
			err = repository.ErrVersionConflict
			return
		}
		updated.Audit.Version = startVersion + 1
		updated.Audit.UpdatedAt = time.Now()
		s.users[id] = updated
		if updated.ExternalID != current.ExternalID {
			delete(s.usersByExtID, current.ExternalID)
			s.usersByExtID[updated.ExternalID] = id
		}
		out = updated
	})
	return out, err
}

// SoftDelete cascade-tombstones the dependent aggregates:
// passkeys, persistent logins, device fingerprints and standing
// consents for the user are all removed in the same critical section.
func (s UserRepo) SoftDelete(ctx context.Context, id int64, now time.Time) error {
	var err error
	s.tx(func() {
		u, ok := s.users[id]
		if !ok || u.IsDeleted() {
			err = repository.ErrNotFound
			return
		}
		u.DeletedAt = now
		u.Audit.Version++
		u.Audit.UpdatedAt = now
		s.users[id] = u

		for credID, pk := range s.passkeys {
			if pk.UserID == id {
				delete(s.passkeys, credID)
			}
		}
		for series, pl := range s.persistentLogins {
			if pl.Username == u.Email.Normalized() {
				delete(s.persistentLogins, series)
			}
		}
		for key := range s.deviceFingerprints {
			if key.userID == id {
				delete(s.deviceFingerprints, key)
			}
		}
		for key := range s.consents {
			if key.principalName == u.Email.Normalized() {
				delete(s.consents, key)
			}
		}
		delete(s.userRoles, id)
	})
	return err
}

func (s UserRepo) ListRoles(ctx context.Context, userID int64) ([]repository.Role, error) {
	var out []repository.Role
	s.tx(func() {
		for roleID := range s.userRoles[userID] {
			if r, ok := s.roles[roleID]; ok {
				out = append(out, r)
			}
		}
	})
	return out, nil
}

func (s UserRepo) AppendRole(ctx context.Context, userID, roleID int64) error {
	var err error
	s.tx(func() {
		if _, ok := s.roles[roleID]; !ok {
			err = repository.ErrNotFound
			return
		}
		if s.userRoles[userID] == nil {
			s.userRoles[userID] = make(map[int64]struct{})
		}
		s.userRoles[userID][roleID] = struct{}{}
	})
	return err
}

func (s UserRepo) RevokeRole(ctx context.Context, userID, roleID int64) error {
	s.tx(func() {
		delete(s.userRoles[userID], roleID)
	})
	return nil
}
