package account

import (
	"context"
	"errors"
	"reflect"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/risk"
	"github.com/amlume/identity/valueobject"
)

// UpdateUserProfile applies a partial update: nil fields mean "no
// change", a non-nil pointer to "" means "clear". Returns the
// unchanged entity without writing if the patch changes nothing.
func (m *Manager) UpdateUserProfile(ctx context.Context, userID int64, patch repository.UserPatch) (repository.User, error) {
	if patch.IsEmpty() {
		return m.users.Get(ctx, userID)
	}
	current, getErr := m.users.Get(ctx, userID)
	if getErr != nil {
		return repository.User{}, getErr
	}
	patched := current
	applyUserPatch(&patched, patch, m.blindIndex, m.cfg.PhoneDefaultRegion)
	if reflect.DeepEqual(patched, current) {
		return current, nil
	}

	if patch.RecoveryEmail != nil && *patch.RecoveryEmail != "" {
		candidate, err := valueobject.NewEmail(*patch.RecoveryEmail)
		if err != nil {
			return repository.User{}, err
		}
		idx := m.blindIndex.EmailBlindIndex(candidate)
		if existing, err := m.users.GetByEmailBlindIndex(ctx, idx); err == nil && existing.ID != userID {
			return repository.User{}, ErrRecoveryEmailInUse
		} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return repository.User{}, err
		}
	}

	var result repository.User
	err := retryOnVersionConflict(func() error {
		u, err := m.users.Update(ctx, userID, func(u repository.User) (repository.User, error) {
			applyUserPatch(&u, patch, m.blindIndex, m.cfg.PhoneDefaultRegion)
			return u, nil
		})
		if err != nil {
			return err
		}
		result = u
		return nil
	})
	return result, err
}

func applyUserPatch(u *repository.User, p repository.UserPatch, blindIndex valueobject.BlindIndexKey, phoneRegion string) {
	if p.GivenName != nil {
		u.GivenName = *p.GivenName
	}
	if p.MiddleName != nil {
		u.MiddleName = *p.MiddleName
	}
	if p.Surname != nil {
		u.Surname = *p.Surname
	}
	if p.Nickname != nil {
		u.Nickname = *p.Nickname
	}
	if p.RecoveryEmail != nil {
		if *p.RecoveryEmail == "" {
			u.RecoveryEmail = valueobject.Email{}
			u.RecoveryBlindIndex = ""
		} else if email, err := valueobject.NewEmail(*p.RecoveryEmail); err == nil {
			u.RecoveryEmail = email
			u.RecoveryBlindIndex = blindIndex.EmailBlindIndex(email)
		}
	}
	if p.Phone != nil {
		if *p.Phone == "" {
			u.Phone = valueobject.Phone{}
		} else if phone, err := valueobject.NewPhone(*p.Phone, phoneRegion); err == nil {
			u.Phone = phone
		}
	}
	if p.ProfilePictureURL != nil {
		u.ProfilePictureURL = *p.ProfilePictureURL
	}
}

// ChangeUserPassword is the self-service password change: verify old,
// reject no-op changes, apply policy, hash, persist, and invalidate
// every other session for the principal.
func (m *Manager) ChangeUserPassword(ctx context.Context, userID int64, oldRaw, newRaw, currentSessionID string) (repository.User, error) {
	if oldRaw == newRaw {
		return repository.User{}, ErrSamePassword
	}
	current, err := m.users.Get(ctx, userID)
	if err != nil {
		return repository.User{}, err
	}
	if err := current.Password.Verify(oldRaw); err != nil {
		return repository.User{}, ErrWrongOldPassword
	}
	return m.setPassword(ctx, userID, newRaw, current.Email.Normalized(), currentSessionID)
}

// AdminChangeUserPassword is the admin-authority password reset: no
// old-password check, otherwise identical policy and invalidation.
func (m *Manager) AdminChangeUserPassword(ctx context.Context, userID int64, newRaw string) (repository.User, error) {
	current, err := m.users.Get(ctx, userID)
	if err != nil {
		return repository.User{}, err
	}
	return m.setPassword(ctx, userID, newRaw, current.Email.Normalized(), "")
}

// AdminChangeUserPasswordByUsername resolves the user by normalized
// email/username first, then defers to AdminChangeUserPassword.
func (m *Manager) AdminChangeUserPasswordByUsername(ctx context.Context, username, newRaw string) (repository.User, error) {
	u, err := m.lookupByIdentifier(ctx, username)
	if err != nil {
		return repository.User{}, err
	}
	return m.AdminChangeUserPassword(ctx, u.ID, newRaw)
}

// lookupByIdentifier resolves a user by login identifier, normalizing
// it through the same Email parsing used when the blind index was
// first computed at account-creation time, so lookups and writes stay
// consistent.
func (m *Manager) lookupByIdentifier(ctx context.Context, identifier string) (repository.User, error) {
	var idx string
	if email, err := valueobject.NewEmail(identifier); err == nil {
		idx = m.blindIndex.EmailBlindIndex(email)
	} else {
		idx = m.blindIndex.BlindIndex(identifier)
	}
	return m.users.GetByEmailBlindIndex(ctx, idx)
}

func (m *Manager) setPassword(ctx context.Context, userID int64, newRaw, principalName, exceptSessionID string) (repository.User, error) {
	if err := m.cfg.Password.Validate(newRaw); err != nil {
		return repository.User{}, errPasswordPolicy(err)
	}
	if err := CheckBreach(ctx, m.breachChecker, m.log, newRaw); err != nil {
		return repository.User{}, errPasswordPolicy(err)
	}
	hashed, err := valueobject.NewHashedPassword(newRaw)
	if err != nil {
		return repository.User{}, err
	}

	now := m.clock.Now()
	var result repository.User
	err = retryOnVersionConflict(func() error {
		u, err := m.users.Update(ctx, userID, func(u repository.User) (repository.User, error) {
			u.Password = hashed
			u.Status = u.Status.WithPasswordChanged(now)
			return u, nil
		})
		if err != nil {
			return err
		}
		result = u
		return nil
	})
	if err != nil {
		return repository.User{}, err
	}

	if m.sessions != nil {
		if err := m.sessions.InvalidateAllForPrincipal(ctx, principalName, exceptSessionID); err != nil {
			m.log.WithField("user_id", userID).WithError(err).Warn("account: session invalidation failed after password change")
		}
	}
	return result, nil
}

// AdminUnlockUser clears the lockout timer and failure counter
// regardless of whether the lock had already expired.
func (m *Manager) AdminUnlockUser(ctx context.Context, userID int64) error {
	return retryOnVersionConflict(func() error {
		_, err := m.users.Update(ctx, userID, func(u repository.User) (repository.User, error) {
			u.Status = u.Status.WithAdminUnlock()
			return u, nil
		})
		return err
	})
}

// AdminSetUserEnabled enables or disables the account.
func (m *Manager) AdminSetUserEnabled(ctx context.Context, userID int64, enabled bool) error {
	return retryOnVersionConflict(func() error {
		_, err := m.users.Update(ctx, userID, func(u repository.User) (repository.User, error) {
			u.Status = u.Status.WithEnabled(enabled)
			return u, nil
		})
		return err
	})
}

// AppendRole grants roleID to userID and forces re-auth with the new
// authority set: role changes invalidate sessions,
// delete OAuth2 authorizations/consents, and purge remember-me
// tokens.
func (m *Manager) AppendRole(ctx context.Context, userID, roleID int64) error {
	if err := m.users.AppendRole(ctx, userID, roleID); err != nil {
		return err
	}
	return m.invalidateAuthorityState(ctx, userID)
}

// RevokeRole revokes roleID from userID and forces re-auth.
func (m *Manager) RevokeRole(ctx context.Context, userID, roleID int64) error {
	if err := m.users.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}
	return m.invalidateAuthorityState(ctx, userID)
}

// invalidateAuthorityState tears down every credential/authorization
// surface a role change must force re-acquisition of.
func (m *Manager) invalidateAuthorityState(ctx context.Context, userID int64) error {
	u, err := m.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	principal := u.Email.Normalized()

	if m.sessions != nil {
		if err := m.sessions.InvalidateAllForPrincipal(ctx, principal, ""); err != nil {
			m.log.WithField("user_id", userID).WithError(err).Warn("account: session invalidation failed after role change")
		}
	}
	if m.tokens != nil {
		if err := m.tokens.RevokeAllForPrincipal(ctx, principal); err != nil {
			m.log.WithField("user_id", userID).WithError(err).Warn("account: token revocation failed after role change")
		}
	}
	if m.authz != nil {
		if err := m.authz.RevokeAllForPrincipal(ctx, principal); err != nil {
			m.log.WithField("user_id", userID).WithError(err).Warn("account: authorization revocation failed after role change")
		}
	}
	if m.consents != nil {
		if err := m.consents.RevokeAllForPrincipal(ctx, principal); err != nil {
			m.log.WithField("user_id", userID).WithError(err).Warn("account: consent revocation failed after role change")
		}
	}
	if m.persistent != nil {
		if err := m.persistent.RemoveUserTokens(ctx, principal); err != nil {
			m.log.WithField("user_id", userID).WithError(err).Warn("account: remember-me purge failed after role change")
		}
	}
	return nil
}

// DeleteUserAccount soft-deletes the account. The repository's
// SoftDelete cascades passkeys, device fingerprints, persistent
// logins, and standing consents in the same transaction; this method additionally disables the account, invalidates
// sessions, and revokes OAuth2 authorizations for the principal.
func (m *Manager) DeleteUserAccount(ctx context.Context, userID int64) error {
	u, err := m.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	principal := u.Email.Normalized()

	if err := m.AdminSetUserEnabled(ctx, userID, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err := m.users.SoftDelete(ctx, userID, m.clock.Now()); err != nil {
		return err
	}
	if m.authz != nil {
		if err := m.authz.RevokeAllForPrincipal(ctx, principal); err != nil {
			m.log.WithField("user_id", userID).WithError(err).Warn("account: authorization revocation failed on delete")
		}
	}
	if m.sessions != nil {
		if err := m.sessions.InvalidateAllForPrincipal(ctx, principal, ""); err != nil {
			m.log.WithField("user_id", userID).WithError(err).Warn("account: session invalidation failed on delete")
		}
	}
	return nil
}

// HandleFailedLogin records a failed attempt and applies the lockout
// rule, retrying up to 3 times on optimistic-lock conflict. It never returns an error to the caller: a missing or
// already-locked user is not distinguishable from outside, by design,
// to avoid username enumeration.
func (m *Manager) HandleFailedLogin(ctx context.Context, identifier, ip string) {
	if m.failedLogins != nil {
		m.failedLogins.RecordFailure(identifier, ip)
	}
	u, err := m.lookupByIdentifier(ctx, identifier)
	if err != nil {
		return
	}
	now := m.clock.Now()
	_ = retryOnVersionConflict(func() error {
		_, err := m.users.Update(ctx, u.ID, func(u repository.User) (repository.User, error) {
			u.Status = u.Status.WithFailedAttempt(now, m.cfg.LockoutThreshold, m.cfg.LockoutDuration)
			return u, nil
		})
		return err
	})
}

// HandleSuccessfulLogin resets the failure counter if needed, upserts
// the device fingerprint via the risk engine, and persists
// LastLoginAt.
func (m *Manager) HandleSuccessfulLogin(ctx context.Context, identifier string, obs *risk.Observation) (repository.User, error) {
	u, err := m.lookupByIdentifier(ctx, identifier)
	if err != nil {
		return repository.User{}, err
	}

	if m.failedLogins != nil {
		m.failedLogins.ResetIdentifier(identifier)
	}

	now := m.clock.Now()
	needsReset := u.Status.FailedLoginAttempts > 0 || !u.Status.AccountNonLocked
	var result repository.User
	if needsReset {
		err = retryOnVersionConflict(func() error {
			updated, err := m.users.Update(ctx, u.ID, func(u repository.User) (repository.User, error) {
				u.Status = u.Status.WithSuccessfulLogin(now)
				return u, nil
			})
			if err != nil {
				return err
			}
			result = updated
			return nil
		})
		if err != nil {
			return repository.User{}, err
		}
	} else {
		err = retryOnVersionConflict(func() error {
			updated, err := m.users.Update(ctx, u.ID, func(u repository.User) (repository.User, error) {
				u.Status.LastLoginAt = now
				return u, nil
			})
			if err != nil {
				return err
			}
			result = updated
			return nil
		})
		if err != nil {
			return repository.User{}, err
		}
	}

	if m.deviceTrust != nil && obs != nil {
		if _, _, err := m.deviceTrust.RecordLogin(ctx, result.ID, *obs); err != nil {
			m.log.WithField("user_id", result.ID).WithError(err).Warn("account: device fingerprint upsert failed")
		}
	}
	return result, nil
}

// GetCurrentUser resolves the authenticated principal from the
// ambient security context: a subject-claim lookup
// for bearer/JWT requests, otherwise the context carries the
// principal directly.
func (m *Manager) GetCurrentUser(ctx context.Context) (repository.User, error) {
	subject, ok := PrincipalFromContext(ctx)
	if !ok {
		return repository.User{}, ErrNoPrincipal
	}
	if u, err := m.users.GetBySubjectID(ctx, subject); err == nil {
		return u, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return repository.User{}, err
	}
	return m.users.GetByExternalID(ctx, subject)
}
