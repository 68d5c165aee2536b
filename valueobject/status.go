package valueobject

import "time"

// AccountStatus is the embedded lockout/enablement state of a User.
// It exposes pure query methods only; state transitions are expressed
// as intent methods that return a new value.
type AccountStatus struct {
	Enabled               bool
	AccountNonExpired     bool
	CredentialsNonExpired bool
	AccountNonLocked      bool
	FailedLoginAttempts   int
	LockoutExpirationTime time.Time
	LastLoginAt           time.Time
	LastPasswordChangeAt  time.Time
}

// NewAccountStatus returns the status of a freshly created, enabled
// account with no prior failures.
func NewAccountStatus(now time.Time) AccountStatus {
	return AccountStatus{
		Enabled:               true,
		AccountNonExpired:     true,
		CredentialsNonExpired: true,
		AccountNonLocked:      true,
		LastPasswordChangeAt:  now,
	}
}

// IsLocked reports whether the account is currently locked as of now.
// Auto-release applies: a lock that has timed out
// is no longer considered locked even if AccountNonLocked is still
// false in storage (the caller is expected to persist the release).
func (s AccountStatus) IsLocked(now time.Time) bool {
	if s.AccountNonLocked {
		return false
	}
	if s.LockoutExpirationTime.IsZero() {
		return true
	}
	return now.Before(s.LockoutExpirationTime)
}

// CanAuthenticate reports whether an account in this status may even
// attempt to authenticate, independent of credential correctness.
func (s AccountStatus) CanAuthenticate(now time.Time) bool {
	return s.Enabled && s.AccountNonExpired && s.CredentialsNonExpired && !s.IsLocked(now)
}

// WithFailedAttempt returns a new status recording one more failed
// login, applying the lockout rule when attempts reach threshold.
func (s AccountStatus) WithFailedAttempt(now time.Time, threshold int, lockoutDuration time.Duration) AccountStatus {
	s.FailedLoginAttempts++
	if s.FailedLoginAttempts >= threshold {
		s.AccountNonLocked = false
		s.LockoutExpirationTime = now.Add(lockoutDuration)
	}
	return s
}

// WithSuccessfulLogin returns a new status with the failure counter and
// any lock cleared, and LastLoginAt updated.
func (s AccountStatus) WithSuccessfulLogin(now time.Time) AccountStatus {
	s.FailedLoginAttempts = 0
	s.AccountNonLocked = true
	s.LockoutExpirationTime = time.Time{}
	s.LastLoginAt = now
	return s
}

// WithAdminUnlock clears the lock timer and the failure counter,
// independent of whether the lock had already expired.
func (s AccountStatus) WithAdminUnlock() AccountStatus {
	s.AccountNonLocked = true
	s.LockoutExpirationTime = time.Time{}
	s.FailedLoginAttempts = 0
	return s
}

// WithEnabled returns a new status with Enabled set.
func (s AccountStatus) WithEnabled(enabled bool) AccountStatus {
	s.Enabled = enabled
	return s
}

// WithPasswordChanged returns a new status with LastPasswordChangeAt
// updated and credentials marked non-expired.
func (s AccountStatus) WithPasswordChanged(now time.Time) AccountStatus {
	s.LastPasswordChangeAt = now
	s.CredentialsNonExpired = true
	return s
}
