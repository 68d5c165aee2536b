package risk

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"

	"github.com/amlume/identity/repository"
)

// DeviceTrust implements the device-fingerprint trust rule: a new fingerprint is untrusted until an explicit
// trust action or TrustAfterLogins successful user-verified logins.
type DeviceTrust struct {
	repo             repository.DeviceFingerprintRepository
	trustAfterLogins int
	clock            clockwork.Clock
}

// NewDeviceTrust builds a DeviceTrust. trustAfterLogins <= 0 means a
// fingerprint never auto-promotes and always needs an explicit Trust
// call.
func NewDeviceTrust(repo repository.DeviceFingerprintRepository, trustAfterLogins int) *DeviceTrust {
	return &DeviceTrust{repo: repo, trustAfterLogins: trustAfterLogins, clock: clockwork.NewRealClock()}
}

// Observation carries the device/network context gathered during a
// login attempt, used to upsert the fingerprint row.
type Observation struct {
	FingerprintHash string
	UserVerified    bool // the authenticator/ceremony asserted user verification
	DeviceName      string
	IP              string
	Country         string
	BrowserInfo     string
	Source          string
}

// RecordLogin upserts the fingerprint for a successful login and
// reports whether it is new and whether it is now trusted.
func (d *DeviceTrust) RecordLogin(ctx context.Context, userID int64, obs Observation) (trusted, isNew bool, err error) {
	now := d.clock.Now()
	existing, err := d.repo.Get(ctx, userID, obs.FingerprintHash)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		isNew = true
		existing = repository.UserDeviceFingerprint{
			UserID:          userID,
			FingerprintHash: obs.FingerprintHash,
			FirstSeen:       now,
			Active:          true,
		}
	case err != nil:
		return false, false, err
	}

	existing.LastUsedAt = now
	existing.Active = true
	existing.DeviceName = obs.DeviceName
	existing.LastKnownIP = obs.IP
	existing.LastKnownCountry = obs.Country
	existing.BrowserInfo = obs.BrowserInfo
	existing.Source = obs.Source
	existing.FailedAttempts = 0

	if obs.UserVerified {
		existing.SuccessfulLogins++
	}
	if !existing.Trusted && d.trustAfterLogins > 0 && existing.SuccessfulLogins >= d.trustAfterLogins {
		existing.Trusted = true
	}

	if err := d.repo.Upsert(ctx, existing); err != nil {
		return false, false, err
	}
	return existing.Trusted, isNew, nil
}

// Trust explicitly marks a fingerprint trusted, e.g. after an
// out-of-band verification step.
func (d *DeviceTrust) Trust(ctx context.Context, userID int64, fingerprintHash string) error {
	f, err := d.repo.Get(ctx, userID, fingerprintHash)
	if err != nil {
		return err
	}
	f.Trusted = true
	return d.repo.Upsert(ctx, f)
}

// Deactivate soft-marks a fingerprint inactive so it stops matching
// future lookups, without deleting its history.
func (d *DeviceTrust) Deactivate(ctx context.Context, userID int64, fingerprintHash string) error {
	f, err := d.repo.Get(ctx, userID, fingerprintHash)
	if err != nil {
		return err
	}
	f.Active = false
	return d.repo.Upsert(ctx, f)
}

// IsKnown reports whether the fingerprint has been seen (active)
// before for this user — the CAPTCHA gate's "new device" trigger.
func (d *DeviceTrust) IsKnown(ctx context.Context, userID int64, fingerprintHash string) (bool, error) {
	f, err := d.repo.Get(ctx, userID, fingerprintHash)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.Active, nil
}
