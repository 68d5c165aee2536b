package authn

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/amlume/identity/account"
	"github.com/amlume/identity/internal/apperr"
	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/risk"
	"github.com/amlume/identity/valueobject"
)

// ErrInvalidCredentials is returned for both "no such user" and "wrong
// password", deliberately indistinguishable from outside to avoid
// username enumeration.
var ErrInvalidCredentials = errors.New("authn: invalid credentials")

// LocalAttempt is one local login request, gathering everything the
// risk gate and device-trust hooks need alongside the credentials
// themselves.
type LocalAttempt struct {
	Identifier      string // email or username, as entered by the user
	Password        string
	RemoteIP        string
	CaptchaResponse string
	DeviceObs       risk.Observation
}

// LocalLogin implements the local login flow: risk-gate pre-flight,
// look up active user by email, verify password hash, on failure
// record via HandleFailedLogin, on success HandleSuccessfulLogin.
// It is its own coordinator rather than a method on account.Manager
// because risk gating, account state, and authentication live in
// distinct packages.
type LocalLogin struct {
	users      repository.UserRepository
	blindIndex valueobject.BlindIndexKey
	gate       *risk.Gate
	geo        *risk.GeoEngine
	events     repository.SecurityEventRepository
	accounts   *account.Manager
	clock      clockwork.Clock
	log        logrus.FieldLogger
}

// NewLocalLogin builds a LocalLogin coordinator. accounts supplies the
// HandleFailedLogin/HandleSuccessfulLogin hooks so the lockout counter
// and device-fingerprint upsert stay centralized in account.Manager rather than
// duplicated here.
func NewLocalLogin(users repository.UserRepository, blindIndex valueobject.BlindIndexKey, gate *risk.Gate, accounts *account.Manager, log logrus.FieldLogger) *LocalLogin {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LocalLogin{
		users: users, blindIndex: blindIndex, gate: gate, accounts: accounts,
		clock: clockwork.NewRealClock(), log: log,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (l *LocalLogin) WithClock(c clockwork.Clock) *LocalLogin {
	l.clock = c
	return l
}

// WithGeo attaches the impossible-travel/VPN/high-risk-country engine
// and the repository it logs HIGH-risk alerts to. Both
// are optional; a LocalLogin built without WithGeo skips the check
// entirely, matching the nil-safe gate/accounts seams above.
func (l *LocalLogin) WithGeo(geo *risk.GeoEngine, events repository.SecurityEventRepository) *LocalLogin {
	l.geo = geo
	l.events = events
	return l
}

// Authenticate runs the full local login flow and returns the
// authenticated user on success.
func (l *LocalLogin) Authenticate(ctx context.Context, att LocalAttempt) (repository.User, error) {
	newDevice := att.DeviceObs.FingerprintHash != "" && !att.DeviceObs.UserVerified
	if l.gate != nil {
		if err := l.gate.Check(ctx, att.Identifier, att.RemoteIP, newDevice, att.CaptchaResponse); err != nil {
			return repository.User{}, err
		}
	}

	email, err := valueobject.NewEmail(att.Identifier)
	if err != nil {
		l.fail(ctx, att)
		return repository.User{}, ErrInvalidCredentials
	}
	idx := l.blindIndex.EmailBlindIndex(email)
	u, err := l.users.GetByEmailBlindIndex(ctx, idx)
	if err != nil {
		l.fail(ctx, att)
		return repository.User{}, ErrInvalidCredentials
	}

	if u.IsDeleted() {
		l.fail(ctx, att)
		return repository.User{}, ErrInvalidCredentials
	}

	now := l.clock.Now()
	if u.Status.IsLocked(now) {
		// Do not call l.fail here: HandleFailedLogin would record another
		// failure and, since the threshold is already met, re-extend
		// LockoutExpirationTime on every subsequent attempt.
		retryAfter := u.Status.LockoutExpirationTime.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return repository.User{}, apperr.New(apperr.Locked, "account is locked").WithRetryAfter(retryAfter)
	}

	if !u.Status.CanAuthenticate(now) {
		l.fail(ctx, att)
		return repository.User{}, ErrInvalidCredentials
	}

	if err := u.Password.Verify(att.Password); err != nil {
		l.fail(ctx, att)
		return repository.User{}, ErrInvalidCredentials
	}

	l.assessGeoRisk(ctx, u.ID, att.RemoteIP)

	if l.accounts == nil {
		return u, nil
	}
	var obsPtr *risk.Observation
	if att.DeviceObs.FingerprintHash != "" {
		obs := att.DeviceObs
		obsPtr = &obs
	}
	return l.accounts.HandleSuccessfulLogin(ctx, att.Identifier, obsPtr)
}

// assessGeoRisk runs the geo/ASN risk engine for a successful login and
// logs a security event when the effective risk is HIGH
// (impossible travel, VPN, high-risk country). Best
// effort: a geo or event-log failure never fails the login itself.
func (l *LocalLogin) assessGeoRisk(ctx context.Context, userID int64, remoteIP string) {
	if l.geo == nil || remoteIP == "" {
		return
	}
	assessment, err := l.geo.Assess(ctx, userID, remoteIP)
	if err != nil {
		l.log.WithField("user_id", userID).WithError(err).Warn("authn: geo risk assessment failed")
		return
	}
	if risk.EffectiveLevel(assessment.Risk) != risk.LevelHigh {
		return
	}
	for _, alert := range assessment.Alerts {
		l.log.WithField("user_id", userID).WithField("alert", alert.Kind).Warn("authn: high-risk login")
		if l.events == nil {
			continue
		}
		err := l.events.Append(ctx, repository.SecurityEvent{
			UserID:    userID,
			Kind:      "login_risk_" + alert.Kind,
			Detail:    map[string]string{"detail": alert.Detail, "ip": remoteIP},
			IP:        remoteIP,
			CreatedAt: l.clock.Now(),
		})
		if err != nil {
			l.log.WithField("user_id", userID).WithError(err).Warn("authn: failed to record high-risk login security event")
		}
	}
}

func (l *LocalLogin) fail(ctx context.Context, att LocalAttempt) {
	if l.accounts != nil {
		l.accounts.HandleFailedLogin(ctx, att.Identifier, att.RemoteIP)
	}
}
