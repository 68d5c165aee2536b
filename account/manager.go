// Package account implements the account lifecycle manager: user
// creation, profile and credential updates, admin operations,
// soft-delete, and the failed/successful login hooks that drive the
// risk engine's lockout rule. It is business logic over the
// repository ports and the risk engine, not a store of its own.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/risk"
	"github.com/amlume/identity/valueobject"
)

var (
	ErrEmailInUse            = errors.New("account: email already in use")
	ErrRecoveryEmailInUse    = errors.New("account: recovery email already in use")
	ErrRecoveryEqualsPrimary = errors.New("account: recovery email must differ from primary email")
	ErrWrongOldPassword      = errors.New("account: old password incorrect")
	ErrSamePassword          = errors.New("account: new password must differ from the old one")
	ErrNoPrincipal           = errors.New("account: no authenticated principal in context")
)

// SessionInvalidator is the session-store collaborator used to force re-auth on
// password/role change and account deletion.
type SessionInvalidator interface {
	InvalidateAllForPrincipal(ctx context.Context, principalName, exceptSessionID string) error
}

// TokenRevoker is the token-authority collaborator used to revoke standing OAuth2
// authorizations and consent on account-level events.
type TokenRevoker interface {
	RevokeAllForPrincipal(ctx context.Context, principalName string) error
}

// RememberMeRevoker purges remember-me series for a user, forcing
// re-auth with fresh authorities after a role/password change.
type RememberMeRevoker interface {
	RemoveUserTokens(ctx context.Context, username string) error
}

// Config holds Manager's policy knobs, all sourced from the
// composition root's config file.
type Config struct {
	Password           PasswordPolicy
	LockoutThreshold   int           // default 5
	LockoutDuration    time.Duration // default 30m
	DefaultRoleName    string
	PhoneDefaultRegion string
}

func (c Config) withDefaults() Config {
	if c.Password == (PasswordPolicy{}) {
		c.Password = DefaultPasswordPolicy()
	}
	if c.LockoutThreshold == 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = 30 * time.Minute
	}
	if c.DefaultRoleName == "" {
		c.DefaultRoleName = "user"
	}
	if c.PhoneDefaultRegion == "" {
		c.PhoneDefaultRegion = "1"
	}
	return c
}

// Manager implements the account lifecycle operations.
type Manager struct {
	users        repository.UserRepository
	roles        repository.RoleRepository
	passkeys     repository.PasskeyRepository
	persistent   repository.PersistentLoginRepository
	devices      repository.DeviceFingerprintRepository
	consents     repository.ConsentRepository
	authz        repository.AuthorizationRepository

	sessions SessionInvalidator
	tokens   TokenRevoker

	deviceTrust   *risk.DeviceTrust
	failedLogins  *risk.FailedLoginTracker
	breachChecker risk.BreachChecker
	gate          *risk.Gate

	blindIndex valueobject.BlindIndexKey
	clock      clockwork.Clock
	log        logrus.FieldLogger
	cfg        Config
}

// Deps bundles Manager's collaborators so NewManager's signature stays
// readable as the dependency count grows.
type Deps struct {
	Users      repository.UserRepository
	Roles      repository.RoleRepository
	Passkeys   repository.PasskeyRepository
	Persistent repository.PersistentLoginRepository
	Devices    repository.DeviceFingerprintRepository
	Consents   repository.ConsentRepository
	Authz      repository.AuthorizationRepository

	Sessions SessionInvalidator
	Tokens   TokenRevoker

	DeviceTrust   *risk.DeviceTrust
	FailedLogins  *risk.FailedLoginTracker
	BreachChecker risk.BreachChecker
	Gate          *risk.Gate

	BlindIndex valueobject.BlindIndexKey
	Log        logrus.FieldLogger
}

// NewManager builds a Manager. cfg is normalized with withDefaults.
func NewManager(d Deps, cfg Config) *Manager {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		users:         d.Users,
		roles:         d.Roles,
		passkeys:      d.Passkeys,
		persistent:    d.Persistent,
		devices:       d.Devices,
		consents:      d.Consents,
		authz:         d.Authz,
		sessions:      d.Sessions,
		tokens:        d.Tokens,
		deviceTrust:   d.DeviceTrust,
		failedLogins:  d.FailedLogins,
		breachChecker: d.BreachChecker,
		gate:          d.Gate,
		blindIndex:    d.BlindIndex,
		clock:         clockwork.NewRealClock(),
		log:           log,
		cfg:           cfg.withDefaults(),
	}
}

// WithClock overrides the clock, for deterministic tests.
func (m *Manager) WithClock(c clockwork.Clock) *Manager {
	m.clock = c
	return m
}

// ProfileInput is the mutable profile portion of CreateUser's input.
type ProfileInput struct {
	GivenName     string
	MiddleName    string
	Surname       string
	Nickname      string
	Email         string
	RecoveryEmail string
	Phone         string
}

// CreateUserInput is createUser's full argument set.
type CreateUserInput struct {
	Profile     ProfileInput
	RawPassword string // empty means no local password (federated-only account)
	Captcha     string
	IP          string
}

// CreateUser runs registration: risk pre-flight, uniqueness checks,
// password-policy validation, hashing, default role assignment, and
// persistence.
func (m *Manager) CreateUser(ctx context.Context, in CreateUserInput) (repository.User, error) {
	if m.gate != nil {
		// Registration has no prior device history to consult, so the
		// gate's newDevice signal stays false here; only the IP-exhaustion
		// half of the gate rule applies to a brand-new account.
		if err := m.gate.Check(ctx, in.Profile.Email, in.IP, false, in.Captcha); err != nil {
			return repository.User{}, err
		}
	}

	email, err := valueobject.NewEmail(in.Profile.Email)
	if err != nil {
		return repository.User{}, fmt.Errorf("account: invalid email: %w", err)
	}
	emailBlindIndex := m.blindIndex.EmailBlindIndex(email)

	if _, err := m.users.GetByEmailBlindIndex(ctx, emailBlindIndex); err == nil {
		return repository.User{}, ErrEmailInUse
	} else if !errors.Is(err, repository.ErrNotFound) {
		return repository.User{}, err
	}

	var recoveryEmail valueobject.Email
	var recoveryBlindIndex string
	if in.Profile.RecoveryEmail != "" {
		recoveryEmail, err = valueobject.NewEmail(in.Profile.RecoveryEmail)
		if err != nil {
			return repository.User{}, fmt.Errorf("account: invalid recovery email: %w", err)
		}
		if recoveryEmail.Equal(email) {
			return repository.User{}, ErrRecoveryEqualsPrimary
		}
		recoveryBlindIndex = m.blindIndex.EmailBlindIndex(recoveryEmail)
		if _, err := m.users.GetByEmailBlindIndex(ctx, recoveryBlindIndex); err == nil {
			return repository.User{}, ErrRecoveryEmailInUse
		} else if !errors.Is(err, repository.ErrNotFound) {
			return repository.User{}, err
		}
	}

	var phone valueobject.Phone
	if in.Profile.Phone != "" {
		phone, err = valueobject.NewPhone(in.Profile.Phone, m.cfg.PhoneDefaultRegion)
		if err != nil {
			return repository.User{}, fmt.Errorf("account: invalid phone: %w", err)
		}
	}

	var hashed valueobject.HashedPassword
	if in.RawPassword != "" {
		if err := m.cfg.Password.Validate(in.RawPassword); err != nil {
			return repository.User{}, errPasswordPolicy(err)
		}
		if err := CheckBreach(ctx, m.breachChecker, m.log, in.RawPassword); err != nil {
			return repository.User{}, errPasswordPolicy(err)
		}
		hashed, err = valueobject.NewHashedPassword(in.RawPassword)
		if err != nil {
			return repository.User{}, err
		}
	}

	now := m.clock.Now()
	user := repository.User{
		ExternalID:          valueobject.NewExternalID(),
		GivenName:           in.Profile.GivenName,
		MiddleName:          in.Profile.MiddleName,
		Surname:             in.Profile.Surname,
		Nickname:            in.Profile.Nickname,
		Email:               email,
		EmailBlindIndex:     emailBlindIndex,
		RecoveryEmail:       recoveryEmail,
		RecoveryBlindIndex:  recoveryBlindIndex,
		Phone:               phone,
		Password:            hashed,
		EmailVerified:       false,
		Status:              valueobject.NewAccountStatus(now),
	}

	created, err := m.users.Create(ctx, user)
	if err != nil {
		return repository.User{}, err
	}

	if role, err := m.roles.GetByName(ctx, m.cfg.DefaultRoleName); err == nil {
		if err := m.users.AppendRole(ctx, created.ID, role.ID); err != nil {
			m.log.WithField("user_id", created.ID).WithError(err).Warn("account: failed to assign default role to new user")
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		m.log.WithError(err).Warn("account: default role lookup failed")
	}

	return created, nil
}
