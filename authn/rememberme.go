package authn

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/amlume/identity/account"
	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/valueobject"
)

// ErrRememberMeTheft is returned when a presented remember-me token
// doesn't match the stored one for its series — the classic
// series/token signal that a token was stolen and already used by an
// attacker: "if token mismatches ⇒ revoke all series
// for the user and reject".
var ErrRememberMeTheft = errors.New("authn: remember-me token reuse detected")

// RememberMeCookie is the (series, token) pair a client presents.
// HTTP cookie encoding/decoding is out of scope: this
// package only handles the series/token business logic.
type RememberMeCookie struct {
	Series string
	Token  string
}

// RememberMe implements the remember-me flow with series/token theft
// detection. It keeps only the series/token persistence and rotation
// logic; the cookie wire format belongs to the HTTP edge, not this
// coordinator.
type RememberMe struct {
	logins     repository.PersistentLoginRepository
	users      repository.UserRepository
	blindIndex valueobject.BlindIndexKey
	clock      clockwork.Clock
	log        logrus.FieldLogger
}

// NewRememberMe builds a RememberMe coordinator. PersistentLogin.Username
// is stored as the plain login identifier; blindIndex lets
// this coordinator re-derive the email blind index to resolve the
// backing user, the same key account.Manager and FederatedLogin use.
func NewRememberMe(logins repository.PersistentLoginRepository, users repository.UserRepository, blindIndex valueobject.BlindIndexKey, log logrus.FieldLogger) *RememberMe {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RememberMe{logins: logins, users: users, blindIndex: blindIndex, clock: clockwork.NewRealClock(), log: log}
}

// WithClock overrides the clock, for deterministic tests.
func (r *RememberMe) WithClock(c clockwork.Clock) *RememberMe {
	r.clock = c
	return r
}

func newRememberMeSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a fresh series/token pair for username, used right
// after a successful login when the caller opted in to "remember me".
func (r *RememberMe) Issue(ctx context.Context, username string) (RememberMeCookie, error) {
	series, err := newRememberMeSecret()
	if err != nil {
		return RememberMeCookie{}, err
	}
	token, err := newRememberMeSecret()
	if err != nil {
		return RememberMeCookie{}, err
	}
	p := repository.PersistentLogin{Username: username, Series: series, Token: token, LastUsed: r.clock.Now()}
	if err := r.logins.Create(ctx, p); err != nil {
		return RememberMeCookie{}, err
	}
	return RememberMeCookie{Series: series, Token: token}, nil
}

// Authenticate redeems a remember-me cookie, rotating its token on
// success (so a reused old cookie is detectable) and authenticating the
// backing user. On a token mismatch, every series for the user is
// revoked and ErrRememberMeTheft is returned.
func (r *RememberMe) Authenticate(ctx context.Context, cookie RememberMeCookie) (repository.User, RememberMeCookie, error) {
	p, err := r.logins.GetBySeries(ctx, cookie.Series)
	if err != nil {
		return repository.User{}, RememberMeCookie{}, err
	}
	if subtle.ConstantTimeCompare([]byte(p.Token), []byte(cookie.Token)) != 1 {
		if err := r.logins.RemoveUserTokens(ctx, p.Username); err != nil {
			r.log.WithField("username", p.Username).WithError(err).Error("authn: failed to revoke remember-me series after theft detection")
		}
		return repository.User{}, RememberMeCookie{}, ErrRememberMeTheft
	}

	newToken, err := newRememberMeSecret()
	if err != nil {
		return repository.User{}, RememberMeCookie{}, err
	}
	now := r.clock.Now()
	if err := r.logins.UpdateToken(ctx, cookie.Series, newToken, now); err != nil {
		return repository.User{}, RememberMeCookie{}, err
	}

	if p.Username == "" {
		return repository.User{}, RememberMeCookie{}, fmt.Errorf("authn: remember-me record has no username")
	}
	email, err := valueobject.NewEmail(p.Username)
	if err != nil {
		return repository.User{}, RememberMeCookie{}, fmt.Errorf("authn: remember-me record has invalid username: %w", err)
	}
	u, err := r.users.GetByEmailBlindIndex(ctx, r.blindIndex.EmailBlindIndex(email))
	if err != nil {
		return repository.User{}, RememberMeCookie{}, err
	}
	return u, RememberMeCookie{Series: cookie.Series, Token: newToken}, nil
}

// RevokeAll removes every remember-me series for username, used on
// logout-everywhere, password change, or role change. This
// satisfies account.RememberMeRevoker structurally.
func (r *RememberMe) RevokeAll(ctx context.Context, username string) error {
	return r.logins.RemoveUserTokens(ctx, username)
}

// RemoveUserTokens satisfies account.RememberMeRevoker by delegating to
// RevokeAll.
func (r *RememberMe) RemoveUserTokens(ctx context.Context, username string) error {
	return r.RevokeAll(ctx, username)
}

var _ account.RememberMeRevoker = (*RememberMe)(nil)
