package token

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/amlume/identity/repository"
)

// Device-code polling statuses, per RFC 8628 §3.5.
const (
	DeviceStatusPending  = "authorization_pending"
	DeviceStatusComplete = "complete"
	DeviceStatusSlowDown = "slow_down"
	DeviceStatusExpired  = "expired_token"
	DeviceStatusDenied   = "access_denied"
)

// userCodeAlphabet avoids visually ambiguous characters.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

func newUserCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	var sb strings.Builder
	for i, c := range b {
		if i == 4 {
			sb.WriteByte('-')
		}
		sb.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return sb.String()
}

// DeviceAuthorization is the RFC 8628 §3.2 device authorization
// response.
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string
	ExpiresIn  time.Duration
	Interval   time.Duration
}

// StartDeviceAuthorization creates a pending authorization row keyed
// by both a device code (polled by the device) and a user code
// (entered by the user in a browser)'s
// "device_code: user-code + device-code pair; device polls until user
// authorizes or expiry".
func (a *Authority) StartDeviceAuthorization(ctx Ctx, clientID string, scopes []string) (DeviceAuthorization, error) {
	client, err := a.Clients.Get(ctx, clientID)
	if err != nil {
		return DeviceAuthorization{}, fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}
	if err := validateScopes(scopes, client.Scopes); err != nil {
		return DeviceAuthorization{}, err
	}

	deviceCode, err := randomToken(32)
	if err != nil {
		return DeviceAuthorization{}, err
	}
	userCode := newUserCode()
	ttl := a.DeviceCodeTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	interval := a.DevicePollInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	now := a.now()

	authz := repository.OAuth2Authorization{
		ID: newAuthorizationID(), RegisteredClientID: client.ID,
		GrantType: GrantDeviceCode, Scopes: scopes,
		DeviceCode: &repository.TokenRecord{
			ValueHash: hashTokenValue(deviceCode), IssuedAt: now, ExpiresAt: now.Add(ttl),
			Metadata: map[string]string{"status": DeviceStatusPending},
		},
		UserCode: &repository.TokenRecord{
			ValueHash: userCode, IssuedAt: now, ExpiresAt: now.Add(ttl),
		},
	}
	if err := a.Authorizations.Create(ctx, authz); err != nil {
		return DeviceAuthorization{}, err
	}
	return DeviceAuthorization{DeviceCode: deviceCode, UserCode: userCode, ExpiresIn: ttl, Interval: interval}, nil
}

// ApproveDevice marks a pending device authorization as approved by
// principalName, found by the user-facing user code. Called once the
// user has authenticated in a browser and confirmed the code.
func (a *Authority) ApproveDevice(ctx Ctx, userCode, principalName string, approved bool) error {
	authz, err := a.Authorizations.GetByUserCode(ctx, userCode)
	if err != nil {
		return fmt.Errorf("%w: unknown user code", ErrInvalidGrant)
	}
	if a.now().After(authz.UserCode.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrExpiredToken, DeviceStatusExpired)
	}
	status := DeviceStatusComplete
	if !approved {
		status = DeviceStatusDenied
	}
	_, err = a.Authorizations.Update(ctx, authz.ID, func(cur repository.OAuth2Authorization) (repository.OAuth2Authorization, error) {
		cur.PrincipalName = principalName
		if cur.DeviceCode.Metadata == nil {
			cur.DeviceCode.Metadata = map[string]string{}
		}
		cur.DeviceCode.Metadata["status"] = status
		return cur, nil
	})
	return err
}

// PollDeviceToken is called by the device on its polling interval. It
// rate-limits polling per device codeRFC 8628 §3.5:
// a poll arriving before the previous one's interval has elapsed gets
// ErrSlowDown instead of being evaluated against the state machine.
func (a *Authority) PollDeviceToken(ctx Ctx, clientID, deviceCode string, principal *repository.User, roles []string) (IssuedTokens, error) {
	client, err := a.Clients.Get(ctx, clientID)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}
	authz, err := a.Authorizations.GetByDeviceCodeHash(ctx, hashTokenValue(deviceCode))
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("%w: unknown device code", ErrInvalidGrant)
	}
	if authz.RegisteredClientID != client.ID {
		return IssuedTokens{}, fmt.Errorf("%w: client mismatch", ErrInvalidGrant)
	}
	if a.now().After(authz.DeviceCode.ExpiresAt) {
		a.clearPollLimiter(deviceCode)
		return IssuedTokens{}, ErrExpiredToken
	}
	if authz.DeviceCode.Revoked {
		return IssuedTokens{}, fmt.Errorf("%w: device code already redeemed", ErrInvalidGrant)
	}
	status := ""
	if authz.DeviceCode.Metadata != nil {
		status = authz.DeviceCode.Metadata["status"]
	}
	switch status {
	case DeviceStatusComplete:
		a.clearPollLimiter(deviceCode)
		_, err := a.Authorizations.Update(ctx, authz.ID, func(cur repository.OAuth2Authorization) (repository.OAuth2Authorization, error) {
			cur.DeviceCode.Revoked = true
			return cur, nil
		})
		if err != nil {
			return IssuedTokens{}, err
		}
		return a.mintFamily(ctx, client, authz.PrincipalName, authz.Scopes, principal, roles, newFamilyID(), "")
	case DeviceStatusDenied:
		a.clearPollLimiter(deviceCode)
		return IssuedTokens{}, ErrAccessDenied
	default:
		if !a.pollLimiter(deviceCode).Allow() {
			return IssuedTokens{}, ErrSlowDown
		}
		return IssuedTokens{}, ErrAuthorizationPending
	}
}

// pollLimiter returns the per-device-code token bucket, creating one
// sized to one token per DevicePollInterval (default 5s) on first
// poll so the very first poll is never slowed down.
func (a *Authority) pollLimiter(deviceCode string) *rate.Limiter {
	interval := a.DevicePollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	if a.pollLimiters == nil {
		a.pollLimiters = make(map[string]*rate.Limiter)
	}
	l, ok := a.pollLimiters[deviceCode]
	if !ok {
		l = rate.NewLimiter(rate.Every(interval), 1)
		a.pollLimiters[deviceCode] = l
	}
	return l
}

// clearPollLimiter drops the bucket once a device code reaches a
// terminal state, bounding pollLimiters to currently-pending codes.
func (a *Authority) clearPollLimiter(deviceCode string) {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	delete(a.pollLimiters, deviceCode)
}
