package authn

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/amlume/identity/repository"
)

// ErrPasskeyReplay is returned when an assertion's signature counter
// does not exceed the stored counter, the classic cloned-authenticator
// signal.
var ErrPasskeyReplay = errors.New("authn: passkey signature counter did not advance")

// ErrCeremonyExpired is returned when Finish is called with an unknown
// or expired ceremony id — the challenge was either never issued by
// this process, already consumed, or outlived its timeout.
var ErrCeremonyExpired = errors.New("authn: passkey ceremony expired or unknown")

// PasskeyConfig configures the relying-party identity and ceremony
// timeouts.
type PasskeyConfig struct {
	RPID                 string
	RPDisplayName        string
	RPOrigins            []string
	ChallengeTimeout     time.Duration
	AttestationPreference protocol.ConveyancePreference // none or direct
}

// PasskeyCeremony implements the WebAuthn registration and
// authentication ceremonies as Begin/Finish pairs (challenge handed to
// the client in Begin, verified and consumed in Finish), built on
// go-webauthn/webauthn.
//
// Challenges are opaque, server-held, single-use, and time-bounded:
// each Begin call mints a random ceremony id, stores the library's
// SessionData under it, and Finish deletes the entry whether or not it
// succeeds.
type PasskeyCeremony struct {
	wa       *webauthn.WebAuthn
	passkeys repository.PasskeyRepository
	users    repository.UserRepository
	events   repository.SecurityEventRepository
	timeout  time.Duration

	mu       sync.Mutex
	pending  map[string]pendingCeremony

	clock clockwork.Clock
	log   logrus.FieldLogger
}

type pendingCeremony struct {
	session webauthn.SessionData
	userID  int64 // 0 for a discoverable (usernameless) login ceremony
	expires time.Time
}

// NewPasskeyCeremony builds a PasskeyCeremony. passkeys/users/events
// are the repository ports this coordinator reads and writes.
func NewPasskeyCeremony(cfg PasskeyConfig, passkeys repository.PasskeyRepository, users repository.UserRepository, events repository.SecurityEventRepository, log logrus.FieldLogger) (*PasskeyCeremony, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	pref := cfg.AttestationPreference
	if pref == "" {
		pref = protocol.PreferNoAttestation
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: pref,
	})
	if err != nil {
		return nil, fmt.Errorf("authn: configure webauthn relying party: %w", err)
	}
	timeout := cfg.ChallengeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &PasskeyCeremony{
		wa: wa, passkeys: passkeys, users: users, events: events,
		timeout: timeout, pending: make(map[string]pendingCeremony),
		clock: clockwork.NewRealClock(), log: log,
	}, nil
}

// WithClock overrides the clock, for deterministic tests.
func (p *PasskeyCeremony) WithClock(c clockwork.Clock) *PasskeyCeremony {
	p.clock = c
	return p
}

func newCeremonyID() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// webauthnUser adapts a repository.User plus its existing passkeys to
// the library's User interface. WebAuthnID is the user's externalId
//'s "user handle (= user.externalId)".
type webauthnUser struct {
	u     repository.User
	creds []webauthn.Credential
}

func (w webauthnUser) WebAuthnID() []byte {
	id, _ := base64.RawURLEncoding.DecodeString(w.u.ExternalID)
	return id
}

func (w webauthnUser) WebAuthnName() string { return w.u.Email.String() }

func (w webauthnUser) WebAuthnDisplayName() string {
	switch {
	case w.u.GivenName != "" || w.u.Surname != "":
		return fmt.Sprintf("%s %s", w.u.GivenName, w.u.Surname)
	case w.u.Nickname != "":
		return w.u.Nickname
	default:
		return w.u.Email.String()
	}
}

func (w webauthnUser) WebAuthnCredentials() []webauthn.Credential { return w.creds }

func (w webauthnUser) WebAuthnIcon() string { return "" }

func toCredential(c repository.PasskeyCredential) (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(c.CredentialID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("authn: decode credential id: %w", err)
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              id,
		PublicKey:       c.COSEPublicKey,
		AttestationType: "none",
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			UserVerified:   c.UVInitialized,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignatureCount,
		},
	}, nil
}

// BeginRegistration generates PublicKeyCredentialCreationOptions for
// userID, excluding any passkeys it already owns:
// "challenge ... user handle = externalId, excludeCredentials from
// existing passkeys, residentKey=preferred, userVerification=preferred".
func (p *PasskeyCeremony) BeginRegistration(ctx context.Context, userID int64) (string, *protocol.CredentialCreation, error) {
	u, err := p.users.Get(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	existing, err := p.passkeys.ListByUser(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	excl := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, c := range existing {
		id, err := base64.RawURLEncoding.DecodeString(c.CredentialID)
		if err != nil {
			continue
		}
		excl = append(excl, protocol.CredentialDescriptor{Type: protocol.PublicKeyCredentialType, CredentialID: id})
	}

	wuser := webauthnUser{u: u}
	creation, session, err := p.wa.BeginRegistration(wuser,
		webauthn.WithExclusions(excl),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		}),
	)
	if err != nil {
		return "", nil, fmt.Errorf("authn: begin passkey registration: %w", err)
	}

	id, err := newCeremonyID()
	if err != nil {
		return "", nil, err
	}
	p.store(id, pendingCeremony{session: *session, userID: userID, expires: p.clock.Now().Add(p.timeout)})
	return id, creation, nil
}

// FinishRegistration verifies the attestation response for ceremonyID
// and persists a new PasskeyCredential. rawResponse is the client's
// JSON CredentialCreationResponse body, base64url-encoded Bytes fields
// included.
func (p *PasskeyCeremony) FinishRegistration(ctx context.Context, ceremonyID, friendlyName string, rawResponse []byte) (repository.PasskeyCredential, error) {
	pending, ok := p.take(ceremonyID)
	if !ok {
		return repository.PasskeyCredential{}, ErrCeremonyExpired
	}
	if p.clock.Now().After(pending.expires) {
		return repository.PasskeyCredential{}, ErrCeremonyExpired
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(rawResponse))
	if err != nil {
		return repository.PasskeyCredential{}, fmt.Errorf("authn: parse attestation response: %w", err)
	}

	u, err := p.users.Get(ctx, pending.userID)
	if err != nil {
		return repository.PasskeyCredential{}, err
	}
	wuser := webauthnUser{u: u}

	cred, err := p.wa.CreateCredential(wuser, pending.session, parsed)
	if err != nil {
		return repository.PasskeyCredential{}, fmt.Errorf("authn: verify attestation: %w", err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	out := repository.PasskeyCredential{
		CredentialID:   base64.RawURLEncoding.EncodeToString(cred.ID),
		UserID:         u.ID,
		UserHandle:     u.ExternalID,
		COSEPublicKey:  cred.PublicKey,
		SignatureCount: cred.Authenticator.SignCount,
		Transports:     transports,
		UVInitialized:  cred.Flags.UserVerified,
		BackupEligible: cred.Flags.BackupEligible,
		BackupState:    cred.Flags.BackupState,
		FriendlyName:   friendlyName,
		LastUsedAt:     p.clock.Now(),
	}
	if err := p.passkeys.Create(ctx, out); err != nil {
		return repository.PasskeyCredential{}, err
	}
	return out, nil
}

// BeginAuthentication generates PublicKeyCredentialRequestOptions. When
// userID is non-zero, allowCredentials is populated from that user's
// passkeys; userID == 0 begins a discoverable (passkey-only,
// usernameless) ceremony.
func (p *PasskeyCeremony) BeginAuthentication(ctx context.Context, userID int64) (string, *protocol.CredentialAssertion, error) {
	var assertion *protocol.CredentialAssertion
	var session *webauthn.SessionData
	var err error

	if userID == 0 {
		assertion, session, err = p.wa.BeginDiscoverableLogin(webauthn.WithUserVerification(protocol.VerificationPreferred))
	} else {
		u, getErr := p.users.Get(ctx, userID)
		if getErr != nil {
			return "", nil, getErr
		}
		existing, listErr := p.passkeys.ListByUser(ctx, userID)
		if listErr != nil {
			return "", nil, listErr
		}
		creds := make([]webauthn.Credential, 0, len(existing))
		for _, c := range existing {
			wc, convErr := toCredential(c)
			if convErr != nil {
				continue
			}
			creds = append(creds, wc)
		}
		assertion, session, err = p.wa.BeginLogin(webauthnUser{u: u, creds: creds}, webauthn.WithUserVerification(protocol.VerificationPreferred))
	}
	if err != nil {
		return "", nil, fmt.Errorf("authn: begin passkey authentication: %w", err)
	}

	id, err := newCeremonyID()
	if err != nil {
		return "", nil, err
	}
	p.store(id, pendingCeremony{session: *session, userID: userID, expires: p.clock.Now().Add(p.timeout)})
	return id, assertion, nil
}

// FinishAuthentication verifies the assertion response for ceremonyID
// against the stored credential, enforcing the strict signature-
// counter-advance rule ahead of calling into the
// library, so a replayed counter is rejected deterministically and
// recorded as a security event before the stored credential is ever
// touched.
func (p *PasskeyCeremony) FinishAuthentication(ctx context.Context, ceremonyID string, rawResponse []byte) (repository.User, repository.PasskeyCredential, error) {
	pending, ok := p.take(ceremonyID)
	if !ok {
		return repository.User{}, repository.PasskeyCredential{}, ErrCeremonyExpired
	}
	if p.clock.Now().After(pending.expires) {
		return repository.User{}, repository.PasskeyCredential{}, ErrCeremonyExpired
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(rawResponse))
	if err != nil {
		return repository.User{}, repository.PasskeyCredential{}, fmt.Errorf("authn: parse assertion response: %w", err)
	}

	credentialID := base64.RawURLEncoding.EncodeToString(parsed.RawID)
	stored, err := p.passkeys.Get(ctx, credentialID)
	if err != nil {
		return repository.User{}, repository.PasskeyCredential{}, err
	}

	newCount := parsed.Response.AuthenticatorData.Counter
	if newCount != 0 && newCount <= stored.SignatureCount {
		p.recordReplay(ctx, stored)
		return repository.User{}, repository.PasskeyCredential{}, ErrPasskeyReplay
	}

	u, err := p.users.Get(ctx, stored.UserID)
	if err != nil {
		return repository.User{}, repository.PasskeyCredential{}, err
	}
	wcred, err := toCredential(stored)
	if err != nil {
		return repository.User{}, repository.PasskeyCredential{}, err
	}
	wuser := webauthnUser{u: u, creds: []webauthn.Credential{wcred}}

	var verified *webauthn.Credential
	if pending.userID == 0 {
		handler := func(rawID, userHandle []byte) (webauthn.User, error) { return wuser, nil }
		verified, err = p.wa.ValidateDiscoverableLogin(handler, pending.session, parsed)
	} else {
		verified, err = p.wa.ValidateLogin(wuser, pending.session, parsed)
	}
	if err != nil {
		return repository.User{}, repository.PasskeyCredential{}, fmt.Errorf("authn: verify assertion: %w", err)
	}
	if verified.Authenticator.CloneWarning {
		p.recordReplay(ctx, stored)
		return repository.User{}, repository.PasskeyCredential{}, ErrPasskeyReplay
	}

	if err := p.passkeys.UpdateSignatureCount(ctx, credentialID, newCount); err != nil {
		return repository.User{}, repository.PasskeyCredential{}, err
	}
	stored.SignatureCount = newCount
	stored.LastUsedAt = p.clock.Now()
	return u, stored, nil
}

func (p *PasskeyCeremony) recordReplay(ctx context.Context, stored repository.PasskeyCredential) {
	if p.events == nil {
		return
	}
	err := p.events.Append(ctx, repository.SecurityEvent{
		UserID: stored.UserID,
		Kind:   "passkey_replay",
		Detail: map[string]string{"credential_id": stored.CredentialID},
		CreatedAt: p.clock.Now(),
	})
	if err != nil {
		p.log.WithError(err).Warn("authn: failed to record passkey replay security event")
	}
}

func (p *PasskeyCeremony) store(id string, c pendingCeremony) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[id] = c
}

// take removes and returns the ceremony under id, enforcing single-use
// regardless of whether Finish goes on to succeed.
func (p *PasskeyCeremony) take(id string) (pendingCeremony, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return c, ok
}
