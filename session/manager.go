package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Manager is the session coordinator: it owns session creation, the
// new->remote_attached->identified state machine, and principal-wide
// invalidation. It exposes InvalidateAllForPrincipal so it satisfies
// account.SessionInvalidator.
type Manager struct {
	GenerateCode   GenerateCodeFunc
	Clock          clockwork.Clock
	ValidityWindow time.Duration

	store Store
}

// NewManager wires a Manager over store, matching
// session/manager.go's NewSessionManager defaults.
func NewManager(store Store) *Manager {
	return &Manager{
		GenerateCode:   DefaultGenerateCode,
		Clock:          clockwork.NewRealClock(),
		ValidityWindow: 12 * time.Hour,
		store:          store,
	}
}

// WithClock overrides the clock, for deterministic tests — matching
// account.Manager's WithClock seam.
func (m *Manager) WithClock(c clockwork.Clock) *Manager {
	m.Clock = c
	return m
}

// New creates a StateNew session for an OAuth2 client, ahead of any
// identity being known. Mirrors session/manager.go's NewSession,
// generalized beyond federated-connector logins.
func (m *Manager) New(ctx context.Context, clientID string) (Session, error) {
	id, err := m.GenerateCode()
	if err != nil {
		return Session{}, err
	}
	now := m.Clock.Now()
	s := Session{
		ID: id, State: StateNew, ClientID: clientID,
		CreatedAt: now, ExpiresAt: now.Add(m.ValidityWindow),
	}
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// AttachConnector records that a federated authentication attempt
// against connectorID is in flight for the session, mirroring
// session/manager.go's AttachRemoteIdentity.
func (m *Manager) AttachConnector(ctx context.Context, sessionID, connectorID string) (Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	s, err = s.attachIdentity(connectorID)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Identify binds the session to principalName, the point at which a
// session becomes usable. Mirrors session/manager.go's AttachUser.
func (m *Manager) Identify(ctx context.Context, sessionID, principalName string) (Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	s, err = s.identify(principalName, m.Clock.Now(), m.ValidityWindow)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Touch refreshes LastSeenAt without otherwise changing the session,
// used on each authenticated request so idle-timeout policies (if any)
// have an accurate signal.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State != StateIdentified {
		return fmt.Errorf("%w: session is %s, expected identified", ErrWrongState, s.State)
	}
	s.LastSeenAt = m.Clock.Now()
	return m.store.Save(ctx, s)
}

// Get returns the live session for id, or an error if it is dead,
// expired, or unknown.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !s.IsLive(m.Clock.Now()) {
		return Session{}, ErrDead
	}
	return s, nil
}

// Kill invalidates a single session (logout), mirroring
// session/manager.go's Kill.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.store.Save(ctx, s.kill())
}

// InvalidateAllForPrincipal kills every live session belonging to
// principalName, except exceptSessionID if non-empty. This is the
// account.SessionInvalidator implementation: the current-session
// token is threaded on the request so invalidate-all can exclude it:
// a user changing their own password stays logged in on the device
// they used to change it, while every other device is forced to
// re-authenticate.
func (m *Manager) InvalidateAllForPrincipal(ctx context.Context, principalName, exceptSessionID string) error {
	sessions, err := m.store.FindByPrincipal(ctx, principalName)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.ID == exceptSessionID || s.State == StateDead {
			continue
		}
		if err := m.store.Save(ctx, s.kill()); err != nil {
			return fmt.Errorf("session: invalidate %s: %w", s.ID, err)
		}
	}
	return nil
}
