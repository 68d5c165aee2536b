package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/jonboulle/clockwork"
)

func staticGenerateCodeFunc(code string) GenerateCodeFunc {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("%s-%d", code, n), nil
	}
}

func newTestManager() *Manager {
	m := NewManager(NewMemoryStore())
	m.Clock = clockwork.NewFakeClock()
	return m
}

func TestManagerNewAndIdentify(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	m.GenerateCode = staticGenerateCodeFunc("sess")

	s, err := m.New(ctx, "client-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.ID != "sess-1" || s.State != StateNew {
		t.Fatalf("unexpected session: %+v", s)
	}

	identified, err := m.Identify(ctx, s.ID, "alice@example.com")
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if identified.State != StateIdentified || identified.PrincipalName != "alice@example.com" {
		t.Fatalf("unexpected identified session: %+v", identified)
	}

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PrincipalName != "alice@example.com" {
		t.Fatalf("Get returned stale session: %+v", got)
	}
}

func TestManagerAttachConnectorTwiceFails(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	s, err := m.New(ctx, "client-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.AttachConnector(ctx, s.ID, "connector-1"); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if _, err := m.AttachConnector(ctx, s.ID, "connector-1"); err == nil {
		t.Fatalf("expected second attach to fail")
	}
}

func TestManagerKill(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	s, err := m.New(ctx, "client-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Identify(ctx, s.ID, "alice@example.com"); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if err := m.Kill(ctx, s.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := m.Get(ctx, s.ID); err != ErrDead {
		t.Fatalf("expected ErrDead after kill, got %v", err)
	}
}

// InvalidateAllForPrincipal must kill every session for a principal
// except the one explicitly excluded, the current-session exclusion
// password-change flows rely on.
func TestManagerInvalidateAllForPrincipalExceptCurrent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	s1, err := m.New(ctx, "client-1")
	if err != nil {
		t.Fatalf("New s1: %v", err)
	}
	if _, err := m.Identify(ctx, s1.ID, "alice@example.com"); err != nil {
		t.Fatalf("Identify s1: %v", err)
	}

	s2, err := m.New(ctx, "client-1")
	if err != nil {
		t.Fatalf("New s2: %v", err)
	}
	if _, err := m.Identify(ctx, s2.ID, "alice@example.com"); err != nil {
		t.Fatalf("Identify s2: %v", err)
	}

	if err := m.InvalidateAllForPrincipal(ctx, "alice@example.com", s1.ID); err != nil {
		t.Fatalf("InvalidateAllForPrincipal: %v", err)
	}

	if _, err := m.Get(ctx, s1.ID); err != nil {
		t.Fatalf("expected excluded session s1 to remain live, got %v", err)
	}
	if _, err := m.Get(ctx, s2.ID); err != ErrDead {
		t.Fatalf("expected s2 to be invalidated, got %v", err)
	}
}

func TestManagerTouchRequiresIdentified(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	s, err := m.New(ctx, "client-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Touch(ctx, s.ID); err == nil {
		t.Fatalf("expected Touch on a non-identified session to fail")
	}
}
