package authn

import (
	"context"
	"errors"
	"testing"

	"github.com/amlume/identity/account"
	"github.com/amlume/identity/authn/connector"
	"github.com/amlume/identity/repository/memory"
)

func newTestFederatedLogin(t *testing.T) (*FederatedLogin, *account.Manager, *memory.Store) {
	t.Helper()
	accounts, store, blindIndex := newTestAccountManager(t)
	fed := NewFederatedLogin(store.Users(), store.Roles(), blindIndex, "user", nil)
	return fed, accounts, store
}

// Federated linking conflict: a local user
// already linked to subject S1 must not be re-linked to a different
// upstream subject reporting the same email.
func TestFederatedLoginRejectsSubjectConflict(t *testing.T) {
	ctx := context.Background()
	fed, accounts, store := newTestFederatedLogin(t)

	created, err := accounts.CreateUser(ctx, account.CreateUserInput{
		Profile:     account.ProfileInput{GivenName: "Bob", Email: "bob@x.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	linked, err := fed.LinkOrProvision(ctx, connector.Identity{
		SubjectID: "S1",
		Email:     "bob@x.com",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("first link: %v", err)
	}
	if linked.ID != created.ID {
		t.Fatalf("expected existing user to be linked, got a different row")
	}
	if linked.AuthServerSubjectID != "S1" {
		t.Fatalf("expected subject S1 to be attached, got %q", linked.AuthServerSubjectID)
	}

	_, err = fed.LinkOrProvision(ctx, connector.Identity{
		SubjectID: "S2",
		Email:     "bob@x.com",
	}, "203.0.113.7")
	if !errors.Is(err, ErrSubjectConflict) {
		t.Fatalf("expected ErrSubjectConflict, got %v", err)
	}

	unchanged, err := store.Users().Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if unchanged.AuthServerSubjectID != "S1" {
		t.Fatalf("subject must remain S1 after rejected relink, got %q", unchanged.AuthServerSubjectID)
	}
}

// A second login from the same already-linked subject must provision
// no new row and keep syncing the existing one.
func TestFederatedLoginProvisionsOnFirstSeenSubject(t *testing.T) {
	ctx := context.Background()
	fed, _, _ := newTestFederatedLogin(t)

	u, err := fed.LinkOrProvision(ctx, connector.Identity{
		SubjectID: "S9",
		Email:     "new-fed-user@example.com",
		GivenName: "Casey",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if u.AuthServerSubjectID != "S9" {
		t.Fatalf("expected provisioned user to carry subject S9, got %q", u.AuthServerSubjectID)
	}
	if !u.EmailVerified {
		t.Fatalf("federated provisioning must mark the email verified")
	}

	again, err := fed.LinkOrProvision(ctx, connector.Identity{
		SubjectID: "S9",
		Email:     "new-fed-user@example.com",
		GivenName: "Casey R.",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again.ID != u.ID {
		t.Fatalf("expected the same user row on repeat login from the same subject")
	}
	if again.GivenName != "Casey R." {
		t.Fatalf("expected profile sync to pick up the updated given name")
	}
}
