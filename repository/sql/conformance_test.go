package sql

import (
	"context"
	"testing"

	"github.com/amlume/identity/repository/repotest"
)

func TestConformance(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repotest.RunTestSuite(t, repotest.Repos{
		Users:            store.Users(),
		Passkeys:         store.Passkeys(),
		Authorizations:   store.Authorizations(),
		Consents:         store.Consents(),
		PersistentLogins: store.PersistentLogins(),
	})
}
