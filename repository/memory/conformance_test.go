package memory

import (
	"testing"

	"github.com/amlume/identity/repository/repotest"
)

func TestConformance(t *testing.T) {
	store := New()
	repotest.RunTestSuite(t, repotest.Repos{
		Users:            store.Users(),
		Passkeys:         store.Passkeys(),
		Authorizations:   store.Authorizations(),
		Consents:         store.Consents(),
		PersistentLogins: store.PersistentLogins(),
	})
}
