// Package memory provides an in-process implementation of every
// repository port in package repository. It backs
// unit tests and the single-node "storage.type: memory" mode of the
// composition root; it is not meant for multi-instance deployments.
package memory

import (
	"sync"
	"time"

	"github.com/amlume/identity/repository"
)

// Store is a single in-memory backing for all aggregates: one mutex
// guards every map, and every mutation runs inside tx().
type Store struct {
	mu sync.Mutex

	users        map[int64]repository.User
	usersByExtID map[string]int64
	nextUserID   int64

	roles      map[int64]repository.Role
	nextRoleID int64

	permissions     map[string]repository.Permission
	rolePermissions map[int64]map[string]struct{}
	userRoles       map[int64]map[int64]struct{}

	passkeys map[string]repository.PasskeyCredential

	clients map[string]repository.OAuth2RegisteredClient

	authorizations map[string]repository.OAuth2Authorization

	consents map[consentKey]repository.OAuth2AuthorizationConsent

	persistentLogins map[string]repository.PersistentLogin

	deviceFingerprints map[fingerprintKey]repository.UserDeviceFingerprint

	securityEvents []repository.SecurityEvent

	blockedIPs map[string]time.Time
	revoked    map[string]time.Time
}

type consentKey struct {
	clientID      string
	principalName string
}

type fingerprintKey struct {
	userID int64
	hash   string
}

// New returns an empty Store with every map initialized.
func New() *Store {
	return &Store{
		users:              make(map[int64]repository.User),
		usersByExtID:       make(map[string]int64),
		roles:              make(map[int64]repository.Role),
		permissions:        make(map[string]repository.Permission),
		rolePermissions:    make(map[int64]map[string]struct{}),
		userRoles:          make(map[int64]map[int64]struct{}),
		passkeys:           make(map[string]repository.PasskeyCredential),
		clients:            make(map[string]repository.OAuth2RegisteredClient),
		authorizations:     make(map[string]repository.OAuth2Authorization),
		consents:           make(map[consentKey]repository.OAuth2AuthorizationConsent),
		persistentLogins:   make(map[string]repository.PersistentLogin),
		deviceFingerprints: make(map[fingerprintKey]repository.UserDeviceFingerprint),
		blockedIPs:         make(map[string]time.Time),
		revoked:            make(map[string]time.Time),
	}
}

func (s *Store) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}
