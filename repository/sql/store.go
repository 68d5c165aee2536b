package sql

import (
	"context"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/valueobject"
)

// Store wires a database connection to the field encryptor and blind
// index key shared by every aggregate repo; it is the single type the
// per-aggregate repo views hang off of.
type Store struct {
	conn       *conn
	fields     *fieldEncryptor
	blindIndex valueobject.BlindIndexKey
}

// Config holds everything needed to open a Store.
type Config struct {
	Driver            string // "postgres", "mysql", or "sqlite3"
	DSN               string
	FieldEncryptKeys  []string // base64 fernet keys, rotation-ordered, newest first
	BlindIndexHMACKey []byte
}

// Open opens the underlying database connection and constructs a Store.
func Open(cfg Config) (*Store, error) {
	c, err := openConn(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	fe, err := newFieldEncryptor(cfg.FieldEncryptKeys)
	if err != nil {
		c.Close()
		return nil, err
	}
	return &Store{
		conn:       c,
		fields:     fe,
		blindIndex: valueobject.NewBlindIndexKey(cfg.BlindIndexHMACKey),
	}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// Users returns the UserRepository view of this store.
func (s *Store) Users() UserRepo { return UserRepo{s} }

// Clients returns the ClientRepository view of this store.
func (s *Store) Clients() ClientRepo { return ClientRepo{s} }

// Passkeys returns the PasskeyRepository view of this store.
func (s *Store) Passkeys() PasskeyRepo { return PasskeyRepo{s} }

// Authorizations returns the AuthorizationRepository view of this store.
func (s *Store) Authorizations() AuthorizationRepo { return AuthorizationRepo{s} }

// Consents returns the ConsentRepository view of this store.
func (s *Store) Consents() ConsentRepo { return ConsentRepo{s} }

// Roles returns the RoleRepository view of this store.
func (s *Store) Roles() RoleRepo { return RoleRepo{s} }

// Permissions returns the PermissionRepository view of this store.
func (s *Store) Permissions() PermissionRepo { return PermissionRepo{s} }

// PersistentLogins returns the PersistentLoginRepository view of this store.
func (s *Store) PersistentLogins() PersistentLoginRepo { return PersistentLoginRepo{s} }

// DeviceFingerprints returns the DeviceFingerprintRepository view of this store.
func (s *Store) DeviceFingerprints() DeviceFingerprintRepo { return DeviceFingerprintRepo{s} }

// SecurityEvents returns the SecurityEventRepository view of this store.
func (s *Store) SecurityEvents() SecurityEventRepo { return SecurityEventRepo{s} }

// IPReputation returns the IPReputationRepository view of this store.
func (s *Store) IPReputation() IPReputationRepo { return IPReputationRepo{s} }

// RevokedTokens returns the RevokedTokenRepository view of this store.
func (s *Store) RevokedTokens() RevokedTokenRepo { return RevokedTokenRepo{s} }

// ASNReputationRepo wraps a static ASN -> reputation score table,
// seeded by the composition root from a feed file rather than a
// database table. The score is an opaque external input with no
// write path of its own.
type ASNReputationRepo struct {
	scores map[int]int
}

// NewASNReputationRepo builds an ASNReputationRepo from a static table.
func NewASNReputationRepo(scores map[int]int) ASNReputationRepo {
	return ASNReputationRepo{scores: scores}
}

var _ repository.ASNReputationRepository = ASNReputationRepo{}

func (r ASNReputationRepo) ReputationScore(_ context.Context, asn int) (int, error) {
	if score, ok := r.scores[asn]; ok {
		return score, nil
	}
	return 0, nil
}
