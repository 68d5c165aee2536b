package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/amlume/identity/repository"
)

// SecurityEventRepo is the SecurityEventRepository view of a Store.
type SecurityEventRepo struct{ *Store }

// SecurityEvents returns the SecurityEventRepository view of this store.
func (s *Store) SecurityEvents() SecurityEventRepo { return SecurityEventRepo{s} }

var _ repository.SecurityEventRepository = SecurityEventRepo{}

// Append assigns e a fresh uuid if the caller left the id unset, then
// appends the row to the append-only audit log.
func (s SecurityEventRepo) Append(ctx context.Context, e repository.SecurityEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.tx(func() {
		s.securityEvents = append(s.securityEvents, e)
	})
	return nil
}

func (s SecurityEventRepo) ListForUser(ctx context.Context, userID int64, limit int) ([]repository.SecurityEvent, error) {
	var out []repository.SecurityEvent
	s.tx(func() {
		for i := len(s.securityEvents) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			if s.securityEvents[i].UserID == userID {
				out = append(out, s.securityEvents[i])
			}
		}
	})
	return out, nil
}

// IPReputationRepo is the IPReputationRepository view of a Store.
type IPReputationRepo struct{ *Store }

// IPReputation returns the IPReputationRepository view of this store.
func (s *Store) IPReputation() IPReputationRepo { return IPReputationRepo{s} }

var _ repository.IPReputationRepository = IPReputationRepo{}

func (s IPReputationRepo) IsBlocked(ctx context.Context, ip string) (bool, error) {
	var blocked bool
	s.tx(func() {
		until, ok := s.blockedIPs[ip]
		blocked = ok && until.After(time.Now())
	})
	return blocked, nil
}

func (s IPReputationRepo) Block(ctx context.Context, ip string, reason string, until time.Time) error {
	s.tx(func() {
		s.blockedIPs[ip] = until
	})
	return nil
}

// ASNReputationRepo is the ASNReputationRepository view of a Store.
// Scores are seeded by the composition root from a static feed; the
// score is an opaque external input, so no mutator is exposed beyond
// construction-time seeding.
type ASNReputationRepo struct {
	scores map[int]int
}

// NewASNReputationRepo wraps a static ASN -> reputation score table.
func NewASNReputationRepo(scores map[int]int) ASNReputationRepo {
	return ASNReputationRepo{scores: scores}
}

var _ repository.ASNReputationRepository = ASNReputationRepo{}

func (r ASNReputationRepo) ReputationScore(ctx context.Context, asn int) (int, error) {
	if score, ok := r.scores[asn]; ok {
		return score, nil
	}
	return 0, nil
}

// RevokedTokenRepo is the RevokedTokenRepository view of a Store.
type RevokedTokenRepo struct{ *Store }

// RevokedTokens returns the RevokedTokenRepository view of this store.
func (s *Store) RevokedTokens() RevokedTokenRepo { return RevokedTokenRepo{s} }

var _ repository.RevokedTokenRepository = RevokedTokenRepo{}

func (s RevokedTokenRepo) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	var revoked bool
	s.tx(func() {
		_, revoked = s.revoked[tokenHash]
	})
	return revoked, nil
}

func (s RevokedTokenRepo) Revoke(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	s.tx(func() {
		s.revoked[tokenHash] = expiresAt
	})
	return nil
}
