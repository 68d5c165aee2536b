package authn

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/amlume/identity/authn/connector"
	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/risk"
	"github.com/amlume/identity/valueobject"
)

// ErrSubjectConflict is returned when a federated identity's email
// already belongs to an account linked to a different upstream
// subject.
var ErrSubjectConflict = errors.New("authn: email already linked to a different subject")

// FederatedLogin implements federated OIDC/OAuth2 login, linking, and
// just-in-time provisioning. It works directly on the user and role
// repositories and the shared blind-index key; it does not go through
// account.Manager.
type FederatedLogin struct {
	users           repository.UserRepository
	roles           repository.RoleRepository
	blindIndex      valueobject.BlindIndexKey
	defaultRoleName string
	geo             *risk.GeoEngine
	events          repository.SecurityEventRepository
	clock           clockwork.Clock
	log             logrus.FieldLogger
}

// NewFederatedLogin builds a FederatedLogin coordinator.
func NewFederatedLogin(users repository.UserRepository, roles repository.RoleRepository, blindIndex valueobject.BlindIndexKey, defaultRoleName string, log logrus.FieldLogger) *FederatedLogin {
	if defaultRoleName == "" {
		defaultRoleName = "user"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FederatedLogin{
		users:           users,
		roles:           roles,
		blindIndex:      blindIndex,
		defaultRoleName: defaultRoleName,
		clock:           clockwork.NewRealClock(),
		log:             log,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (f *FederatedLogin) WithClock(c clockwork.Clock) *FederatedLogin {
	f.clock = c
	return f
}

// WithGeo attaches the geo/ASN risk engine and the
// repository it logs HIGH-risk alerts to, mirroring LocalLogin.WithGeo.
// Both are optional.
func (f *FederatedLogin) WithGeo(geo *risk.GeoEngine, events repository.SecurityEventRepository) *FederatedLogin {
	f.geo = geo
	f.events = events
	return f
}

// LinkOrProvision runs the three-step linking algorithm:
//  1. lookup by subject; found ⇒ sync mutable profile/roles.
//  2. not found ⇒ lookup by email; found with no subject linked ⇒
//     attach; found with a different subject ⇒ conflict.
//  3. not found ⇒ provision a new user.
//
// remoteIP feeds the geo risk assessment of the upstream
// login that produced id; pass "" to skip it.
func (f *FederatedLogin) LinkOrProvision(ctx context.Context, id connector.Identity, remoteIP string) (repository.User, error) {
	if id.Email == "" {
		return repository.User{}, connector.ErrEmailUnavailable{}
	}
	email, err := valueobject.NewEmail(id.Email)
	if err != nil {
		return repository.User{}, fmt.Errorf("authn: federated identity has invalid email: %w", err)
	}

	var u repository.User
	if existing, err := f.users.GetBySubjectID(ctx, id.SubjectID); err == nil {
		u, err = f.syncProfile(ctx, existing, id, email)
		if err != nil {
			return repository.User{}, err
		}
		f.assessGeoRisk(ctx, u.ID, remoteIP)
		return u, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return repository.User{}, err
	}

	emailIdx := f.blindIndex.EmailBlindIndex(email)
	existing, err := f.users.GetByEmailBlindIndex(ctx, emailIdx)
	switch {
	case err == nil:
		if existing.AuthServerSubjectID != "" && existing.AuthServerSubjectID != id.SubjectID {
			return repository.User{}, ErrSubjectConflict
		}
		u, err = f.users.Update(ctx, existing.ID, func(u repository.User) (repository.User, error) {
			u.AuthServerSubjectID = id.SubjectID
			return u, nil
		})
		if err != nil {
			return repository.User{}, err
		}
		f.assessGeoRisk(ctx, u.ID, remoteIP)
		return u, nil
	case errors.Is(err, repository.ErrNotFound):
		u, err = f.provision(ctx, id, email, emailIdx)
		if err != nil {
			return repository.User{}, err
		}
		f.assessGeoRisk(ctx, u.ID, remoteIP)
		return u, nil
	default:
		return repository.User{}, err
	}
}

// assessGeoRisk mirrors LocalLogin.assessGeoRisk: best-effort geo risk
// logging, never fails the federated login itself.
func (f *FederatedLogin) assessGeoRisk(ctx context.Context, userID int64, remoteIP string) {
	if f.geo == nil || remoteIP == "" {
		return
	}
	assessment, err := f.geo.Assess(ctx, userID, remoteIP)
	if err != nil {
		f.log.WithField("user_id", userID).WithError(err).Warn("authn: geo risk assessment failed")
		return
	}
	if risk.EffectiveLevel(assessment.Risk) != risk.LevelHigh {
		return
	}
	for _, alert := range assessment.Alerts {
		f.log.WithField("user_id", userID).WithField("alert", alert.Kind).Warn("authn: high-risk federated login")
		if f.events == nil {
			continue
		}
		err := f.events.Append(ctx, repository.SecurityEvent{
			UserID:    userID,
			Kind:      "login_risk_" + alert.Kind,
			Detail:    map[string]string{"detail": alert.Detail, "ip": remoteIP},
			IP:        remoteIP,
			CreatedAt: f.clock.Now(),
		})
		if err != nil {
			f.log.WithField("user_id", userID).WithError(err).Warn("authn: failed to record high-risk login security event")
		}
	}
}

// syncProfile updates mutable profile fields and the role set when
// they differ from what the provider reports, respecting "email
// already used by a different subject ⇒ log and skip email change".
func (f *FederatedLogin) syncProfile(ctx context.Context, u repository.User, id connector.Identity, email valueobject.Email) (repository.User, error) {
	if !u.Email.Equal(email) {
		emailIdx := f.blindIndex.EmailBlindIndex(email)
		if conflict, err := f.users.GetByEmailBlindIndex(ctx, emailIdx); err == nil && conflict.ID != u.ID {
			f.log.WithField("user_id", u.ID).WithField("subject_id", id.SubjectID).
				Warn("authn: federated profile email change skipped, target email belongs to a different account")
		} else if errors.Is(err, repository.ErrNotFound) {
			u.Email = email
			u.EmailBlindIndex = emailIdx
		}
	}

	updated, err := f.users.Update(ctx, u.ID, func(current repository.User) (repository.User, error) {
		current.GivenName = id.GivenName
		current.Surname = id.FamilyName
		current.Nickname = id.Nickname
		if !u.Email.Equal(current.Email) {
			current.Email = u.Email
			current.EmailBlindIndex = u.EmailBlindIndex
		}
		return current, nil
	})
	if err != nil {
		return repository.User{}, err
	}

	if err := f.syncRoles(ctx, updated.ID, id.Roles); err != nil {
		f.log.WithField("user_id", updated.ID).WithError(err).Warn("authn: federated role sync failed")
	}
	return updated, nil
}

func (f *FederatedLogin) syncRoles(ctx context.Context, userID int64, providerRoles []string) error {
	if len(providerRoles) == 0 {
		return nil
	}
	current, err := f.users.ListRoles(ctx, userID)
	if err != nil {
		return err
	}
	currentByName := make(map[string]repository.Role, len(current))
	for _, r := range current {
		currentByName[r.Name] = r
	}
	wanted := make(map[string]struct{}, len(providerRoles))
	for _, name := range providerRoles {
		wanted[name] = struct{}{}
	}

	for name := range wanted {
		if _, ok := currentByName[name]; ok {
			continue
		}
		role, err := f.roles.GetByName(ctx, name)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := f.users.AppendRole(ctx, userID, role.ID); err != nil {
			return err
		}
	}
	for name, r := range currentByName {
		if _, ok := wanted[name]; !ok {
			if err := f.users.RevokeRole(ctx, userID, r.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// provision creates a new user for a first-seen federated identity,
// enabled and email-verified. It assigns the roles the provider
// reported, or the default role when the provider reported none.
func (f *FederatedLogin) provision(ctx context.Context, id connector.Identity, email valueobject.Email, emailIdx string) (repository.User, error) {
	now := f.clock.Now()
	u := repository.User{
		ExternalID:          valueobject.NewExternalID(),
		AuthServerSubjectID: id.SubjectID,
		GivenName:           id.GivenName,
		Surname:             id.FamilyName,
		Nickname:            id.Nickname,
		Email:               email,
		EmailBlindIndex:     emailIdx,
		EmailVerified:       true,
		Status:              valueobject.NewAccountStatus(now),
	}
	created, err := f.users.Create(ctx, u)
	if err != nil {
		return repository.User{}, err
	}

	roleNames := id.Roles
	if len(roleNames) == 0 {
		roleNames = []string{f.defaultRoleName}
	}
	if err := f.syncRoles(ctx, created.ID, roleNames); err != nil {
		f.log.WithField("user_id", created.ID).WithError(err).Warn("authn: default role assignment failed for provisioned user")
	}
	return created, nil
}
