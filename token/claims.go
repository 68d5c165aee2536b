package token

import (
	"strings"

	"github.com/amlume/identity/repository"
)

// Claims is the claim set built for an access or ID token before
// signing: the standard OIDC set plus roles (ROLE_ prefix stripped),
// user_id_numeric, given_name, family_name, full_name, nickname, and
// email.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	Scopes    []string
	Roles     []string
	UserID    int64
	GivenName string
	FamilyName string
	FullName  string
	Nickname  string
	Email     string
	Extra     map[string]any
}

// ToJWTClaims renders Claims as the flat map golang-jwt/jwt encodes,
// folding Extra last so a Customizer can override standard fields.
func (c Claims) ToJWTClaims() map[string]any {
	m := map[string]any{
		"iss": c.Issuer,
		"sub": c.Subject,
	}
	if len(c.Audience) > 0 {
		m["aud"] = c.Audience
	}
	if len(c.Scopes) > 0 {
		m["scope"] = strings.Join(c.Scopes, " ")
	}
	if len(c.Roles) > 0 {
		m["roles"] = c.Roles
	}
	if c.UserID != 0 {
		m["user_id_numeric"] = c.UserID
	}
	if c.GivenName != "" {
		m["given_name"] = c.GivenName
	}
	if c.FamilyName != "" {
		m["family_name"] = c.FamilyName
	}
	if c.FullName != "" {
		m["full_name"] = c.FullName
	}
	if c.Nickname != "" {
		m["nickname"] = c.Nickname
	}
	if c.Email != "" {
		m["email"] = c.Email
	}
	for k, v := range c.Extra {
		m[k] = v
	}
	return m
}

// StripRolePrefix removes a "ROLE_" prefix from every entry.
func StripRolePrefix(roles []string) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = strings.TrimPrefix(r, "ROLE_")
	}
	return out
}

// CustomizationContext is the context handed to a Customizer.
type CustomizationContext struct {
	TokenType        string // "access", "id", "refresh"
	GrantType        string
	Principal        *repository.User // nil for client_credentials
	RegisteredClient repository.OAuth2RegisteredClient
	Claims           Claims
}

// Customizer mutates a claim set before signing, a seam so
// deployments can inject organization-specific claims without
// forking the authority.
type Customizer interface {
	Customize(ctx CustomizationContext) Claims
}

// DefaultCustomizer adds nothing; it returns ctx.Claims exactly as the
// authority populated them.
type DefaultCustomizer struct{}

func (DefaultCustomizer) Customize(ctx CustomizationContext) Claims { return ctx.Claims }

// CustomizerFunc adapts a function to a Customizer.
type CustomizerFunc func(ctx CustomizationContext) Claims

func (f CustomizerFunc) Customize(ctx CustomizationContext) Claims { return f(ctx) }

func claimsForUser(u *repository.User, roles []string) Claims {
	if u == nil {
		return Claims{}
	}
	full := strings.TrimSpace(u.GivenName + " " + u.Surname)
	return Claims{
		Subject:    u.Email.Normalized(),
		Roles:      StripRolePrefix(roles),
		UserID:     u.ID,
		GivenName:  u.GivenName,
		FamilyName: u.Surname,
		FullName:   full,
		Nickname:   u.Nickname,
		Email:      u.Email.String(),
	}
}
