// Package connector implements the two federated identity providers
// this module federates with: a generic OIDC upstream and GitHub.
// Identity carries only the fields the linking algorithm actually
// consumes.
package connector

import "context"

// Identity is the normalized federated identity handed back by every
// Connector, regardless of upstream shape.
type Identity struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
	Nickname      string
	Roles         []string
}

// Connector is a mechanism for federating login to a remote identity
// provider, split into a redirect-building step and a code-exchange
// step.
type Connector interface {
	// ID identifies the connector instance in the authorization_code
	// state parameter and in persisted linking metadata.
	ID() string
	// LoginURL returns the upstream authorization endpoint the user
	// agent should be redirected to.
	LoginURL(state, redirectURI string) (string, error)
	// Exchange trades an authorization code for the provider's
	// identity, performing any provider-specific fallback needed to
	// populate Email before failing.
	Exchange(ctx context.Context, code, redirectURI string) (Identity, error)
}

// ErrEmailUnavailable is returned by Exchange when no email address
// could be obtained from the provider, including any fallback.
type ErrEmailUnavailable struct{ Provider string }

func (e ErrEmailUnavailable) Error() string {
	return "connector: " + e.Provider + " did not return an email address"
}
