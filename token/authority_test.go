package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/repository/memory"
	"github.com/amlume/identity/token"
)

func newAuthority(t *testing.T, store *memory.Store, now func() time.Time) *token.Authority {
	t.Helper()
	keys := token.NewKeyManager(time.Hour, 24*time.Hour, now)
	if err := keys.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	return &token.Authority{
		Clients:        store.Clients(),
		Authorizations: store.Authorizations(),
		Consents:       store.Consents(),
		Keys:           keys,
		Issuer:         "https://id.example.test",
		Now:            now,
	}
}

func newPublicClient(t *testing.T, store *memory.Store) repository.OAuth2RegisteredClient {
	t.Helper()
	c := repository.OAuth2RegisteredClient{
		ID: "c1", ClientID: "spa-client", ClientName: "SPA",
		Public:       true,
		RedirectURIs: []string{"https://app.example.test/callback"},
		Scopes:       []string{"openid", "profile", "offline_access"},
	}
	if err := store.Clients().Create(context.Background(), c); err != nil {
		t.Fatalf("create client: %v", err)
	}
	return c
}

// Refresh rotation + reuse detection.
func TestExchangeRefreshToken_RotationAndReuseDetection(t *testing.T) {
	store := memory.New()
	now := time.Now()
	clock := func() time.Time { return now }
	a := newAuthority(t, store, clock)
	client := newPublicClient(t, store)

	code, err := a.IssueAuthorizationCode(context.Background(), token.AuthorizationCodeRequest{
		Client: client, PrincipalName: "alice@example.com",
		Scopes: []string{"openid", "profile", "offline_access"},
		RedirectURI: "https://app.example.test/callback",
		CodeChallenge: "abc", CodeChallengeMethod: "plain",
	})
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	if err := a.RecordConsent(context.Background(), client.ID, "alice@example.com", []string{"openid", "profile", "offline_access"}); err != nil {
		t.Fatalf("record consent: %v", err)
	}

	first, err := a.ExchangeAuthorizationCode(context.Background(), token.ExchangeAuthorizationCodeRequest{
		ClientID: client.ClientID, Code: code, RedirectURI: "https://app.example.test/callback",
		CodeVerifier: "abc",
	})
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}
	if first.RefreshToken == "" {
		t.Fatalf("expected a refresh token")
	}

	second, err := a.ExchangeRefreshToken(context.Background(), token.ExchangeRefreshTokenRequest{
		ClientID: client.ClientID, RefreshToken: first.RefreshToken,
	})
	if err != nil {
		t.Fatalf("first refresh exchange: %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected a rotated refresh token")
	}

	// Reuse of the original (now-rotated) refresh token must fail...
	if _, err := a.ExchangeRefreshToken(context.Background(), token.ExchangeRefreshTokenRequest{
		ClientID: client.ClientID, RefreshToken: first.RefreshToken,
	}); err == nil {
		t.Fatalf("expected reuse of rotated refresh token to fail")
	}

	// ...and family revocation must have invalidated the second (rotated-to) pair too.
	res, err := a.Introspect(context.Background(), second.AccessToken)
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if res.Active {
		t.Fatalf("expected access2 to be revoked by family revocation")
	}
	if _, err := a.ExchangeRefreshToken(context.Background(), token.ExchangeRefreshTokenRequest{
		ClientID: client.ClientID, RefreshToken: second.RefreshToken,
	}); err == nil {
		t.Fatalf("expected refresh2 to be revoked by family revocation")
	}
}

func TestExchangeAuthorizationCode_PKCEMismatchRejected(t *testing.T) {
	store := memory.New()
	now := time.Now()
	a := newAuthority(t, store, func() time.Time { return now })
	client := newPublicClient(t, store)

	code, err := a.IssueAuthorizationCode(context.Background(), token.AuthorizationCodeRequest{
		Client: client, PrincipalName: "bob@example.com", Scopes: []string{"openid"},
		RedirectURI: "https://app.example.test/callback",
		CodeChallenge: "expected-verifier", CodeChallengeMethod: "plain",
	})
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}

	_, err = a.ExchangeAuthorizationCode(context.Background(), token.ExchangeAuthorizationCodeRequest{
		ClientID: client.ClientID, Code: code, RedirectURI: "https://app.example.test/callback",
		CodeVerifier: "wrong-verifier",
	})
	if err == nil {
		t.Fatalf("expected PKCE mismatch to reject the exchange")
	}
}

func TestExchangeAuthorizationCode_CodeReuseInvalidatesChain(t *testing.T) {
	store := memory.New()
	now := time.Now()
	a := newAuthority(t, store, func() time.Time { return now })
	client := newPublicClient(t, store)

	code, err := a.IssueAuthorizationCode(context.Background(), token.AuthorizationCodeRequest{
		Client: client, PrincipalName: "carol@example.com", Scopes: []string{"openid"},
		RedirectURI: "https://app.example.test/callback",
		CodeChallenge: "carol-verifier", CodeChallengeMethod: "plain",
	})
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	if err := a.RecordConsent(context.Background(), client.ID, "carol@example.com", []string{"openid"}); err != nil {
		t.Fatalf("record consent: %v", err)
	}
	if _, err := a.ExchangeAuthorizationCode(context.Background(), token.ExchangeAuthorizationCodeRequest{
		ClientID: client.ClientID, Code: code, RedirectURI: "https://app.example.test/callback",
		CodeVerifier: "carol-verifier",
	}); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := a.ExchangeAuthorizationCode(context.Background(), token.ExchangeAuthorizationCodeRequest{
		ClientID: client.ClientID, Code: code, RedirectURI: "https://app.example.test/callback",
		CodeVerifier: "carol-verifier",
	}); err == nil {
		t.Fatalf("expected code reuse to be rejected")
	}
}

func TestClientCredentials_NoPrincipal(t *testing.T) {
	store := memory.New()
	now := time.Now()
	a := newAuthority(t, store, func() time.Time { return now })
	client := repository.OAuth2RegisteredClient{
		ID: "c2", ClientID: "service", Scopes: []string{"reports:read"},
	}
	if err := store.Clients().Create(context.Background(), client); err != nil {
		t.Fatalf("create client: %v", err)
	}

	out, err := a.ClientCredentials(context.Background(), client.ClientID, []string{"reports:read"})
	if err != nil {
		t.Fatalf("client credentials: %v", err)
	}
	if out.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	res, err := a.Introspect(context.Background(), out.AccessToken)
	if err != nil || !res.Active {
		t.Fatalf("expected active introspection result, got %+v err=%v", res, err)
	}
}

// Round-trip law: encode(claims) -> decode(verify) ->
// same claim set, modulo library-added standard claims (iat/exp).
func TestVerifyAccessTokenRoundTripsClaims(t *testing.T) {
	store := memory.New()
	now := time.Now()
	a := newAuthority(t, store, func() time.Time { return now })
	client := repository.OAuth2RegisteredClient{
		ID: "c5", ClientID: "roundtrip-svc", Scopes: []string{"reports:read", "reports:write"},
	}
	if err := store.Clients().Create(context.Background(), client); err != nil {
		t.Fatalf("create client: %v", err)
	}

	out, err := a.ClientCredentials(context.Background(), client.ClientID, []string{"reports:read", "reports:write"})
	if err != nil {
		t.Fatalf("client credentials: %v", err)
	}

	claims, err := a.VerifyAccessToken(out.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims["iss"] != "https://id.example.test" {
		t.Fatalf("iss = %v, want issuer", claims["iss"])
	}
	if claims["scope"] != "reports:read reports:write" {
		t.Fatalf("scope = %v, want both scopes preserved", claims["scope"])
	}

	if _, err := a.VerifyAccessToken(out.AccessToken + "tampered"); err == nil {
		t.Fatalf("expected a tampered token to fail verification")
	}
}

func TestDeviceCodeFlow(t *testing.T) {
	store := memory.New()
	now := time.Now()
	a := newAuthority(t, store, func() time.Time { return now })
	client := newPublicClient(t, store)

	auth, err := a.StartDeviceAuthorization(context.Background(), client.ClientID, []string{"openid"})
	if err != nil {
		t.Fatalf("start device auth: %v", err)
	}

	if _, err := a.PollDeviceToken(context.Background(), client.ClientID, auth.DeviceCode, nil, nil); err != token.ErrAuthorizationPending {
		t.Fatalf("expected authorization_pending before approval, got %v", err)
	}

	if err := a.ApproveDevice(context.Background(), auth.UserCode, "dave@example.com", true); err != nil {
		t.Fatalf("approve device: %v", err)
	}

	out, err := a.PollDeviceToken(context.Background(), client.ClientID, auth.DeviceCode, nil, nil)
	if err != nil {
		t.Fatalf("poll after approval: %v", err)
	}
	if out.AccessToken == "" {
		t.Fatalf("expected an access token after approval")
	}
}

// RFC 8628 §3.5 slow_down: polling faster than the configured interval
// must be rejected distinctly from authorization_pending.
func TestDeviceCodeFlow_PollingFasterThanIntervalSlowsDown(t *testing.T) {
	store := memory.New()
	now := time.Now()
	a := newAuthority(t, store, func() time.Time { return now })
	a.DevicePollInterval = 200 * time.Millisecond
	client := newPublicClient(t, store)

	auth, err := a.StartDeviceAuthorization(context.Background(), client.ClientID, []string{"openid"})
	if err != nil {
		t.Fatalf("start device auth: %v", err)
	}

	if _, err := a.PollDeviceToken(context.Background(), client.ClientID, auth.DeviceCode, nil, nil); err != token.ErrAuthorizationPending {
		t.Fatalf("expected authorization_pending on first poll, got %v", err)
	}
	if _, err := a.PollDeviceToken(context.Background(), client.ClientID, auth.DeviceCode, nil, nil); err != token.ErrSlowDown {
		t.Fatalf("expected slow_down for an immediate re-poll, got %v", err)
	}

	time.Sleep(a.DevicePollInterval)
	if _, err := a.PollDeviceToken(context.Background(), client.ClientID, auth.DeviceCode, nil, nil); err != token.ErrAuthorizationPending {
		t.Fatalf("expected authorization_pending again once the interval has elapsed, got %v", err)
	}
}

func TestRevoke_MakesIntrospectionInactive(t *testing.T) {
	store := memory.New()
	now := time.Now()
	a := newAuthority(t, store, func() time.Time { return now })
	client := repository.OAuth2RegisteredClient{ID: "c3", ClientID: "svc2", Scopes: []string{"x"}}
	if err := store.Clients().Create(context.Background(), client); err != nil {
		t.Fatalf("create client: %v", err)
	}
	out, err := a.ClientCredentials(context.Background(), client.ClientID, []string{"x"})
	if err != nil {
		t.Fatalf("client credentials: %v", err)
	}
	if err := a.Revoke(context.Background(), out.AccessToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, err := a.Introspect(context.Background(), out.AccessToken)
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if res.Active {
		t.Fatalf("expected revoked token to introspect inactive")
	}
}

// RevokeAllForPrincipal must make prior access tokens inactive.
func TestRevokeAllForPrincipal(t *testing.T) {
	store := memory.New()
	now := time.Now()
	a := newAuthority(t, store, func() time.Time { return now })
	client := newPublicClient(t, store)

	code, err := a.IssueAuthorizationCode(context.Background(), token.AuthorizationCodeRequest{
		Client: client, PrincipalName: "bob@example.com", Scopes: []string{"openid"},
		RedirectURI: "https://app.example.test/callback",
		CodeChallenge: "bob-verifier", CodeChallengeMethod: "plain",
	})
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	if err := a.RecordConsent(context.Background(), client.ID, "bob@example.com", []string{"openid"}); err != nil {
		t.Fatalf("record consent: %v", err)
	}
	out, err := a.ExchangeAuthorizationCode(context.Background(), token.ExchangeAuthorizationCodeRequest{
		ClientID: client.ClientID, Code: code, RedirectURI: "https://app.example.test/callback",
		CodeVerifier: "bob-verifier",
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if err := a.RevokeAllForPrincipal(context.Background(), "bob@example.com"); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	res, err := a.Introspect(context.Background(), out.AccessToken)
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if res.Active {
		t.Fatalf("expected token to be inactive after role revocation")
	}
}
