package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/amlume/identity/account"
	"github.com/amlume/identity/authn"
	"github.com/amlume/identity/authn/connector"
	"github.com/amlume/identity/cache"
	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/repository/memory"
	"github.com/amlume/identity/risk"
	"github.com/amlume/identity/session"
	"github.com/amlume/identity/token"
	"github.com/amlume/identity/valueobject"
)

// App is the composition root: every subsystem wired together along
// the authn -> risk -> account -> token data flow, built from a Config
// over the split repository ports. There is deliberately no HTTP
// listener here -- wiring an edge onto these methods belongs to the
// deployment, not this package.
type App struct {
	Config Config
	Log    *logrus.Logger

	Store *memory.Store
	Cache *cache.TieredCache

	FailedLogins *risk.FailedLoginTracker
	DeviceTrust  *risk.DeviceTrust
	Gate         *risk.Gate
	Geo          *risk.GeoEngine

	Accounts *account.Manager

	Local      *authn.LocalLogin
	Federated  *authn.FederatedLogin
	RememberMe *authn.RememberMe
	Passkeys   *authn.PasskeyCeremony
	Connectors map[string]connector.Connector

	Keys      *token.KeyManager
	Authority *token.Authority

	Sessions     *session.Manager
	SessionCodec *session.Codec
}

// NewApp wires every component from cfg. Only the "memory" storage
// backend is constructed here; a deployment that needs repository/sql
// builds its own *sql.Store and passes it to a hand-wired App (the
// repository ports make this substitution a one-line change).
func NewApp(cfg Config, log *logrus.Logger) (*App, error) {
	if cfg.Storage.Type != "memory" {
		return nil, fmt.Errorf("identityd: storage.type %q requires a hand-wired App (see repository/sql)", cfg.Storage.Type)
	}

	store := memory.New()
	httpClient := &http.Client{Timeout: 10 * time.Second}

	blindIndexKey, err := loadBlindIndexKey()
	if err != nil {
		return nil, err
	}

	var tiered *cache.TieredCache
	if cfg.Cache.RedisAddr != "" {
		client := redisv8.NewClient(&redisv8.Options{Addr: cfg.Cache.RedisAddr})
		tiered = cache.NewTieredCache(cache.NewRedisTier(client), cache.DefaultTTLs(), cfg.Cache.LocalMaxBytes, cache.BreakerSettings{}, log)
	} else {
		tiered = cache.NewTieredCache(nil, cache.DefaultTTLs(), cfg.Cache.LocalMaxBytes, cache.BreakerSettings{}, log)
	}

	failedLogins := risk.NewFailedLoginTracker(cfg.Risk.FailedLoginWindow, cfg.Risk.IPBurst, cfg.Risk.IPRatePerSecond)
	deviceTrust := risk.NewDeviceTrust(store.DeviceFingerprints(), cfg.Risk.DeviceTrustAfterLogin)

	var captcha risk.CaptchaVerifier
	if cfg.Risk.CaptchaProviderURL != "" {
		captcha = risk.NewHTTPCaptchaVerifier(httpClient, cfg.Risk.CaptchaProviderURL, cfg.Risk.CaptchaSecret)
	}
	gate := risk.NewGate(failedLogins, captcha)

	var geoProvider risk.GeoProvider
	if cfg.Risk.GeoProviderURL != "" {
		geoProvider = risk.NewHTTPGeoProvider(httpClient, cfg.Risk.GeoProviderURL)
	}
	geo := risk.NewGeoEngine(cfg.Risk.geoEngineConfig(), tiered, geoProvider, memory.NewASNReputationRepo(nil))

	var breachChecker risk.BreachChecker
	if cfg.Risk.BreachCheckerURL != "" {
		breachChecker = risk.NewHTTPBreachChecker(httpClient, cfg.Risk.BreachCheckerURL)
	}

	sessions := session.NewManager(session.NewMemoryStore())

	keys := token.NewKeyManager(cfg.Keys.RotationPeriod, cfg.Keys.RetentionPeriod, nil)
	if err := keys.Rotate(); err != nil {
		return nil, fmt.Errorf("identityd: initial key rotation: %w", err)
	}

	authority := &token.Authority{
		Clients:              store.Clients(),
		Authorizations:       store.Authorizations(),
		Consents:             store.Consents(),
		Keys:                 keys,
		Issuer:               cfg.Issuer,
		AuthorizationCodeTTL: cfg.Tokens.AuthorizationCodeTTL,
		AccessTokenTTL:       cfg.Tokens.AccessTokenTTL,
		RefreshTokenTTL:      cfg.Tokens.RefreshTokenTTL,
		IDTokenTTL:           cfg.Tokens.IDTokenTTL,
		DeviceCodeTTL:        cfg.Tokens.DeviceCodeTTL,
		DevicePollInterval:   cfg.Tokens.DevicePollInterval,
	}

	accounts := account.NewManager(account.Deps{
		Users:         store.Users(),
		Roles:         store.Roles(),
		Passkeys:      store.Passkeys(),
		Persistent:    store.PersistentLogins(),
		Devices:       store.DeviceFingerprints(),
		Consents:      store.Consents(),
		Authz:         store.Authorizations(),
		Sessions:      sessions,
		Tokens:        authority,
		DeviceTrust:   deviceTrust,
		FailedLogins:  failedLogins,
		BreachChecker: breachChecker,
		Gate:          gate,
		BlindIndex:    blindIndexKey,
		Log:           log,
	}, account.Config{
		Password:           cfg.Account.passwordPolicy(),
		LockoutThreshold:   cfg.Risk.LockoutThreshold,
		LockoutDuration:    cfg.Risk.LockoutDuration,
		DefaultRoleName:    cfg.Account.DefaultRoleName,
		PhoneDefaultRegion: cfg.Account.PhoneDefaultRegion,
	})

	local := authn.NewLocalLogin(store.Users(), blindIndexKey, gate, accounts, log).WithGeo(geo, store.SecurityEvents())
	federated := authn.NewFederatedLogin(store.Users(), store.Roles(), blindIndexKey, cfg.Account.DefaultRoleName, log).WithGeo(geo, store.SecurityEvents())
	rememberMe := authn.NewRememberMe(store.PersistentLogins(), store.Users(), blindIndexKey, log)

	passkeys, err := authn.NewPasskeyCeremony(cfg.Passkey.ceremonyConfig(), store.Passkeys(), store.Users(), store.SecurityEvents(), log)
	if err != nil {
		return nil, err
	}

	connectors, err := buildConnectors(context.Background(), cfg.Connectors, httpClient)
	if err != nil {
		return nil, err
	}

	sessionCodec, err := loadSessionCodec()
	if err != nil {
		return nil, err
	}

	if err := seedDefaultRole(store, cfg.Account.DefaultRoleName); err != nil {
		return nil, err
	}

	return &App{
		Config:       cfg,
		Log:          log,
		Store:        store,
		Cache:        tiered,
		FailedLogins: failedLogins,
		DeviceTrust:  deviceTrust,
		Gate:         gate,
		Geo:          geo,
		Accounts:     accounts,
		Local:        local,
		Federated:    federated,
		RememberMe:   rememberMe,
		Passkeys:     passkeys,
		Connectors:   connectors,
		Keys:         keys,
		Authority:    authority,
		Sessions:     sessions,
		SessionCodec: sessionCodec,
	}, nil
}

// RunKeyRotation starts the periodic rotation goroutine: every quarter
// of the rotation period it calls Rotate (a no-op until the current key
// is due) until ctx is done. The first key is installed by NewApp.
func (a *App) RunKeyRotation(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Keys.RotationPeriod / 4)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Keys.Rotate(); err != nil {
					a.Log.WithError(err).Warn("identityd: key rotation failed")
				}
			}
		}
	}()
}

// RunCacheSweep starts the local-tier TTL sweep goroutine.
func (a *App) RunCacheSweep(ctx context.Context) {
	go a.Cache.Sweep(ctx, time.Minute)
}

func buildConnectors(ctx context.Context, cfgs []ConnectorConfig, httpClient *http.Client) (map[string]connector.Connector, error) {
	out := make(map[string]connector.Connector, len(cfgs))
	for _, c := range cfgs {
		switch c.Type {
		case "oidc":
			conn, err := connector.NewOIDC(ctx, connector.OIDCConfig{
				ID:           c.ID,
				IssuerURL:    c.IssuerURL,
				ClientID:     c.ClientID,
				ClientSecret: c.ClientSecret,
				Scopes:       c.Scopes,
			})
			if err != nil {
				return nil, fmt.Errorf("identityd: connector %q: %w", c.ID, err)
			}
			out[c.ID] = conn
		case "github":
			out[c.ID] = connector.NewGitHub(connector.GitHubConfig{
				ID:           c.ID,
				ClientID:     c.ClientID,
				ClientSecret: c.ClientSecret,
				Scopes:       c.Scopes,
			}, httpClient)
		default:
			return nil, fmt.Errorf("identityd: unknown connector type %q for %q", c.Type, c.ID)
		}
	}
	return out, nil
}

// seedDefaultRole ensures the role referenced by account.Config's
// DefaultRoleName exists so CreateUser's best-effort role assignment
// has something to find on first boot.
func seedDefaultRole(store *memory.Store, name string) error {
	ctx := context.Background()
	if _, err := store.Roles().GetByName(ctx, name); err == nil {
		return nil
	} else if err != repository.ErrNotFound {
		return err
	}
	_, err := store.Roles().Create(ctx, repository.Role{Name: name, Path: name})
	return err
}

// loadBlindIndexKey reads the keyed-HMAC secret used for email blind
// indexing from the environment. A deployment wires its real secret manager in
// place of os.Getenv; this composition root only knows the env-var
// boundary, not a concrete secret backend.
func loadBlindIndexKey() (valueobject.BlindIndexKey, error) {
	key := envOrRandom("IDENTITYD_BLIND_INDEX_KEY", 32)
	return valueobject.NewBlindIndexKey(key), nil
}

func loadSessionCodec() (*session.Codec, error) {
	key := envOrRandom("IDENTITYD_SESSION_KEY", 32)
	return session.NewCodec([]string{encodeFernetKey(key)})
}

// WithClocks overrides the clocks of Accounts, Local, Federated,
// RememberMe, Passkeys and Sessions, for deterministic integration
// tests of the whole App; the token authority, key manager, risk
// components and cache keep their own clocks (mirrors the per-package
// WithClock seams account.Manager/authn/session.Manager already
// expose).
func (a *App) WithClocks(c clockwork.Clock) *App {
	a.Accounts.WithClock(c)
	a.Local.WithClock(c)
	a.Federated.WithClock(c)
	a.RememberMe.WithClock(c)
	a.Passkeys.WithClock(c)
	a.Sessions.WithClock(c)
	return a
}
