package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"gopkg.in/yaml.v2"

	"github.com/amlume/identity/account"
	"github.com/amlume/identity/authn"
	"github.com/amlume/identity/risk"
)

// Config is the on-disk deployment configuration for identityd:
// issuer plus per-subsystem blocks, unmarshaled from YAML. There are
// no Web/GRPC/Telemetry blocks, since HTTP transport and metrics
// backends are external collaborators.
type Config struct {
	Issuer string `yaml:"issuer"`

	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Keys    KeysConfig    `yaml:"keys"`
	Risk    RiskConfig    `yaml:"risk"`
	Account AccountConfig `yaml:"account"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Passkey PasskeyCfg    `yaml:"passkey"`
	Logger  LoggerConfig  `yaml:"logger"`

	Connectors []ConnectorConfig `yaml:"connectors"`
}

// StorageConfig selects and configures a repository backend. Only
// "memory" is wired by this composition root today (the sql backends
// need a live DSN this binary has no way to default);
// a deployment wires repository/sql.Store directly when it has one.
type StorageConfig struct {
	Type string `yaml:"type"` // "memory" (default) or "sql"
	DSN  string `yaml:"dsn"`
}

type CacheConfig struct {
	RedisAddr     string `yaml:"redisAddr"`
	LocalMaxBytes int64  `yaml:"localMaxBytes"`
}

// KeysConfig configures signing-key rotation. This composition root
// always generates an ephemeral keypair on boot; there is no setting
// for loading key material (token.KeyManager.Seed is not called here).
type KeysConfig struct {
	RotationPeriod  time.Duration `yaml:"rotationPeriod"`
	RetentionPeriod time.Duration `yaml:"retentionPeriod"`
}

type RiskConfig struct {
	LockoutThreshold      int            `yaml:"lockoutThreshold"`
	LockoutDuration       time.Duration  `yaml:"lockoutDuration"`
	FailedLoginWindow     time.Duration  `yaml:"failedLoginWindow"`
	IPBurst               int            `yaml:"ipBurst"`
	IPRatePerSecond       float64        `yaml:"ipRatePerSecond"`
	DeviceTrustAfterLogin int            `yaml:"deviceTrustAfterLogins"`
	GeoSuspiciousSpeedKPH float64        `yaml:"geoSuspiciousSpeedKph"`
	GeoTimeWindow         time.Duration  `yaml:"geoTimeWindow"`
	HighRiskCountries     []string       `yaml:"highRiskCountries"`
	VPNASNs               []int          `yaml:"vpnAsns"`
	GeoProviderURL        string         `yaml:"geoProviderUrl"`
	CaptchaProviderURL    string         `yaml:"captchaProviderUrl"`
	CaptchaSecret         string         `yaml:"captchaSecret"`
	BreachCheckerURL      string         `yaml:"breachCheckerUrl"`
}

type AccountConfig struct {
	PasswordMinLength  int      `yaml:"passwordMinLength"`
	RequireUppercase   bool     `yaml:"requireUppercase"`
	RequireDigit       bool     `yaml:"requireDigit"`
	RequireSpecial     bool     `yaml:"requireSpecial"`
	CustomRegex        string   `yaml:"customRegex"`
	DefaultRoleName    string   `yaml:"defaultRoleName"`
	PhoneDefaultRegion string   `yaml:"phoneDefaultRegion"`
}

type TokensConfig struct {
	AuthorizationCodeTTL time.Duration `yaml:"authorizationCodeTtl"`
	AccessTokenTTL       time.Duration `yaml:"accessTokenTtl"`
	RefreshTokenTTL      time.Duration `yaml:"refreshTokenTtl"`
	IDTokenTTL           time.Duration `yaml:"idTokenTtl"`
	DeviceCodeTTL        time.Duration `yaml:"deviceCodeTtl"`
	DevicePollInterval   time.Duration `yaml:"devicePollInterval"`
}

// PasskeyCfg configures the WebAuthn relying party
type PasskeyCfg struct {
	RPID             string        `yaml:"rpId"`
	RPDisplayName    string        `yaml:"rpDisplayName"`
	RPOrigins        []string      `yaml:"rpOrigins"`
	ChallengeTimeout time.Duration `yaml:"challengeTimeout"`
	// Attestation is "none" (default) or "direct"'s
	// "attestation (policy-selectable: none/direct)".
	Attestation string `yaml:"attestation"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConnectorConfig is one federated-login upstream.
type ConnectorConfig struct {
	Type string `yaml:"type"` // "oidc" or "github"
	ID   string `yaml:"id"`

	// OIDC
	IssuerURL    string   `yaml:"issuerURL"`
	ClientID     string   `yaml:"clientID"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes"`
}

// LoadConfig reads, parses, and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("identityd: read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("identityd: parse config %s: %w", path, err)
	}
	c.applyDefaults()
	return c, c.Validate()
}

func (c *Config) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Cache.LocalMaxBytes == 0 {
		c.Cache.LocalMaxBytes = 16 << 20
	}
	if c.Keys.RotationPeriod == 0 {
		c.Keys.RotationPeriod = 24 * time.Hour
	}
	if c.Keys.RetentionPeriod == 0 {
		c.Keys.RetentionPeriod = 48 * time.Hour
	}
	if c.Risk.LockoutThreshold == 0 {
		c.Risk.LockoutThreshold = 5
	}
	if c.Risk.LockoutDuration == 0 {
		c.Risk.LockoutDuration = 30 * time.Minute
	}
	if c.Risk.FailedLoginWindow == 0 {
		c.Risk.FailedLoginWindow = 15 * time.Minute
	}
	if c.Risk.IPBurst == 0 {
		c.Risk.IPBurst = 20
	}
	if c.Risk.IPRatePerSecond == 0 {
		c.Risk.IPRatePerSecond = 0.5
	}
	if c.Risk.DeviceTrustAfterLogin == 0 {
		c.Risk.DeviceTrustAfterLogin = 3
	}
	if c.Risk.GeoSuspiciousSpeedKPH == 0 {
		c.Risk.GeoSuspiciousSpeedKPH = 1000
	}
	if c.Risk.GeoTimeWindow == 0 {
		c.Risk.GeoTimeWindow = 24 * time.Hour
	}
	if c.Account.PasswordMinLength == 0 {
		c.Account.PasswordMinLength = 10
	}
	if c.Account.DefaultRoleName == "" {
		c.Account.DefaultRoleName = "user"
	}
	if c.Account.PhoneDefaultRegion == "" {
		c.Account.PhoneDefaultRegion = "1"
	}
	if c.Tokens.AuthorizationCodeTTL == 0 {
		c.Tokens.AuthorizationCodeTTL = 10 * time.Minute
	}
	if c.Tokens.AccessTokenTTL == 0 {
		c.Tokens.AccessTokenTTL = 15 * time.Minute
	}
	if c.Tokens.RefreshTokenTTL == 0 {
		c.Tokens.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Tokens.IDTokenTTL == 0 {
		c.Tokens.IDTokenTTL = 15 * time.Minute
	}
	if c.Tokens.DeviceCodeTTL == 0 {
		c.Tokens.DeviceCodeTTL = 10 * time.Minute
	}
	if c.Tokens.DevicePollInterval == 0 {
		c.Tokens.DevicePollInterval = 5 * time.Second
	}
	if c.Passkey.RPID == "" {
		c.Passkey.RPID = "localhost"
	}
	if c.Passkey.RPDisplayName == "" {
		c.Passkey.RPDisplayName = c.Issuer
	}
	if len(c.Passkey.RPOrigins) == 0 {
		c.Passkey.RPOrigins = []string{"https://" + c.Passkey.RPID}
	}
	if c.Passkey.ChallengeTimeout == 0 {
		c.Passkey.ChallengeTimeout = 2 * time.Minute
	}
	if c.Passkey.Attestation == "" {
		c.Passkey.Attestation = "none"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
}

// Validate fast-checks the fields every run needs before any
// subsystem is constructed.
func (c Config) Validate() error {
	var bad []string
	if c.Issuer == "" {
		bad = append(bad, "no issuer specified in config file")
	}
	if c.Storage.Type != "memory" && c.Storage.Type != "sql" {
		bad = append(bad, "storage.type must be \"memory\" or \"sql\"")
	}
	if c.Storage.Type == "sql" && c.Storage.DSN == "" {
		bad = append(bad, "storage.dsn required when storage.type is \"sql\"")
	}
	if c.Account.CustomRegex != "" {
		if _, err := regexp.Compile(c.Account.CustomRegex); err != nil {
			bad = append(bad, fmt.Sprintf("account.customRegex: %v", err))
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config:\n\t- %v", bad)
}

func (c AccountConfig) passwordPolicy() account.PasswordPolicy {
	var custom *regexp.Regexp
	if c.CustomRegex != "" {
		custom = regexp.MustCompile(c.CustomRegex)
	}
	return account.PasswordPolicy{
		MinLength:        c.PasswordMinLength,
		RequireUppercase: c.RequireUppercase,
		RequireDigit:     c.RequireDigit,
		RequireSpecial:   c.RequireSpecial,
		CustomRegex:      custom,
	}
}

func (c PasskeyCfg) ceremonyConfig() authn.PasskeyConfig {
	pref := protocol.PreferNoAttestation
	if c.Attestation == "direct" {
		pref = protocol.PreferDirectAttestation
	}
	return authn.PasskeyConfig{
		RPID:                  c.RPID,
		RPDisplayName:         c.RPDisplayName,
		RPOrigins:             c.RPOrigins,
		ChallengeTimeout:      c.ChallengeTimeout,
		AttestationPreference: pref,
	}
}

func (c RiskConfig) geoEngineConfig() risk.GeoEngineConfig {
	vpn := make(map[int]bool, len(c.VPNASNs))
	for _, asn := range c.VPNASNs {
		vpn[asn] = true
	}
	hrc := make(map[string]bool, len(c.HighRiskCountries))
	for _, country := range c.HighRiskCountries {
		hrc[country] = true
	}
	return risk.GeoEngineConfig{
		TimeWindow:          c.GeoTimeWindow,
		ImpossibleSpeedKPH:  c.GeoSuspiciousSpeedKPH,
		ReputationThreshold: 50,
		VPNASNs:             vpn,
		HighRiskCountries:   hrc,
	}
}
