package passkey

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-webauthn/webauthn/webauthn"
)

// MaxChallengeTTL bounds how long a ceremony challenge stays redeemable.
const MaxChallengeTTL = 5 * time.Minute

const (
	defaultRPDisplayName = "Gatehouse"
	defaultRPOrigin      = "http://localhost:8080"
	defaultClientID      = "gatehouse"
	defaultLoginScope    = "openid"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"GATEHOUSE_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID          string        `env:"GATEHOUSE_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"GATEHOUSE_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"GATEHOUSE_WEBAUTHN_CHALLENGE_TTL"   envDefault:"5m"`
	// ClientID is the first-party client that passkey sign-ins without a
	// pending authorization receive tokens for.
	ClientID string   `env:"GATEHOUSE_WEBAUTHN_CLIENT_ID" envDefault:"gatehouse"`
	Scopes   []string `env:"GATEHOUSE_WEBAUTHN_SCOPES"    envDefault:"openid" envSeparator:","`
}

// DefaultConfig returns the configuration used when env parsing fails.
func DefaultConfig() Config {
	return Config{
		RPDisplayName: defaultRPDisplayName,
		RPID:          "localhost",
		RPOrigins:     []string{defaultRPOrigin},
		ChallengeTTL:  MaxChallengeTTL,
		ClientID:      defaultClientID,
		Scopes:        []string{defaultLoginScope},
	}
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fallback := DefaultConfig()
		if cfg.RPID != "" {
			fallback.RPID = cfg.RPID
		}
		return fallback
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.RPDisplayName) == "" {
		c.RPDisplayName = defaultRPDisplayName
	}
	if strings.TrimSpace(c.RPID) == "" {
		c.RPID = "localhost"
	}
	if len(c.RPOrigins) == 0 {
		c.RPOrigins = []string{defaultRPOrigin}
	}
	if c.ChallengeTTL <= 0 || c.ChallengeTTL > MaxChallengeTTL {
		c.ChallengeTTL = MaxChallengeTTL
	}
	c.ClientID = strings.TrimSpace(c.ClientID)
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{defaultLoginScope}
	}
	return c
}

// NewWebAuthn builds the relying party from cfg.
func NewWebAuthn(cfg Config) (*webauthn.WebAuthn, error) {
	cfg = cfg.normalized()
	rp, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return rp, nil
}
