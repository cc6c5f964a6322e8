package httpapi

import (
	"github.com/caarlos0/env/v11"
)

// Config controls the HTTP transport.
type Config struct {
	RateLimitRPS   float64 `env:"GATEHOUSE_HTTP_RATE_LIMIT_RPS"   envDefault:"10"`
	RateLimitBurst int     `env:"GATEHOUSE_HTTP_RATE_LIMIT_BURST" envDefault:"20"`
	// TrustedProxyHeader names a header (for example X-Forwarded-For) set by
	// a fronting proxy. Empty means the socket peer address is used.
	TrustedProxyHeader string `env:"GATEHOUSE_HTTP_TRUSTED_PROXY_HEADER"`
	// TrustUserHeader honors X-Gatehouse-User on /oauth/authorize. Only
	// enable behind a login proxy that strips the header from clients.
	TrustUserHeader bool `env:"GATEHOUSE_HTTP_TRUST_USER_HEADER"`
}

// DefaultConfig returns the configuration used when env parsing fails.
func DefaultConfig() Config {
	return Config{RateLimitRPS: 10, RateLimitBurst: 20}
}

// LoadConfigFromEnv returns HTTP configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return DefaultConfig()
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = DefaultConfig().RateLimitRPS
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = DefaultConfig().RateLimitBurst
	}
	return c
}
