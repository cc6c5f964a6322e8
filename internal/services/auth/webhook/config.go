package webhook

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/louisbranch/gatehouse/internal/platform/timeouts"
)

// MaxAttempts is the hard ceiling on delivery attempts per delivery.
const MaxAttempts = 5

// Config controls outbound delivery.
type Config struct {
	MaxAttempts     int           `env:"GATEHOUSE_WEBHOOK_MAX_ATTEMPTS"     envDefault:"5"`
	InitialInterval time.Duration `env:"GATEHOUSE_WEBHOOK_INITIAL_INTERVAL" envDefault:"500ms"`
	MaxInterval     time.Duration `env:"GATEHOUSE_WEBHOOK_MAX_INTERVAL"     envDefault:"30s"`
	RequestTimeout  time.Duration `env:"GATEHOUSE_WEBHOOK_REQUEST_TIMEOUT"  envDefault:"10s"`
	PollInterval    time.Duration `env:"GATEHOUSE_WEBHOOK_POLL_INTERVAL"    envDefault:"5s"`
	BatchSize       int           `env:"GATEHOUSE_WEBHOOK_BATCH_SIZE"       envDefault:"20"`
	LeaseTTL        time.Duration `env:"GATEHOUSE_WEBHOOK_LEASE_TTL"        envDefault:"2m"`
}

// DefaultConfig returns the configuration used when env parsing fails.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     MaxAttempts,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		RequestTimeout:  10 * time.Second,
		PollInterval:    5 * time.Second,
		BatchSize:       20,
		LeaseTTL:        2 * time.Minute,
	}
}

// LoadConfigFromEnv returns webhook configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return DefaultConfig()
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 || c.MaxAttempts > MaxAttempts {
		c.MaxAttempts = MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaults.InitialInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	// A lease is renewed before every attempt, so it has to outlive one
	// request plus the longest wait before the next.
	if floor := c.RequestTimeout + c.MaxInterval + timeouts.Storage; c.LeaseTTL < floor {
		c.LeaseTTL = floor
	}
	return c
}
