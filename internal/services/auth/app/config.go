package server

import (
	"time"

	"github.com/louisbranch/gatehouse/internal/platform/config"
)

// Config holds the process-level settings. Component settings (OAuth,
// WebAuthn, HTTP limits, webhooks) are loaded by their own packages.
type Config struct {
	HTTPAddr               string        `env:"GATEHOUSE_HTTP_ADDR"                envDefault:":8080"`
	DBPath                 string        `env:"GATEHOUSE_DB_PATH"                  envDefault:"data/gatehouse.db"`
	RedisURL               string        `env:"GATEHOUSE_REDIS_URL"`
	Pepper                 string        `env:"GATEHOUSE_PEPPER"`
	BootstrapAdminEmail    string        `env:"GATEHOUSE_BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapAdminPassword string        `env:"GATEHOUSE_BOOTSTRAP_ADMIN_PASSWORD"`
	ShutdownTimeout        time.Duration `env:"GATEHOUSE_SHUTDOWN_TIMEOUT"         envDefault:"5s"`
}

// LoadConfigFromEnv reads Config from the process environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
