// Package auth wires the gatehouse-auth command line to the server package.
package auth

import (
	"context"
	"flag"
	"fmt"
	"io"

	entrypoint "github.com/louisbranch/gatehouse/internal/platform/cmd"
	"github.com/louisbranch/gatehouse/internal/platform/logging"
	server "github.com/louisbranch/gatehouse/internal/services/auth/app"
	"go.uber.org/zap"
)

// Config holds auth command configuration. Flags override the environment.
type Config struct {
	Server  server.Config
	Logging logging.Config

	// CreateAdminKey, when set, names the owner email of an admin API key to
	// issue instead of serving.
	CreateAdminKey string
	KeyName        string
}

// ParseConfig loads env defaults and then applies flags from args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg.Server); err != nil {
		return Config{}, err
	}
	if err := entrypoint.ParseConfig(&cfg.Logging); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Server.HTTPAddr, "http-addr", cfg.Server.HTTPAddr, "The HTTP listen address")
	fs.StringVar(&cfg.Server.DBPath, "db-path", cfg.Server.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.Server.RedisURL, "redis-url", cfg.Server.RedisURL, "Redis URL for WebAuthn challenges (optional)")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.CreateAdminKey, "create-admin-key", "", "Issue an admin API key for this account email, print it and exit")
	fs.StringVar(&cfg.KeyName, "key-name", "admin", "Name recorded on the key issued by -create-admin-key")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the identity provider, or issues an admin key when requested.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if cfg.CreateAdminKey != "" {
		return server.CreateAdminKey(ctx, cfg.Server, cfg.CreateAdminKey, cfg.KeyName, out)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAuth, logger, func(ctx context.Context) error {
		return server.Run(ctx, cfg.Server, logger)
	})
}
