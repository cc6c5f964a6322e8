package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	authcmd "github.com/louisbranch/gatehouse/internal/cmd/auth"
	"github.com/louisbranch/gatehouse/internal/platform/config"
)

func main() {
	cfg, err := authcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := authcmd.Run(ctx, cfg, os.Stdout); err != nil {
		config.Exitf("gatehouse-auth: %v", err)
	}
}
