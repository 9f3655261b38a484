package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/config"
	"github.com/JakeFAU/grant-scout/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(ctx, app, zap.L()))
}

// run drives app until shutdown and returns the process exit code.
func run(ctx context.Context, app runner, logger *zap.Logger) int {
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()

	if err := app.Run(ctx); err != nil {
		logger.Error("application exited with error", zap.Error(err))
		return 1
	}
	return 0
}

type runner interface {
	Run(ctx context.Context) error
}
