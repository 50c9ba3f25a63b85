package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	_ "github.com/kirinyoku/tix-saga/docs"
	"github.com/kirinyoku/tix-saga/internal/app"
	"github.com/kirinyoku/tix-saga/internal/config"
	"github.com/kirinyoku/tix-saga/internal/logger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// @title TixSaga API
// @version 1.0
// @description Ticket reservations confirmed by an external validation authority.
// @host localhost:8080
// @BasePath /
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile string
		migrate bool
	)

	flagSet := pflag.NewFlagSet("tixsaga", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "path to an optional dotenv file")
	flagSet.BoolVar(&migrate, "migrate", false, "apply database migrations on startup")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.New(envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	application, err := app.New(ctx, cfg, log, app.Options{Migrate: migrate})
	if err != nil {
		log.Error("failed to create application", zap.Error(err))
		return err
	}

	if err := application.Run(ctx); err != nil {
		log.Error("application finished with error", zap.Error(err))
		return err
	}

	return nil
}
