package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/raterudder/octosync/pkg/cache"
	"github.com/raterudder/octosync/pkg/credentials"
	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/octopus"
	"github.com/raterudder/octosync/pkg/repository"
	"github.com/raterudder/octosync/pkg/server"
	"github.com/raterudder/octosync/pkg/storage"
	"github.com/raterudder/octosync/pkg/token"
)

func main() {
	// init packages
	s := storage.Configured()
	creds := credentials.Configured()
	client := octopus.Configured()

	c := cache.New()
	tokens := token.New(client, creds, c, nil)
	repo := repository.New(s, c, tokens, repository.Sources{
		Accounts:    client.AccountSource(),
		Products:    client.ProductSource(),
		Rates:       client.RateSource(),
		Consumption: client.ConsumptionSource(),
	})

	// init server
	srv := server.Configured(repo, creds)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
