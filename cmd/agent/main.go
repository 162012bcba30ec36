// The agent runs on a remote site: it pulls its assigned cameras and
// schedules from the central server, records locally and reports back
// over the /local-client protocol.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/agent"
	"github.com/technosupport/ts-cctv/internal/config"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.ValidateAgent(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	runner, err := agent.NewRunner(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init agent")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A rejected token is fatal: better to exit than to record footage
	// nobody will ever be told about.
	validateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := runner.Validate(validateCtx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("token validation failed")
	}
	cancel()
	log.Info().Str("server", cfg.AgentServerURL).Msg("agent validated")

	if err := runner.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent run")
	}
	log.Info().Msg("bye")
}
