package main

import (
	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/services"
	"github.com/privyhq/signal_api/shared"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using system environment variables")
	}
	shared.ConfigureLogger()

	ctx, err := context.NewCtx(
		&services.MonitoringService{},
		&services.RedisService{},
		&services.PostgresService{},

		&services.PersistenceWorker{},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure services")
		return
	}

	err = ctx.Run()
	if err != nil {
		log.Fatal().Err(err).Msg("Worker exited")
		return
	}
}
