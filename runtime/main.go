package main

import (
	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/services"
	"github.com/privyhq/signal_api/shared"
)

// @title Privy Signal API
// @version 1.0
// @description Signup fraud risk scoring for email addresses and IPs.
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using system environment variables")
	}
	shared.ConfigureLogger()

	ctx, err := context.NewCtx(
		&services.MonitoringService{},
		&services.RedisService{},
		&services.PostgresService{},
		&services.GeolocationService{},
		&services.RateLimitService{},
		&services.ApiKeyService{},
		&services.SignalService{},
		&services.QueueService{},
		&services.CheckService{},

		&services.HttpService{},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure services")
		return
	}

	err = ctx.Run()
	if err != nil {
		log.Fatal().Err(err).Msg("Service exited")
		return
	}
}
