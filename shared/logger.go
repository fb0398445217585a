package shared

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogger sets the global level from LOG_LEVEL and switches to the
// console writer outside production.
func ConfigureLogger() {
	level, err := zerolog.ParseLevel(strings.ToLower(EnvString("LOG_LEVEL", "info")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if !strings.EqualFold(EnvString("ENVIRONMENT", "development"), "production") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
