package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/privyhq/signal_api/model"
	"github.com/privyhq/signal_api/shared"
)

type PostgresService struct {
	appContext.DefaultService
	db *gorm.DB

	database   string
	maxRetries int
}

const POSTGRES_SVC = "postgres_svc"

func (ds PostgresService) Id() string {
	return POSTGRES_SVC
}

func (ds PostgresService) Db() *gorm.DB {
	return ds.db
}

func (ds *PostgresService) Configure(ctx *appContext.Context) error {
	ds.database = DSNFromEnv()
	ds.maxRetries = shared.EnvInt("DB_CONNECT_RETRIES", 10)

	return ds.DefaultService.Configure(ctx)
}

func (ds *PostgresService) Start() (err error) {
	ds.db, err = ConnectPostgres(ds.database, ds.maxRetries)
	if err != nil {
		return err
	}

	if err = ds.db.AutoMigrate(Models()...); err != nil {
		log.Error().Err(err).Msg("Failed to migrate database")
		return err
	}

	log.Info().Msg("Database connected and migrated successfully")
	return nil
}

// DSNFromEnv returns DATABASE_URL or a DSN assembled from the DB_* variables.
func DSNFromEnv() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		shared.EnvString("DB_HOST", "localhost"),
		shared.EnvString("DB_USER", "postgres"),
		shared.EnvString("DB_PASSWORD", "postgres"),
		shared.EnvString("DB_NAME", "signal_api"),
		shared.EnvString("DB_PORT", "5432"),
		shared.EnvString("DB_SSLMODE", "disable"),
		shared.EnvString("DB_TIMEZONE", "UTC"),
	)
}

// ConnectPostgres opens and pings dsn, retrying with exponential backoff.
func ConnectPostgres(dsn string, maxRetries int) (db *gorm.DB, err error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Info().Int("attempt", attempt).Int("max", maxRetries).Msg("Connecting to database")

		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Error),
		})
		if err == nil {
			sqlDB, dbErr := db.DB()
			if dbErr == nil {
				if err = sqlDB.Ping(); err == nil {
					return db, nil
				}
			} else {
				err = dbErr
			}
		}

		if attempt == maxRetries {
			break
		}

		log.Warn().Err(err).Dur("retry_in", retryDelay).Msg("Database connection failed")
		time.Sleep(retryDelay)

		// Exponential backoff with max delay of 10 seconds
		retryDelay *= 2
		if retryDelay > 10*time.Second {
			retryDelay = 10 * time.Second
		}
	}

	log.Error().Err(err).Int("attempts", maxRetries).Msg("Failed to connect to database")
	return nil, err
}

// Models lists every table owned by the service.
func Models() []interface{} {
	return []interface{}{
		&model.Organization{},
		&model.ApiKey{},
		&model.Blacklist{},
		&model.Check{},
	}
}

func (ds *PostgresService) Shutdown() {
	if ds.db == nil {
		return
	}
	sqlDB, err := ds.db.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
}

// HandleDBError maps gorm errors onto client-facing AppErrors.
func HandleDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return shared.NewAppError(http.StatusNotFound, "Record not found", nil)
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return shared.NewAppError(http.StatusConflict, "Record already exists", nil)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return shared.NewAppError(http.StatusBadRequest, "Referenced record does not exist", nil)
	}

	log.Error().Err(err).Msg("Database error occurred")
	return fmt.Errorf("database: %w", err)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
