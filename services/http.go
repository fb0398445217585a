package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/docs"
	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/services/handlers"
	"github.com/privyhq/signal_api/shared"
)

const HTTP_SVC = "http_svc"

const DEFAULT_BODY_LIMIT = 64 * 1024

type HttpService struct {
	appContext.DefaultService

	port        int
	environment string
	app         *fiber.App

	redisSvc     *RedisService
	rateLimitSvc *RateLimitService
	geoSvc       *GeolocationService
	queueSvc     *QueueService
	signalSvc    *SignalService
}

// Routes carries everything the router needs. Auth and RateLimit run in that
// order in front of the check handler.
type Routes struct {
	Check     *handlers.CheckHandler
	Status    *handlers.StatusHandler
	Auth      fiber.Handler
	RateLimit fiber.Handler
}

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *appContext.Context) error {
	svc.port = shared.EnvInt("HTTP_PORT", 8000)
	svc.environment = shared.EnvString("ENVIRONMENT", "development")
	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	checkSvc, ok := svc.Service(CHECK_SVC).(*CheckService)
	if !ok {
		return errors.New("http service requires the check service")
	}
	apiKeySvc, ok := svc.Service(API_KEY_SVC).(*ApiKeyService)
	if !ok {
		return errors.New("http service requires the api key service")
	}
	svc.rateLimitSvc, ok = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	if !ok {
		return errors.New("http service requires the rate limit service")
	}
	svc.redisSvc, _ = svc.Service(REDIS_SVC).(*RedisService)
	svc.geoSvc, _ = svc.Service(GEOLOCATION_SVC).(*GeolocationService)
	svc.queueSvc, _ = svc.Service(QUEUE_SVC).(*QueueService)
	svc.signalSvc, _ = svc.Service(SIGNAL_SVC).(*SignalService)

	svc.app = NewApp(Routes{
		Check:     handlers.NewCheckHandler(checkSvc),
		Status:    handlers.NewStatusHandler(svc),
		Auth:      apiKeySvc.RequireApiKey(),
		RateLimit: svc.rateLimitSvc.RateLimit(),
	})

	log.Info().Int("port", svc.port).Msg("Starting HTTP server")
	return svc.app.Listen(fmt.Sprintf(":%d", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.app == nil {
		return
	}
	if err := svc.app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}
}

// NewApp builds the fiber application with the house error envelope.
func NewApp(routes Routes) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      shared.ServiceName,
		ErrorHandler: ErrorHandler,
		JSONEncoder:  shared.JSON().Marshal,
		JSONDecoder:  shared.JSON().Unmarshal,
		BodyLimit:    DEFAULT_BODY_LIMIT,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	docs.SwaggerInfo.BasePath = ""

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, " + ApiKeyHeader,
	}))
	app.Use(MonitoringMiddleware())

	app.Get("/ping", ping)
	app.Get("/swagger/*", swagger.HandlerDefault)

	v1 := app.Group("/api/v1")
	v1.Get("/ping", ping)
	if routes.Status != nil {
		v1.Get("/status", routes.Status.Status)
	}

	if routes.Check != nil {
		chain := make([]fiber.Handler, 0, 3)
		if routes.Auth != nil {
			chain = append(chain, routes.Auth)
		}
		if routes.RateLimit != nil {
			chain = append(chain, routes.RateLimit)
		}
		chain = append(chain, routes.Check.Check)
		v1.Post("/check", chain...)
	}

	return app
}

// Status implements handlers.StatusServiceInterface.
func (svc *HttpService) Status(ctx context.Context) dto.StatusResponse {
	resp := dto.StatusResponse{
		Service:     shared.ServiceName,
		Version:     shared.ServiceVersion,
		Environment: svc.environment,
		Features: map[string]bool{
			"redis":             svc.redisSvc != nil && svc.redisSvc.Available(),
			"rate_limiting":     svc.rateLimitSvc != nil,
			"geolocation":       false,
			"persistence_queue": svc.queueSvc != nil,
		},
		Geolocation: "none",
		Timestamp:   time.Now().Unix(),
	}
	if svc.geoSvc != nil {
		resp.Geolocation = svc.geoSvc.ProviderName()
		resp.Features["geolocation"] = resp.Geolocation != "none"
	}
	if svc.queueSvc != nil {
		resp.QueueDriver = svc.queueSvc.Driver()
	}
	if svc.signalSvc != nil {
		resp.Sources = svc.signalSvc.SourceNames()
	}
	if resp.Features["redis"] {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		sizes, err := IndicatorSetSizes(sctx, svc.redisSvc.GetClient())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read indicator set sizes")
		} else {
			resp.IndicatorSets = sizes
		}
	}
	return resp
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func ping(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "max-age=10")
	return shared.ResponseOK(c, "pong")
}

// ErrorHandler renders every error returned by a handler or middleware into
// the response envelope. Unknown errors never leak their text.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("Unhandled request error")
	return shared.ResponseJSON(c, http.StatusInternalServerError, "Internal Server Error", nil)
}
