package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/model"
	"github.com/privyhq/signal_api/services/handlers"
	"github.com/privyhq/signal_api/shared"
)

type testEnvelope struct {
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Data    *dto.CheckResponse `json:"data"`
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"app error", shared.ErrInvalidApiKey, http.StatusUnauthorized, "Invalid API key"},
		{"wrapped app error", errors.Join(errors.New("ctx"), shared.ErrRateLimited), http.StatusTooManyRequests, shared.ErrRateLimited.Message},
		{"fiber error", fiber.ErrMethodNotAllowed, http.StatusMethodNotAllowed, fiber.ErrMethodNotAllowed.Message},
		{"unknown error", errors.New("pq: connection refused"), http.StatusInternalServerError, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
			app.Get("/", func(c *fiber.Ctx) error { return tt.err })

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			var body testEnvelope
			require.NoError(t, shared.JSON().Unmarshal(raw, &body))
			assert.Equal(t, tt.status, body.Code)
			assert.Equal(t, tt.message, body.Message)
			assert.NotContains(t, string(raw), "connection refused")
		})
	}
}

func newTestApp(t *testing.T, hits ...string) *fiber.App {
	t.Helper()
	checkSvc, _, _ := newTestCheckService(hits...)
	limiter := NewRateLimitService(NewMemoryBucketStore(), RateLimitConfig{Rate: 1, Capacity: 1, FailOpen: true})
	limiter.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	return NewApp(Routes{
		Check:  handlers.NewCheckHandler(checkSvc),
		Status: handlers.NewStatusHandler(&HttpService{environment: "test"}),
		Auth: func(c *fiber.Ctx) error {
			if c.Get(ApiKeyHeader) != "pk_test.secret" {
				return shared.ErrInvalidApiKey
			}
			c.Locals(shared.ApiKeyLocal, &model.ApiKey{KeyID: "pk_test", OrgID: "org-1"})
			return c.Next()
		},
		RateLimit: limiter.RateLimit(),
	})
}

func TestNewApp_Ping(t *testing.T) {
	app := newTestApp(t)

	for _, path := range []string{"/ping", "/api/v1/ping"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestNewApp_UnknownRoute(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewApp_CheckPipeline(t *testing.T) {
	app := newTestApp(t, shared.TagVPNIP)

	newReq := func(key string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/check", strings.NewReader(`{"ip":"8.8.8.8"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		if key != "" {
			req.Header.Set(ApiKeyHeader, key)
		}
		return req
	}

	resp, err := app.Test(newReq(""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(newReq("pk_test.secret"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body testEnvelope
	require.NoError(t, shared.JSON().Unmarshal(raw, &body))
	require.NotNil(t, body.Data)
	assert.Equal(t, 45, body.Data.RiskScore)
	assert.Equal(t, shared.RiskLevelLow, body.Data.RiskLevel)

	// Capacity 1: the second authenticated call in the same second is refused.
	resp, err = app.Test(newReq("pk_test.secret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestHttpService_Status(t *testing.T) {
	svc := &HttpService{
		environment: "test",
		queueSvc:    NewQueueService(nil, 1, 0),
		geoSvc:      NewGeolocationService(0, 0),
	}

	status := svc.Status(context.Background())
	assert.Equal(t, shared.ServiceName, status.Service)
	assert.Equal(t, "test", status.Environment)
	assert.False(t, status.Features["redis"])
	assert.False(t, status.Features["rate_limiting"])
	assert.False(t, status.Features["geolocation"])
	assert.True(t, status.Features["persistence_queue"])
	assert.Equal(t, "custom", status.QueueDriver)
	assert.Equal(t, "none", status.Geolocation)
	assert.Nil(t, status.IndicatorSets)
}

func TestHttpService_StatusReportsIndicatorSets(t *testing.T) {
	mr, client := newTestRedis(t)
	_, err := mr.SetAdd("disposable_email_domains", "mailinator.com", "trashmail.com")
	require.NoError(t, err)
	_, err = mr.SetAdd("tor_exit_nodes", "185.220.101.1")
	require.NoError(t, err)

	svc := &HttpService{redisSvc: &RedisService{redis: client, available: true}, rateLimitSvc: &RateLimitService{}}
	status := svc.Status(context.Background())

	assert.True(t, status.Features["redis"])
	assert.True(t, status.Features["rate_limiting"])
	assert.Equal(t, int64(2), status.IndicatorSets["disposable_email_domains"])
	assert.Equal(t, int64(1), status.IndicatorSets["tor_exit_nodes"])
	assert.Equal(t, int64(0), status.IndicatorSets["vpn_ips"])
	assert.Len(t, status.IndicatorSets, len(IndicatorSets))
}
