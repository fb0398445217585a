package services

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/model"
	"github.com/privyhq/signal_api/shared"
)

const RATE_LIMIT_SVC = "rate_limit_svc"

const (
	DEFAULT_RATE_LIMIT_RATE     = 1.0
	DEFAULT_RATE_LIMIT_CAPACITY = 60
)

// BucketStore applies one token-bucket step atomically for key and returns
// whether a token was taken together with the tokens left afterwards.
type BucketStore interface {
	Take(ctx context.Context, key string, rate float64, capacity int, now int64) (bool, float64, error)
}

type RateLimitConfig struct {
	Rate     float64
	Capacity int
	FailOpen bool
}

type RateLimitService struct {
	appContext.DefaultService

	store  BucketStore
	config RateLimitConfig
	keyTTL time.Duration
	now    func() time.Time
}

func NewRateLimitService(store BucketStore, config RateLimitConfig) *RateLimitService {
	return &RateLimitService{store: store, config: config, now: time.Now}
}

func (svc RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

func (svc *RateLimitService) Configure(ctx *appContext.Context) error {
	svc.config = RateLimitConfig{
		Rate:     shared.EnvFloat("RATE_LIMIT_RATE", DEFAULT_RATE_LIMIT_RATE),
		Capacity: shared.EnvInt("RATE_LIMIT_CAPACITY", DEFAULT_RATE_LIMIT_CAPACITY),
		FailOpen: shared.EnvBool("RATE_LIMIT_FAIL_OPEN", true),
	}
	svc.keyTTL = shared.EnvDuration("RATE_LIMIT_KEY_TTL", 0)
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	if svc.config.Rate <= 0 || svc.config.Capacity < 1 {
		return fmt.Errorf("invalid rate limit config: rate=%v capacity=%d", svc.config.Rate, svc.config.Capacity)
	}

	redisSvc, _ := svc.Service(REDIS_SVC).(*RedisService)
	if strings.EqualFold(shared.EnvString("RATE_LIMIT_STORE", "redis"), "memory") || redisSvc == nil || redisSvc.GetClient() == nil {
		log.Warn().Msg("Rate limiter using in-memory buckets, limits are per process")
		svc.store = NewMemoryBucketStore()
		return nil
	}

	svc.store = NewRedisBucketStore(redisSvc.GetClient(), svc.keyTTL)
	log.Info().
		Float64("rate", svc.config.Rate).
		Int("capacity", svc.config.Capacity).
		Dur("key_ttl", svc.keyTTL).
		Msg("Rate limiter using Redis token buckets")
	return nil
}

func (svc *RateLimitService) SetClock(now func() time.Time) {
	svc.now = now
}

// Allow takes one token from the bucket of clientKey with the configured
// rate and capacity.
func (svc *RateLimitService) Allow(ctx context.Context, clientKey string) (*dto.RateLimitInfo, error) {
	return svc.Take(ctx, clientKey, svc.config.Rate, svc.config.Capacity)
}

func (svc *RateLimitService) Take(ctx context.Context, clientKey string, rate float64, capacity int) (*dto.RateLimitInfo, error) {
	if rate <= 0 || capacity < 1 {
		return nil, fmt.Errorf("invalid bucket parameters: rate=%v capacity=%d", rate, capacity)
	}

	allowed, remaining, err := svc.store.Take(ctx, clientKey, rate, capacity, svc.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", clientKey, err)
	}

	info := &dto.RateLimitInfo{
		Allowed:   allowed,
		Limit:     capacity,
		Remaining: int(math.Floor(remaining)),
	}
	if !allowed {
		info.RetryAfter = retryAfter(remaining, rate)
	}
	return info, nil
}

// retryAfter is the whole number of seconds until one token is available.
func retryAfter(remaining, rate float64) time.Duration {
	secs := math.Ceil((1 - remaining) / rate)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// RateLimit admits requests per API key, falling back to the client IP for
// unauthenticated routes.
func (svc *RateLimitService) RateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		identifier := clientIdentity(c)

		info, err := svc.Allow(c.UserContext(), identifier)
		if err != nil {
			rateLimitDecisionsTotal.WithLabelValues("error").Inc()
			if svc.config.FailOpen {
				log.Warn().Err(err).Str("client", identifier).Msg("Rate limit check failed, allowing request")
				return c.Next()
			}
			log.Error().Err(err).Str("client", identifier).Msg("Rate limit check failed, rejecting request")
			return shared.NewAppError(fiber.StatusServiceUnavailable, "Rate limit service unavailable", nil)
		}

		addRateLimitHeaders(c, info)

		if !info.Allowed {
			rateLimitDecisionsTotal.WithLabelValues("denied").Inc()
			return shared.NewAppError(shared.ErrRateLimited.StatusCode, shared.ErrRateLimited.Message, fiber.Map{
				"retry_after": int(info.RetryAfter.Seconds()),
			})
		}

		rateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
		return c.Next()
	}
}

func clientIdentity(c *fiber.Ctx) string {
	if key, ok := c.Locals(shared.ApiKeyLocal).(*model.ApiKey); ok && key != nil {
		return key.KeyID
	}
	return "ip:" + getClientIP(c)
}

func addRateLimitHeaders(c *fiber.Ctx, info *dto.RateLimitInfo) {
	if info == nil {
		return
	}

	c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	if !info.Allowed {
		c.Set("Retry-After", strconv.Itoa(int(info.RetryAfter.Seconds())))
	}
}

func getClientIP(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-For"); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}

	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	if cfIP := c.Get("CF-Connecting-IP"); cfIP != "" {
		return cfIP
	}

	ip, _, err := net.SplitHostPort(c.Context().RemoteAddr().String())
	if err != nil {
		return c.Context().RemoteAddr().String()
	}
	return ip
}

// ==================== REDIS BUCKETS ====================

// tokenBucketScript refills, takes and persists in one step. The stored
// timestamp never moves backwards. Remaining tokens are returned in
// thousandths so the fractional part survives the integer reply.
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', tokens_key) or capacity)
local last = tonumber(redis.call('GET', ts_key) or 0)

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * rate)
if now < last then
	now = last
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('SET', tokens_key, tostring(tokens))
redis.call('SET', ts_key, tostring(now))
if ttl > 0 then
	redis.call('EXPIRE', tokens_key, ttl)
	redis.call('EXPIRE', ts_key, ttl)
end

return {allowed, math.floor(tokens * 1000)}
`)

type RedisBucketStore struct {
	client redis.Scripter
	ttl    time.Duration
}

func NewRedisBucketStore(client redis.Scripter, ttl time.Duration) *RedisBucketStore {
	return &RedisBucketStore{client: client, ttl: ttl}
}

func bucketKeys(key string) []string {
	return []string{"rl:" + key + ":tokens", "rl:" + key + ":ts"}
}

func (s *RedisBucketStore) Take(ctx context.Context, key string, rate float64, capacity int, now int64) (bool, float64, error) {
	ttl := int64(s.ttl / time.Second)
	res, err := tokenBucketScript.Run(ctx, s.client, bucketKeys(key), rate, capacity, now, ttl).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected token bucket reply: %v", res)
	}
	return res[0] == 1, float64(res[1]) / 1000, nil
}

// ==================== IN-MEMORY BUCKETS ====================

type memoryBucket struct {
	tokens float64
	last   int64
}

// MemoryBucketStore keeps buckets in process memory. Limits are not shared
// between instances.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{buckets: make(map[string]*memoryBucket)}
}

func (s *MemoryBucketStore) Take(_ context.Context, key string, rate float64, capacity int, now int64) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &memoryBucket{tokens: float64(capacity)}
		s.buckets[key] = b
	}

	elapsed := now - b.last
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = math.Min(float64(capacity), b.tokens+float64(elapsed)*rate)
	if now > b.last {
		b.last = now
	}

	if b.tokens < 1 {
		return false, b.tokens, nil
	}
	b.tokens--
	return true, b.tokens, nil
}
