package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/shared"
)

type RedisService struct {
	appContext.DefaultService
	redis     *redis.Client
	available bool
}

const REDIS_SVC = "redis_svc"

func (svc RedisService) Id() string {
	return REDIS_SVC
}

func (svc *RedisService) Configure(ctx *appContext.Context) error {
	client, err := NewRedisClient()
	if err != nil {
		return err
	}
	svc.redis = client
	return svc.DefaultService.Configure(ctx)
}

// Start pings Redis. An unreachable Redis is logged rather than fatal; every
// consumer degrades to "no signal" until the client reconnects.
func (svc *RedisService) Start() error {
	if svc.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := svc.redis.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis connection failed, continuing without Redis signals")
		return nil
	}
	svc.available = true
	log.Info().Str("addr", svc.redis.Options().Addr).Msg("Redis connection established")
	return nil
}

func (svc *RedisService) Shutdown() {
	if svc.redis != nil {
		_ = svc.redis.Close()
	}
}

// NewRedisClient builds a client from REDIS_URL or REDIS_ADDR/REDIS_PASSWORD/REDIS_DB.
func NewRedisClient() (*redis.Client, error) {
	if url := strings.TrimSpace(os.Getenv("REDIS_URL")); url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return redis.NewClient(opt), nil
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			redisDB = db
		}
	}

	return redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	}), nil
}

func (svc *RedisService) GetClient() *redis.Client {
	return svc.redis
}

// Available reports whether the startup ping succeeded.
func (svc *RedisService) Available() bool {
	return svc.available
}

// IndicatorSets lists the read-only membership sets the sources consult.
var IndicatorSets = []string{
	shared.SetDisposableEmailDomains,
	shared.SetVPNIPs,
	shared.SetTorExitNodes,
	shared.SetBadISPs,
	shared.SetBadASNs,
	shared.SetHighRiskCountries,
}

// IndicatorSetSizes returns the cardinality of every indicator set in one
// pipelined round trip.
func IndicatorSetSizes(ctx context.Context, client redis.Cmdable) (map[string]int64, error) {
	cmds := make([]*redis.IntCmd, len(IndicatorSets))
	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, set := range IndicatorSets {
			cmds[i] = pipe.SCard(ctx, set)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sizes := make(map[string]int64, len(IndicatorSets))
	for i, set := range IndicatorSets {
		sizes[set] = cmds[i].Val()
	}
	return sizes, nil
}
