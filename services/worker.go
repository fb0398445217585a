package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/model"
	"github.com/privyhq/signal_api/services/repositories"
	"github.com/privyhq/signal_api/shared"
)

const PERSISTENCE_WORKER_SVC = "persistence_worker_svc"

type CheckWriter interface {
	Create(ctx context.Context, check *model.Check) error
}

// PersistenceWorker drains the check queue into the record store. Start
// blocks until Shutdown.
type PersistenceWorker struct {
	appContext.DefaultService

	driver   string
	consumer EventConsumer
	checks   CheckWriter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPersistenceWorker(consumer EventConsumer, checks CheckWriter) *PersistenceWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &PersistenceWorker{
		driver:   "custom",
		consumer: consumer,
		checks:   checks,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (svc PersistenceWorker) Id() string {
	return PERSISTENCE_WORKER_SVC
}

func (svc *PersistenceWorker) Configure(ctx *appContext.Context) error {
	svc.driver = strings.ToLower(shared.EnvString("QUEUE_DRIVER", QueueDriverRedis))
	svc.ctx, svc.cancel = context.WithCancel(context.Background())
	svc.done = make(chan struct{})
	return svc.DefaultService.Configure(ctx)
}

func (svc *PersistenceWorker) Start() error {
	defer close(svc.done)

	if svc.checks == nil {
		pgSvc, ok := svc.Service(POSTGRES_SVC).(*PostgresService)
		if !ok || pgSvc.Db() == nil {
			return errors.New("persistence worker requires postgres")
		}
		svc.checks = repositories.NewCheckRepository(pgSvc.Db())
	}

	if svc.consumer == nil {
		consumer, err := svc.newConsumer()
		if err != nil {
			return err
		}
		svc.consumer = consumer
	}

	log.Info().Str("driver", svc.driver).Msg("Persistence worker consuming check events")

	if err := svc.consumer.Consume(svc.ctx, svc.Persist); err != nil {
		return fmt.Errorf("consume check events: %w", err)
	}
	return nil
}

func (svc *PersistenceWorker) newConsumer() (EventConsumer, error) {
	group := shared.EnvString("KAFKA_GROUP", DEFAULT_QUEUE_GROUP)
	maxAttempts := shared.EnvInt("QUEUE_MAX_ATTEMPTS", DEFAULT_MAX_ATTEMPTS)

	switch svc.driver {
	case QueueDriverKafka:
		return NewKafkaConsumer(shared.EnvList("KAFKA_BROKERS"), group,
			shared.EnvString("KAFKA_TOPIC", DEFAULT_KAFKA_TOPIC), maxAttempts)
	case QueueDriverRedis:
		redisSvc, ok := svc.Service(REDIS_SVC).(*RedisService)
		if !ok || redisSvc.GetClient() == nil {
			return nil, errors.New("redis queue driver requires the redis service")
		}
		consumer := NewRedisStreamConsumer(redisSvc.GetClient(),
			shared.EnvString("QUEUE_STREAM", DEFAULT_QUEUE_STREAM),
			shared.EnvString("QUEUE_GROUP", DEFAULT_QUEUE_GROUP),
			consumerName(),
			shared.EnvDuration("QUEUE_BLOCK", 2*time.Second))
		consumer.SetRetryPolicy(maxAttempts, shared.EnvDuration("QUEUE_RETRY_INTERVAL", time.Second))
		return consumer, nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", svc.driver)
	}
}

func consumerName() string {
	if name := os.Getenv("QUEUE_CONSUMER"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker"
}

// Persist stores one event as a Check row.
func (svc *PersistenceWorker) Persist(ctx context.Context, event *dto.PersistCheckEvent) error {
	check, err := CheckFromEvent(event)
	if err != nil {
		persistEventsTotal.WithLabelValues("invalid").Inc()
		log.Error().Err(err).Str("org_id", event.OrgID).Msg("Dropping unencodable check event")
		return nil
	}

	if err := svc.checks.Create(ctx, check); err != nil {
		persistEventsTotal.WithLabelValues("store_failed").Inc()
		return fmt.Errorf("store check: %w", err)
	}

	persistEventsTotal.WithLabelValues("stored").Inc()
	log.Debug().Str("id", check.ID).Str("org_id", check.OrgID).Msg("Check persisted")
	return nil
}

func (svc *PersistenceWorker) Shutdown() {
	if svc.cancel != nil {
		svc.cancel()
	}
	if svc.done != nil {
		select {
		case <-svc.done:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("Persistence worker did not stop in time")
		}
	}
	if svc.consumer != nil {
		if err := svc.consumer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close queue consumer")
		}
	}
}

// CheckFromEvent converts a queue event into its stored form.
func CheckFromEvent(event *dto.PersistCheckEvent) (*model.Check, error) {
	result, err := shared.JSON().Marshal(event.Result)
	if err != nil {
		return nil, err
	}

	checkedAt := time.Now().UTC()
	if event.CheckedAt > 0 {
		checkedAt = time.UnixMilli(event.CheckedAt).UTC()
	}

	return &model.Check{
		OrgID:     event.OrgID,
		IP:        event.IP,
		Email:     event.Email,
		UserAgent: event.UserAgent,
		Result:    result,
		RiskScore: event.RiskScore,
		Action:    event.Action,
		CheckedAt: checkedAt,
	}, nil
}
