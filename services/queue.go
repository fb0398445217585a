package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/shared"
)

const QUEUE_SVC = "queue_svc"

const (
	QueueDriverRedis = "redis"
	QueueDriverKafka = "kafka"

	DEFAULT_QUEUE_STREAM  = "checks:persist"
	DEFAULT_KAFKA_TOPIC   = "checks.persist"
	DEFAULT_QUEUE_GROUP   = "check-persister"
	DEFAULT_QUEUE_BUFFER  = 1024
	DEFAULT_STREAM_MAXLEN = 1_000_000
	DEFAULT_MAX_ATTEMPTS  = 5
	DEAD_LETTER_SUFFIX    = ":dead"

	payloadField = "payload"
)

type EventPublisher interface {
	Publish(ctx context.Context, event *dto.PersistCheckEvent) error
	Close() error
}

func encodeEvent(event *dto.PersistCheckEvent) ([]byte, error) {
	return shared.JSON().Marshal(event)
}

func decodeEvent(data []byte) (*dto.PersistCheckEvent, error) {
	var event dto.PersistCheckEvent
	if err := shared.JSON().Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ==================== QUEUE SERVICE ====================

// QueueService decouples request handling from publishing. Enqueue never
// blocks; a full buffer drops the event.
type QueueService struct {
	appContext.DefaultService

	driver         string
	publisher      EventPublisher
	bufferSize     int
	publishTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	events chan *dto.PersistCheckEvent
	wg     sync.WaitGroup
}

func NewQueueService(publisher EventPublisher, bufferSize int, publishTimeout time.Duration) *QueueService {
	return &QueueService{
		driver:         "custom",
		publisher:      publisher,
		bufferSize:     bufferSize,
		publishTimeout: publishTimeout,
	}
}

func (svc QueueService) Id() string {
	return QUEUE_SVC
}

func (svc *QueueService) Configure(ctx *appContext.Context) error {
	svc.driver = strings.ToLower(shared.EnvString("QUEUE_DRIVER", QueueDriverRedis))
	svc.bufferSize = shared.EnvInt("QUEUE_BUFFER", DEFAULT_QUEUE_BUFFER)
	svc.publishTimeout = shared.EnvDuration("QUEUE_PUBLISH_TIMEOUT", 2*time.Second)
	return svc.DefaultService.Configure(ctx)
}

func (svc *QueueService) Start() error {
	if svc.publisher == nil {
		publisher, err := svc.newPublisher()
		if err != nil {
			return err
		}
		svc.publisher = publisher
	}
	if svc.bufferSize <= 0 {
		svc.bufferSize = DEFAULT_QUEUE_BUFFER
	}
	if svc.publishTimeout <= 0 {
		svc.publishTimeout = 2 * time.Second
	}

	svc.events = make(chan *dto.PersistCheckEvent, svc.bufferSize)
	svc.wg.Add(1)
	go svc.pump()

	log.Info().Str("driver", svc.driver).Int("buffer", svc.bufferSize).Msg("Persistence queue started")
	return nil
}

func (svc *QueueService) newPublisher() (EventPublisher, error) {
	switch svc.driver {
	case QueueDriverKafka:
		return NewKafkaPublisher(shared.EnvList("KAFKA_BROKERS"), shared.EnvString("KAFKA_TOPIC", DEFAULT_KAFKA_TOPIC))
	case QueueDriverRedis:
		redisSvc, ok := svc.Service(REDIS_SVC).(*RedisService)
		if !ok || redisSvc.GetClient() == nil {
			return nil, errors.New("redis queue driver requires the redis service")
		}
		return NewRedisStreamPublisher(redisSvc.GetClient(),
			shared.EnvString("QUEUE_STREAM", DEFAULT_QUEUE_STREAM),
			int64(shared.EnvInt("QUEUE_STREAM_MAXLEN", DEFAULT_STREAM_MAXLEN))), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", svc.driver)
	}
}

func (svc *QueueService) Driver() string {
	return svc.driver
}

// Enqueue hands event to the publisher goroutine. It reports false when the
// event was dropped.
func (svc *QueueService) Enqueue(event *dto.PersistCheckEvent) bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	if svc.closed || svc.events == nil {
		persistEventsTotal.WithLabelValues("dropped").Inc()
		return false
	}

	select {
	case svc.events <- event:
		return true
	default:
		persistEventsTotal.WithLabelValues("dropped").Inc()
		log.Warn().Str("org_id", event.OrgID).Msg("Persistence buffer full, dropping check event")
		return false
	}
}

func (svc *QueueService) pump() {
	defer svc.wg.Done()

	for event := range svc.events {
		ctx, cancel := context.WithTimeout(context.Background(), svc.publishTimeout)
		err := svc.publisher.Publish(ctx, event)
		cancel()

		if err != nil {
			persistEventsTotal.WithLabelValues("failed").Inc()
			log.Error().Err(err).Str("driver", svc.driver).Str("org_id", event.OrgID).Msg("Failed to publish check event")
			continue
		}
		persistEventsTotal.WithLabelValues("published").Inc()
	}
}

// Shutdown stops accepting events, drains the buffer and closes the
// publisher.
func (svc *QueueService) Shutdown() {
	svc.mu.Lock()
	if svc.closed || svc.events == nil {
		svc.mu.Unlock()
		return
	}
	svc.closed = true
	close(svc.events)
	svc.mu.Unlock()

	svc.wg.Wait()
	if err := svc.publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close queue publisher")
	}
}

// ==================== REDIS STREAMS ====================

type RedisStreamPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client redis.Cmdable, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, event *dto.PersistCheckEvent) error {
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Err()
}

func (p *RedisStreamPublisher) Close() error {
	return nil
}

// EventHandler persists one event. A returned error leaves the event
// unacknowledged.
type EventHandler func(ctx context.Context, event *dto.PersistCheckEvent) error

type EventConsumer interface {
	Consume(ctx context.Context, handle EventHandler) error
	Close() error
}

type RedisStreamConsumer struct {
	client     redis.Cmdable
	stream     string
	group      string
	consumer   string
	deadStream string
	batch      int64
	block      time.Duration

	maxAttempts int
	retryEvery  time.Duration
}

func NewRedisStreamConsumer(client redis.Cmdable, stream, group, consumer string, block time.Duration) *RedisStreamConsumer {
	if block <= 0 {
		block = 2 * time.Second
	}
	return &RedisStreamConsumer{
		client:      client,
		stream:      stream,
		group:       group,
		consumer:    consumer,
		deadStream:  stream + DEAD_LETTER_SUFFIX,
		batch:       50,
		block:       block,
		maxAttempts: DEFAULT_MAX_ATTEMPTS,
		retryEvery:  time.Second,
	}
}

// SetRetryPolicy bounds how often a failing entry is retried and how long
// the consumer waits between passes over its pending entries.
func (c *RedisStreamConsumer) SetRetryPolicy(maxAttempts int, retryEvery time.Duration) {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if retryEvery > 0 {
		c.retryEvery = retryEvery
	}
}

func (c *RedisStreamConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume replays this consumer's pending entries, then reads new ones until
// ctx is done. Failed entries stay pending and are retried every retryEvery
// while new entries keep flowing. An entry that fails maxAttempts times is
// moved to the dead letter stream.
func (c *RedisStreamConsumer) Consume(ctx context.Context, handle EventHandler) error {
	if err := c.ensureGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	failures := c.pendingDeliveries(ctx)
	replay := true
	var nextReplay time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		if replay && !time.Now().Before(nextReplay) {
			handled, failed, err := c.readBatch(ctx, "0", failures, handle)
			if err != nil {
				if !c.readFailed(ctx, err) {
					return nil
				}
				continue
			}
			replay = failed > 0 || int64(handled) == c.batch
			nextReplay = time.Now().Add(c.retryEvery)
		}

		_, failed, err := c.readBatch(ctx, ">", failures, handle)
		if err != nil {
			if !c.readFailed(ctx, err) {
				return nil
			}
			continue
		}
		if failed > 0 && !replay {
			replay = true
			nextReplay = time.Now().Add(c.retryEvery)
		}
	}
}

// readFailed logs a transport error and backs off. It reports false once ctx
// is done.
func (c *RedisStreamConsumer) readFailed(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	log.Error().Err(err).Str("stream", c.stream).Msg("Failed to read stream")
	return sleepCtx(ctx, time.Second)
}

func (c *RedisStreamConsumer) readBatch(ctx context.Context, cursor string, failures map[string]int, handle EventHandler) (handled, failed int, err error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, cursor},
		Count:    c.batch,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			handled++
			if !c.handleMessage(ctx, msg, failures, handle) {
				failed++
			}
		}
	}
	return handled, failed, nil
}

// pendingDeliveries seeds failure counts from the delivery counters of
// entries left pending by an earlier run.
func (c *RedisStreamConsumer) pendingDeliveries(ctx context.Context) map[string]int {
	failures := make(map[string]int)
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   c.stream,
		Group:    c.group,
		Start:    "-",
		End:      "+",
		Count:    c.batch,
		Consumer: c.consumer,
	}).Result()
	if err != nil {
		log.Warn().Err(err).Str("stream", c.stream).Msg("Failed to read pending entries")
		return failures
	}
	for _, entry := range pending {
		failures[entry.ID] = int(entry.RetryCount)
	}
	return failures
}

func (c *RedisStreamConsumer) handleMessage(ctx context.Context, msg redis.XMessage, failures map[string]int, handle EventHandler) bool {
	raw, _ := msg.Values[payloadField].(string)
	event, err := decodeEvent([]byte(raw))
	if err != nil {
		log.Error().Err(err).Str("id", msg.ID).Msg("Discarding undecodable check event")
		return c.deadLetter(ctx, msg.ID, raw, err, failures)
	}

	if err := handle(ctx, event); err != nil {
		if ctx.Err() != nil {
			return false
		}
		failures[msg.ID]++
		attempt := failures[msg.ID]
		if attempt >= c.maxAttempts {
			log.Error().Err(err).Str("id", msg.ID).Int("attempts", attempt).Msg("Giving up on check event")
			return c.deadLetter(ctx, msg.ID, raw, err, failures)
		}
		log.Error().Err(err).Str("id", msg.ID).Int("attempt", attempt).Msg("Failed to persist check event, leaving pending")
		return false
	}

	delete(failures, msg.ID)
	c.ack(ctx, msg.ID)
	return true
}

// deadLetter copies the entry to the dead letter stream and acks it. The
// entry stays pending when the copy cannot be written.
func (c *RedisStreamConsumer) deadLetter(ctx context.Context, id, raw string, cause error, failures map[string]int) bool {
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.deadStream,
		Values: map[string]interface{}{
			payloadField: raw,
			"source_id":  id,
			"error":      cause.Error(),
		},
	}).Err(); err != nil {
		log.Warn().Err(err).Str("id", id).Str("stream", c.deadStream).Msg("Failed to dead letter check event")
		return false
	}
	delete(failures, id)
	c.ack(ctx, id)
	return true
}

func (c *RedisStreamConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("Failed to ack check event")
	}
}

func (c *RedisStreamConsumer) Close() error {
	return nil
}

// ==================== KAFKA ====================

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *dto.PersistCheckEvent) error {
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.OrgID),
		Value: data,
		Time:  time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	reader      *kafka.Reader
	maxAttempts int
	retryDelay  time.Duration
}

func NewKafkaConsumer(brokers []string, groupID, topic string, maxAttempts int) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if maxAttempts <= 0 {
		maxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader, maxAttempts: maxAttempts, retryDelay: time.Second}, nil
}

// Consume retries a failing message up to maxAttempts times before logging
// it and committing past it.
func (c *KafkaConsumer) Consume(ctx context.Context, handle EventHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		event, err := decodeEvent(msg.Value)
		if err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("Discarding undecodable check event")
		} else if err := retryHandle(ctx, event, handle, c.maxAttempts, c.retryDelay); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Int64("offset", msg.Offset).Str("payload", string(msg.Value)).
				Msg("Giving up on check event")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit offset")
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// retryHandle calls handle up to maxAttempts times with a doubling delay
// capped at 10s. It returns the last handler error, or ctx.Err() when ctx
// ended first.
func retryHandle(ctx context.Context, event *dto.PersistCheckEvent, handle EventHandler, maxAttempts int, delay time.Duration) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = handle(ctx, event); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= maxAttempts {
			return err
		}
		log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Failed to persist check event")
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
