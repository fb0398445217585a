package services

import (
	"context"
	"errors"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/privyhq/signal_api/services/repositories"
	"github.com/privyhq/signal_api/shared"
)

const SIGNAL_SVC = "signal_svc"

const DEFAULT_SIGNAL_SOURCE_TIMEOUT = 750 * time.Millisecond

// Field is a bit set of the request fields a source needs.
type Field uint8

const (
	FieldEmail Field = 1 << iota
	FieldIP
	FieldOrg
)

type SignalInput struct {
	OrgID       string
	IP          string
	Email       string
	EmailDomain string
}

func (in SignalInput) Has(fields Field) bool {
	if fields&FieldEmail != 0 && in.EmailDomain == "" {
		return false
	}
	if fields&FieldIP != 0 && in.IP == "" {
		return false
	}
	if fields&FieldOrg != 0 && in.OrgID == "" {
		return false
	}
	return true
}

// IndicatorSource looks up zero or more indicator tags for one request.
type IndicatorSource interface {
	Name() string
	Requires() Field
	Check(ctx context.Context, in SignalInput) ([]string, error)
}

type SignalAggregator struct {
	sources []IndicatorSource
	timeout time.Duration
}

func NewSignalAggregator(timeout time.Duration, sources ...IndicatorSource) *SignalAggregator {
	if timeout <= 0 {
		timeout = DEFAULT_SIGNAL_SOURCE_TIMEOUT
	}
	return &SignalAggregator{sources: sources, timeout: timeout}
}

func (a *SignalAggregator) Sources() []IndicatorSource {
	return a.sources
}

// Collect queries every applicable source concurrently and returns their tags
// in source order. A failing or slow source contributes nothing.
func (a *SignalAggregator) Collect(ctx context.Context, in SignalInput) []string {
	results := make([][]string, len(a.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range a.sources {
		if !in.Has(src.Requires()) {
			continue
		}
		g.Go(func() error {
			tags, err := a.check(gctx, src, in)
			if err != nil {
				signalSourceFailuresTotal.WithLabelValues(src.Name()).Inc()
				ev := log.Warn()
				if errors.Is(err, context.DeadlineExceeded) {
					ev = log.Info()
				}
				ev.Err(err).Str("source", src.Name()).Msg("Signal source failed")
				return nil
			}
			results[i] = tags
			return nil
		})
	}
	_ = g.Wait()

	var hits []string
	for _, tags := range results {
		hits = append(hits, tags...)
	}
	return hits
}

type sourceResult struct {
	tags []string
	err  error
}

// check bounds src by the per-source timeout even when it ignores its context.
func (a *SignalAggregator) check(ctx context.Context, src IndicatorSource, in SignalInput) ([]string, error) {
	sctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan sourceResult, 1)
	go func() {
		tags, err := src.Check(sctx, in)
		done <- sourceResult{tags: tags, err: err}
	}()

	select {
	case res := <-done:
		return res.tags, res.err
	case <-sctx.Done():
		return nil, sctx.Err()
	}
}

// SignalService wires the production indicator sources.
type SignalService struct {
	appContext.DefaultService

	aggregator *SignalAggregator
	timeout    time.Duration
}

func (svc SignalService) Id() string {
	return SIGNAL_SVC
}

func (svc *SignalService) Configure(ctx *appContext.Context) error {
	svc.timeout = shared.EnvDuration("SIGNAL_SOURCE_TIMEOUT", DEFAULT_SIGNAL_SOURCE_TIMEOUT)
	return svc.DefaultService.Configure(ctx)
}

func (svc *SignalService) Start() error {
	var sources []IndicatorSource

	if redisSvc, ok := svc.Service(REDIS_SVC).(*RedisService); ok && redisSvc.GetClient() != nil {
		client := redisSvc.GetClient()
		sources = append(sources,
			NewDisposableEmailSource(client),
			NewVPNSource(client),
			NewTorExitSource(client),
			NewVelocitySource(client,
				shared.EnvDuration("VELOCITY_WINDOW", DEFAULT_VELOCITY_WINDOW),
				shared.EnvInt("VELOCITY_THRESHOLD", DEFAULT_VELOCITY_THRESHOLD)),
		)
		if geoSvc, ok := svc.Service(GEOLOCATION_SVC).(*GeolocationService); ok {
			sources = append(sources, NewGeoRiskSource(geoSvc, client))
		}
	} else {
		log.Warn().Msg("Redis unavailable, indicator set sources disabled")
	}

	if pgSvc, ok := svc.Service(POSTGRES_SVC).(*PostgresService); ok && pgSvc.Db() != nil {
		blacklists := repositories.NewBlacklistRepository(pgSvc.Db())
		sources = append(sources,
			NewBlacklistSource(blacklists, shared.BlacklistTypeIP),
			NewBlacklistSource(blacklists, shared.BlacklistTypeEmailDomain),
		)
	}

	svc.aggregator = NewSignalAggregator(svc.timeout, sources...)
	log.Info().Strs("sources", svc.SourceNames()).Dur("timeout", svc.timeout).Msg("Signal aggregator ready")
	return nil
}

// SourceNames lists the active sources in invocation order.
func (svc *SignalService) SourceNames() []string {
	if svc.aggregator == nil {
		return nil
	}
	names := make([]string, 0, len(svc.aggregator.Sources()))
	for _, src := range svc.aggregator.Sources() {
		names = append(names, src.Name())
	}
	return names
}

func (svc *SignalService) Collect(ctx context.Context, in SignalInput) []string {
	return svc.aggregator.Collect(ctx, in)
}
