package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/scoring"
)

const CHECK_SVC = "check_svc"

type SignalCollector interface {
	Collect(ctx context.Context, in SignalInput) []string
}

type EventQueue interface {
	Enqueue(event *dto.PersistCheckEvent) bool
}

// CheckService runs one evaluation: collect indicator hits, score them and
// hand the outcome to the persistence queue.
type CheckService struct {
	appContext.DefaultService

	signals SignalCollector
	scorer  *scoring.Scorer
	queue   EventQueue
	now     func() time.Time
}

func NewCheckService(signals SignalCollector, scorer *scoring.Scorer, queue EventQueue) *CheckService {
	return &CheckService{signals: signals, scorer: scorer, queue: queue, now: time.Now}
}

func (svc CheckService) Id() string {
	return CHECK_SVC
}

func (svc *CheckService) Configure(ctx *appContext.Context) error {
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *CheckService) Start() error {
	scorer, err := scoring.NewScorer(scoring.DefaultConfig())
	if err != nil {
		return err
	}
	svc.scorer = scorer

	signalSvc, ok := svc.Service(SIGNAL_SVC).(*SignalService)
	if !ok {
		return errors.New("check service requires the signal service")
	}
	svc.signals = signalSvc
	if queueSvc, ok := svc.Service(QUEUE_SVC).(*QueueService); ok {
		svc.queue = queueSvc
	}
	return nil
}

func (svc *CheckService) Evaluate(ctx context.Context, orgID string, req dto.CheckRequest) (*dto.CheckResponse, error) {
	req.Normalize()
	req.IP = req.CanonicalIP()

	in := SignalInput{
		OrgID:       orgID,
		IP:          req.IP,
		Email:       req.Email,
		EmailDomain: req.EmailDomain(),
	}

	var hits []string
	if svc.signals != nil {
		hits = svc.signals.Collect(ctx, in)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluate check: %w", err)
	}

	result := svc.scorer.Score(hits, req.Email, req.IP)
	RecordCheck(result.Action, result.Score)

	resp := &dto.CheckResponse{
		RiskScore:       result.Score,
		RiskLevel:       result.Level,
		Reasons:         result.Reasons,
		Action:          result.Action,
		Message:         result.Message,
		Explanation:     result.Explanation,
		Recommendations: result.Recommendations,
	}

	log.Debug().
		Str("org_id", orgID).
		Int("score", resp.RiskScore).
		Str("action", resp.Action).
		Strs("reasons", resp.Reasons).
		Msg("Check evaluated")

	if svc.queue != nil {
		svc.queue.Enqueue(&dto.PersistCheckEvent{
			OrgID:     orgID,
			IP:        req.IP,
			Email:     req.Email,
			UserAgent: req.UserAgent,
			Result:    *resp,
			RiskScore: resp.RiskScore,
			Action:    resp.Action,
			CheckedAt: svc.now().UnixMilli(),
		})
	}

	return resp, nil
}
