package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/scoring"
	"github.com/privyhq/signal_api/shared"
)

type stubCollector struct {
	hits []string
	seen SignalInput
}

func (s *stubCollector) Collect(_ context.Context, in SignalInput) []string {
	s.seen = in
	return s.hits
}

type recordingQueue struct {
	mu     sync.Mutex
	events []*dto.PersistCheckEvent
}

func (q *recordingQueue) Enqueue(event *dto.PersistCheckEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	return true
}

func newTestCheckService(hits ...string) (*CheckService, *stubCollector, *recordingQueue) {
	collector := &stubCollector{hits: hits}
	queue := &recordingQueue{}
	svc := NewCheckService(collector, scoring.NewDefaultScorer(), queue)
	svc.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return svc, collector, queue
}

func TestCheckService_Evaluate(t *testing.T) {
	svc, collector, queue := newTestCheckService(shared.TagTorExit)

	resp, err := svc.Evaluate(context.Background(), "org-1", dto.CheckRequest{IP: " 8.8.8.8 ", UserAgent: "curl/8"})
	require.NoError(t, err)

	assert.Equal(t, 80, resp.RiskScore)
	assert.Equal(t, shared.RiskLevelHigh, resp.RiskLevel)
	assert.Equal(t, shared.ActionBlock, resp.Action)
	assert.Equal(t, []string{shared.TagTorExit}, resp.Reasons)
	assert.NotEmpty(t, resp.Recommendations)

	assert.Equal(t, SignalInput{OrgID: "org-1", IP: "8.8.8.8"}, collector.seen)

	require.Len(t, queue.events, 1)
	event := queue.events[0]
	assert.Equal(t, "org-1", event.OrgID)
	assert.Equal(t, "8.8.8.8", event.IP)
	assert.Equal(t, "curl/8", event.UserAgent)
	assert.Equal(t, 80, event.RiskScore)
	assert.Equal(t, shared.ActionBlock, event.Action)
	assert.Equal(t, int64(1700000000000), event.CheckedAt)
	assert.Equal(t, *resp, event.Result)
}

func TestCheckService_EvaluateCapsScore(t *testing.T) {
	svc, collector, _ := newTestCheckService(shared.TagCustomBlacklist, shared.TagDisposableEmail)

	resp, err := svc.Evaluate(context.Background(), "org-1", dto.CheckRequest{Email: "Bob@Mailinator.com"})
	require.NoError(t, err)

	assert.Equal(t, 100, resp.RiskScore)
	assert.Equal(t, shared.ActionBlock, resp.Action)
	assert.Equal(t, "mailinator.com", collector.seen.EmailDomain)
	assert.Equal(t, shared.TagCustomBlacklist, resp.Reasons[0])
	assert.Equal(t, shared.TagDisposableEmail, resp.Reasons[1])
}

func TestCheckService_EvaluateNoSignals(t *testing.T) {
	svc, _, queue := newTestCheckService()

	resp, err := svc.Evaluate(context.Background(), "org-1", dto.CheckRequest{})
	require.NoError(t, err)

	assert.Equal(t, 0, resp.RiskScore)
	assert.Equal(t, shared.RiskLevelNone, resp.RiskLevel)
	assert.Equal(t, shared.ActionAllow, resp.Action)
	assert.Empty(t, resp.Reasons)
	assert.Len(t, queue.events, 1)
}

func TestCheckService_EvaluateCancelled(t *testing.T) {
	svc, _, queue := newTestCheckService(shared.TagVPNIP)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Evaluate(ctx, "org-1", dto.CheckRequest{IP: "8.8.8.8"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, queue.events)
}

func TestCheckService_EvaluateMatchesMappedIPv6(t *testing.T) {
	mr, client := newTestRedis(t)
	_, err := mr.SAdd(shared.SetVPNIPs, "198.51.100.10")
	require.NoError(t, err)

	queue := &recordingQueue{}
	svc := NewCheckService(NewSignalAggregator(time.Second, NewVPNSource(client)), scoring.NewDefaultScorer(), queue)

	resp, err := svc.Evaluate(context.Background(), "org-1", dto.CheckRequest{IP: "::ffff:198.51.100.10"})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagVPNIP}, resp.Reasons)
	assert.Equal(t, 45, resp.RiskScore)

	require.Len(t, queue.events, 1)
	assert.Equal(t, "198.51.100.10", queue.events[0].IP)
}
