package scoring_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyhq/signal_api/scoring"
	"github.com/privyhq/signal_api/shared"
)

func TestScorer_NoHitsReturnsZero(t *testing.T) {
	s := scoring.NewDefaultScorer()

	res := s.Score(nil, "", "")

	assert.Equal(t, 0, res.Score)
	assert.Equal(t, shared.RiskLevelNone, res.Level)
	assert.Equal(t, shared.ActionAllow, res.Action)
	assert.Empty(t, res.Reasons)
	assert.NotEmpty(t, res.Recommendations)
}

func TestScorer_CustomBlacklistBlocks(t *testing.T) {
	s := scoring.NewDefaultScorer()

	res := s.Score([]string{shared.TagCustomBlacklist}, "", "")

	assert.Equal(t, 100, res.Score)
	assert.Equal(t, shared.RiskLevelHigh, res.Level)
	assert.Equal(t, shared.ActionBlock, res.Action)
	assert.Equal(t, []string{shared.TagCustomBlacklist}, res.Reasons)
}

func TestScorer_SingleTagLevels(t *testing.T) {
	s := scoring.NewDefaultScorer()

	tests := []struct {
		tag    string
		score  int
		level  string
		action string
	}{
		{shared.TagMultipleFromIP, 30, shared.RiskLevelLow, shared.ActionMonitor},
		{shared.TagVPNIP, 45, shared.RiskLevelLow, shared.ActionMonitor},
		{shared.TagDisposableEmail, 70, shared.RiskLevelMedium, shared.ActionChallenge},
		{shared.TagTorExit, 80, shared.RiskLevelHigh, shared.ActionBlock},
		{shared.TagBadISP, 40, shared.RiskLevelLow, shared.ActionMonitor},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			res := s.Score([]string{tt.tag}, "", "")
			assert.Equal(t, tt.score, res.Score)
			assert.Equal(t, tt.level, res.Level)
			assert.Equal(t, tt.action, res.Action)
		})
	}
}

func TestScorer_ScoreIsCapped(t *testing.T) {
	s := scoring.NewDefaultScorer()

	hits := []string{shared.TagCustomBlacklist, shared.TagTorExit, shared.TagDisposableEmail}
	res := s.Score(hits, "test99999@mailinator.com", "10.1.2.3")

	assert.Equal(t, 100, res.Score)
	assert.Equal(t, shared.RiskLevelHigh, res.Level)
	assert.Equal(t, hits, res.Reasons[:3])
}

func TestScorer_CapHoldsForEveryTagCombination(t *testing.T) {
	s := scoring.NewDefaultScorer()
	all := []string{
		shared.TagDisposableEmail, shared.TagVPNIP, shared.TagTorExit, shared.TagBadISP,
		shared.TagHighRiskCountry, shared.TagCustomBlacklist, shared.TagMultipleFromIP,
	}

	for mask := 0; mask < 1<<len(all); mask++ {
		var hits []string
		for i, tag := range all {
			if mask&(1<<i) != 0 {
				hits = append(hits, tag)
			}
		}
		res := s.Score(hits, "", "")
		assert.LessOrEqual(t, res.Score, 100)
		assert.GreaterOrEqual(t, res.Score, 0)
	}
}

func TestScorer_UnknownTagWeighsZero(t *testing.T) {
	s := scoring.NewDefaultScorer()

	res := s.Score([]string{"unknown_indicator", shared.TagDisposableEmail}, "", "")

	assert.Equal(t, 70, res.Score)
	assert.Equal(t, []string{"unknown_indicator", shared.TagDisposableEmail}, res.Reasons)
	assert.Equal(t, 0, s.Weight("unknown_indicator"))
}

func TestScorer_ShortFreeEmail(t *testing.T) {
	s := scoring.NewDefaultScorer()

	res := s.Score(nil, "a1@gmail.com", "")

	assert.Equal(t, []string{shared.TagFreeEmail, shared.TagShortEmailLocal}, res.Reasons)
	assert.Equal(t, 25, res.Score)
}

func TestScorer_SuspiciousPatternCountedOnce(t *testing.T) {
	s := scoring.NewDefaultScorer()

	// Matches username+digits and the "test" keyword.
	res := s.Score(nil, "test12345@x.com", "")

	count := 0
	for _, r := range res.Reasons {
		if r == shared.TagSuspiciousEmailPattern {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{shared.TagSuspiciousEmailPattern, shared.TagExcessiveNumbersEmail}, res.Reasons)
	assert.Equal(t, 45, res.Score)
}

func TestScorer_EmailIsCaseFolded(t *testing.T) {
	s := scoring.NewDefaultScorer()

	res := s.Score(nil, "  John.Smith@GMAIL.com ", "")

	assert.Equal(t, []string{shared.TagFreeEmail}, res.Reasons)
}

func TestScorer_LongLocalPart(t *testing.T) {
	s := scoring.NewDefaultScorer()

	res := s.Score(nil, strings.Repeat("a", 30)+"@example.org", "")

	assert.Equal(t, []string{shared.TagLongEmailLocal}, res.Reasons)
	assert.Equal(t, 10, res.Score)
}

func TestScorer_EmailWithoutAtIsIgnored(t *testing.T) {
	s := scoring.NewDefaultScorer()

	res := s.Score(nil, "not-an-email", "")

	assert.Empty(t, res.Reasons)
	assert.Equal(t, 0, res.Score)
}

func TestScorer_IPAnalysis(t *testing.T) {
	s := scoring.NewDefaultScorer()

	tests := []struct {
		ip      string
		reasons []string
	}{
		{"10.0.0.5", []string{shared.TagPrivateIP}},
		{"172.20.1.1", []string{shared.TagPrivateIP}},
		{"192.168.1.10", []string{shared.TagPrivateIP}},
		{"127.0.0.1", []string{shared.TagPrivateIP}},
		{"185.220.101.7", []string{shared.TagSuspiciousIPRange}},
		{"8.8.8.8", nil},
		{"172.32.0.1", nil},
		{"not-an-ip", nil},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			res := s.Score(nil, "", tt.ip)
			if tt.reasons == nil {
				assert.Empty(t, res.Reasons)
				return
			}
			assert.Equal(t, tt.reasons, res.Reasons)
		})
	}
}

func TestScorer_ReasonOrder(t *testing.T) {
	s := scoring.NewDefaultScorer()

	res := s.Score([]string{shared.TagVPNIP, shared.TagTorExit}, "ab12345@gmail.com", "10.0.0.1")

	assert.Equal(t, []string{
		shared.TagVPNIP,
		shared.TagTorExit,
		shared.TagFreeEmail,
		shared.TagSuspiciousEmailPattern,
		shared.TagExcessiveNumbersEmail,
		shared.TagPrivateIP,
	}, res.Reasons)
}

func TestScorer_Idempotent(t *testing.T) {
	s := scoring.NewDefaultScorer()
	hits := []string{shared.TagVPNIP, shared.TagBadISP}

	first := s.Score(hits, "temp.user@yahoo.com", "185.220.100.9")
	second := s.Score(hits, "temp.user@yahoo.com", "185.220.100.9")

	assert.Equal(t, first, second)
}

func TestScorer_ResultDoesNotAliasInputs(t *testing.T) {
	s := scoring.NewDefaultScorer()
	hits := []string{shared.TagVPNIP}

	res := s.Score(hits, "", "")
	hits[0] = "mutated"
	res.Recommendations[0] = "mutated"

	assert.Equal(t, shared.TagVPNIP, res.Reasons[0])
	assert.NotEqual(t, "mutated", s.Score(nil, "", "").Recommendations[0])
}

func TestScorer_ThresholdBoundaries(t *testing.T) {
	cfg := scoring.DefaultConfig()
	cfg.Weights = map[string]int{"w29": 29, "w30": 30, "w59": 59, "w60": 60, "w79": 79, "w80": 80}
	s, err := scoring.NewScorer(cfg)
	require.NoError(t, err)

	tests := map[string]string{
		"w29": shared.RiskLevelNone,
		"w30": shared.RiskLevelLow,
		"w59": shared.RiskLevelLow,
		"w60": shared.RiskLevelMedium,
		"w79": shared.RiskLevelMedium,
		"w80": shared.RiskLevelHigh,
	}
	for tag, level := range tests {
		assert.Equal(t, level, s.Score([]string{tag}, "", "").Level, tag)
	}
}

func TestScorer_ConfigIsCopied(t *testing.T) {
	cfg := scoring.DefaultConfig()
	s, err := scoring.NewScorer(cfg)
	require.NoError(t, err)

	cfg.Weights[shared.TagVPNIP] = 99

	assert.Equal(t, 45, s.Weight(shared.TagVPNIP))
}

func TestNewScorer_RejectsInvalidConfig(t *testing.T) {
	cfg := scoring.DefaultConfig()
	cfg.Weights["broken"] = 150
	_, err := scoring.NewScorer(cfg)
	assert.Error(t, err)

	cfg = scoring.DefaultConfig()
	cfg.SuspiciousPrefixes = []string{"not-a-prefix"}
	_, err = scoring.NewScorer(cfg)
	assert.Error(t, err)
}
