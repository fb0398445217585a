// Package scoring turns indicator tags and direct email/IP analysis into a
// bounded risk score, level and recommended action. It performs no I/O.
package scoring

import (
	"fmt"
	"net/netip"
	"strings"
	"unicode/utf8"

	"github.com/privyhq/signal_api/shared"
)

// Result is the outcome of a single evaluation. Slices are owned by the
// Result and never shared with the Scorer.
type Result struct {
	Score           int
	Level           string
	Reasons         []string
	Action          string
	Message         string
	Explanation     string
	Recommendations []string
}

type actionDetails struct {
	action          string
	message         string
	recommendations []string
}

var (
	blockDetails = actionDetails{
		action:  shared.ActionBlock,
		message: "High risk detected - block registration",
		recommendations: []string{
			"Block this registration immediately",
			"Log for security investigation",
			"Consider blocking the IP address or email domain",
			"Manual review recommended",
		},
	}
	challengeDetails = actionDetails{
		action:  shared.ActionChallenge,
		message: "Medium risk - additional verification required",
		recommendations: []string{
			"Require CAPTCHA verification",
			"Send email verification",
			"Consider requiring 2FA",
			"Monitor user activity closely",
		},
	}
	monitorDetails = actionDetails{
		action:  shared.ActionMonitor,
		message: "Low risk - allow with monitoring",
		recommendations: []string{
			"Allow registration with monitoring",
			"Track user behavior patterns",
			"Consider velocity limits",
		},
	}
	allowDetails = actionDetails{
		action:  shared.ActionAllow,
		message: "Very low risk - allow registration",
		recommendations: []string{
			"Allow registration",
			"Standard monitoring applies",
		},
	}
)

type Scorer struct {
	weights    map[string]int
	thresholds Thresholds
	maxScore   int

	freeDomains map[string]struct{}
	patterns    []EmailPattern
	suspicious  []netip.Prefix
	private     []netip.Prefix

	shortLocalMax   int
	longLocalMin    int
	excessiveDigits int
}

func NewScorer(cfg Config) (*Scorer, error) {
	suspicious, err := parsePrefixes(cfg.SuspiciousPrefixes)
	if err != nil {
		return nil, fmt.Errorf("suspicious prefixes: %w", err)
	}
	private, err := parsePrefixes(cfg.PrivatePrefixes)
	if err != nil {
		return nil, fmt.Errorf("private prefixes: %w", err)
	}

	weights := make(map[string]int, len(cfg.Weights))
	for tag, w := range cfg.Weights {
		if w < 0 || w > 100 {
			return nil, fmt.Errorf("weight for %q must be within [0,100], got %d", tag, w)
		}
		weights[tag] = w
	}

	free := make(map[string]struct{}, len(cfg.FreeEmailDomains))
	for _, d := range cfg.FreeEmailDomains {
		free[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	maxScore := cfg.MaxScore
	if maxScore <= 0 {
		maxScore = 100
	}

	return &Scorer{
		weights:         weights,
		thresholds:      cfg.Thresholds,
		maxScore:        maxScore,
		freeDomains:     free,
		patterns:        append([]EmailPattern(nil), cfg.SuspiciousPatterns...),
		suspicious:      suspicious,
		private:         private,
		shortLocalMax:   cfg.ShortLocalMax,
		longLocalMin:    cfg.LongLocalMin,
		excessiveDigits: cfg.ExcessiveDigits,
	}, nil
}

// NewDefaultScorer builds a Scorer from DefaultConfig.
func NewDefaultScorer() *Scorer {
	s, err := NewScorer(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return s
}

// Weight returns the weight of tag; unknown tags weigh 0.
func (s *Scorer) Weight(tag string) int {
	return s.weights[tag]
}

// Score evaluates hits together with the optional email and ip. Empty
// strings mean the field was not supplied.
func (s *Scorer) Score(hits []string, email, ip string) Result {
	reasons := make([]string, 0, len(hits)+4)
	total := 0
	add := func(tag string) {
		reasons = append(reasons, tag)
		total += s.weights[tag]
	}

	for _, h := range hits {
		add(h)
	}

	for _, tag := range s.emailTags(email) {
		add(tag)
	}
	for _, tag := range s.ipTags(ip) {
		add(tag)
	}

	score := total
	if score > s.maxScore {
		score = s.maxScore
	}

	level := s.Level(score)
	details := s.details(score)

	return Result{
		Score:           score,
		Level:           level,
		Reasons:         reasons,
		Action:          details.action,
		Message:         details.message,
		Explanation:     explanation(score, level),
		Recommendations: append([]string(nil), details.recommendations...),
	}
}

func (s *Scorer) emailTags(email string) []string {
	address := strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return nil
	}
	local, domain := address[:at], address[at+1:]

	var tags []string
	if _, ok := s.freeDomains[domain]; ok {
		tags = append(tags, shared.TagFreeEmail)
	}

	for _, p := range s.patterns {
		if p.Match(address) {
			tags = append(tags, shared.TagSuspiciousEmailPattern)
			break
		}
	}

	localLen := utf8.RuneCountInString(local)
	if localLen <= s.shortLocalMax {
		tags = append(tags, shared.TagShortEmailLocal)
	} else if s.longLocalMin > 0 && localLen >= s.longLocalMin {
		tags = append(tags, shared.TagLongEmailLocal)
	}

	if s.excessiveDigits > 0 && countDigits(local) >= s.excessiveDigits {
		tags = append(tags, shared.TagExcessiveNumbersEmail)
	}
	return tags
}

func (s *Scorer) ipTags(ip string) []string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil
	}
	addr = addr.Unmap()

	var tags []string
	if containsAddr(s.private, addr) {
		tags = append(tags, shared.TagPrivateIP)
	}
	if containsAddr(s.suspicious, addr) {
		tags = append(tags, shared.TagSuspiciousIPRange)
	}
	return tags
}

// Level maps a score onto none/low/medium/high.
func (s *Scorer) Level(score int) string {
	switch {
	case score >= s.thresholds.High:
		return shared.RiskLevelHigh
	case score >= s.thresholds.Medium:
		return shared.RiskLevelMedium
	case score >= s.thresholds.Low:
		return shared.RiskLevelLow
	default:
		return shared.RiskLevelNone
	}
}

func (s *Scorer) details(score int) actionDetails {
	switch {
	case score >= s.thresholds.High:
		return blockDetails
	case score >= s.thresholds.Medium:
		return challengeDetails
	case score >= s.thresholds.Low:
		return monitorDetails
	default:
		return allowDetails
	}
}

func explanation(score int, level string) string {
	switch level {
	case shared.RiskLevelHigh:
		return fmt.Sprintf("High risk (score %d/100): multiple strong fraud indicators were detected.", score)
	case shared.RiskLevelMedium:
		return fmt.Sprintf("Medium risk (score %d/100): notable fraud indicators were detected.", score)
	case shared.RiskLevelLow:
		return fmt.Sprintf("Low risk (score %d/100): minor risk indicators were detected.", score)
	default:
		return fmt.Sprintf("No significant risk indicators were detected (score %d/100).", score)
	}
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
