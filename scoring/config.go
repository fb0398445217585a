package scoring

import (
	"net/netip"

	"github.com/privyhq/signal_api/shared"
)

// Thresholds are inclusive lower bounds shared by level and action mapping.
type Thresholds struct {
	High   int
	Medium int
	Low    int
}

// Config is the immutable table the Scorer is built from. NewScorer copies
// every field so later changes to a Config value never reach a live Scorer.
type Config struct {
	Weights    map[string]int
	Thresholds Thresholds

	FreeEmailDomains   []string
	SuspiciousPatterns []EmailPattern
	SuspiciousPrefixes []string

	ShortLocalMax   int
	LongLocalMin    int
	ExcessiveDigits int
	PrivatePrefixes []string
	MaxScore        int
}

var defaultWeights = map[string]int{
	shared.TagDisposableEmail:        70,
	shared.TagVPNIP:                  45,
	shared.TagTorExit:                80,
	shared.TagBadISP:                 40,
	shared.TagHighRiskCountry:        35,
	shared.TagCustomBlacklist:        100,
	shared.TagMultipleFromIP:         30,
	shared.TagFreeEmail:              10,
	shared.TagSuspiciousEmailPattern: 25,
	shared.TagShortEmailLocal:        15,
	shared.TagLongEmailLocal:         10,
	shared.TagExcessiveNumbersEmail:  20,
	shared.TagPrivateIP:              50,
	shared.TagSuspiciousIPRange:      25,
}

var defaultFreeEmailDomains = []string{
	"gmail.com", "googlemail.com", "yahoo.com", "yahoo.co.uk", "hotmail.com",
	"outlook.com", "live.com", "msn.com", "aol.com", "icloud.com", "me.com",
	"mail.com", "gmx.com", "gmx.net", "yandex.com", "yandex.ru", "protonmail.com",
	"proton.me", "zoho.com", "mail.ru",
}

// Address space repeatedly seen behind signup abuse.
var defaultSuspiciousPrefixes = []string{
	"185.220.100.0/24",
	"185.220.101.0/24",
	"45.155.205.0/24",
	"141.98.10.0/24",
	"193.142.146.0/24",
}

var defaultPrivatePrefixes = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
}

// DefaultConfig returns the production weight and threshold table.
func DefaultConfig() Config {
	weights := make(map[string]int, len(defaultWeights))
	for k, v := range defaultWeights {
		weights[k] = v
	}
	return Config{
		Weights:            weights,
		Thresholds:         Thresholds{High: 80, Medium: 60, Low: 30},
		FreeEmailDomains:   append([]string(nil), defaultFreeEmailDomains...),
		SuspiciousPatterns: DefaultEmailPatterns(),
		SuspiciousPrefixes: append([]string(nil), defaultSuspiciousPrefixes...),
		ShortLocalMax:      2,
		LongLocalMin:       30,
		ExcessiveDigits:    5,
		PrivatePrefixes:    append([]string(nil), defaultPrivatePrefixes...),
		MaxScore:           100,
	}
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
