package dto

import (
	"net/netip"
	"strings"
)

// CheckRequest is the inbound identity signal. Every field is optional; a
// request with neither IP nor email scores zero.
type CheckRequest struct {
	IP        string                 `json:"ip,omitempty" validate:"max=64"`
	Email     string                 `json:"email,omitempty" validate:"max=320"`
	UserAgent string                 `json:"user_agent,omitempty" validate:"max=1024"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" validate:"max=32"`
}

func (r *CheckRequest) Validate() error {
	return validate.Struct(r)
}

// Normalize trims surrounding whitespace. Malformed values are kept as-is and
// simply produce no signal downstream.
func (r *CheckRequest) Normalize() {
	r.IP = strings.TrimSpace(r.IP)
	r.Email = strings.TrimSpace(r.Email)
	r.UserAgent = strings.TrimSpace(r.UserAgent)
}

// CanonicalIP returns the address in its canonical text form, with IPv4
// mapped IPv6 unmapped and any zone dropped. Unparseable input is returned
// trimmed.
func (r *CheckRequest) CanonicalIP() string {
	raw := strings.TrimSpace(r.IP)
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return raw
	}
	return addr.Unmap().WithZone("").String()
}

// EmailDomain returns the lower-cased part after the last "@", or "".
func (r *CheckRequest) EmailDomain() string {
	email := strings.ToLower(strings.TrimSpace(r.Email))
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

type CheckResponse struct {
	RiskScore       int      `json:"risk_score"`
	RiskLevel       string   `json:"risk_level"`
	Reasons         []string `json:"reasons"`
	Action          string   `json:"action"`
	Message         string   `json:"message"`
	Explanation     string   `json:"explanation"`
	Recommendations []string `json:"recommendations"`
}

// PersistCheckEvent is handed to the queue after every evaluation.
type PersistCheckEvent struct {
	OrgID     string        `json:"org_id"`
	IP        string        `json:"ip,omitempty"`
	Email     string        `json:"email,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	Result    CheckResponse `json:"result"`
	RiskScore int           `json:"risk_score"`
	Action    string        `json:"action"`
	CheckedAt int64         `json:"checked_at"`
}
