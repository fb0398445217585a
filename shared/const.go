package shared

const (
	ApiKeyLocal = "api_key"

	ServiceName    = "Privy Signal API"
	ServiceVersion = "1.0.0"
)

// Indicator tags
const (
	TagDisposableEmail        = "disposable_email"
	TagVPNIP                  = "vpn_ip"
	TagTorExit                = "tor_exit"
	TagBadISP                 = "bad_isp"
	TagHighRiskCountry        = "high_risk_country"
	TagCustomBlacklist        = "custom_blacklist"
	TagMultipleFromIP         = "multiple_from_ip"
	TagFreeEmail              = "free_email"
	TagSuspiciousEmailPattern = "suspicious_email_pattern"
	TagShortEmailLocal        = "short_email_local"
	TagLongEmailLocal         = "long_email_local"
	TagExcessiveNumbersEmail  = "excessive_numbers_email"
	TagPrivateIP              = "private_ip"
	TagSuspiciousIPRange      = "suspicious_ip_range"
)

// Indicator sets populated by the ingestion jobs. Read-only here.
const (
	SetDisposableEmailDomains = "disposable_email_domains"
	SetVPNIPs                 = "vpn_ips"
	SetTorExitNodes           = "tor_exit_nodes"
	SetBadISPs                = "bad_isps"
	SetBadASNs                = "bad_asns"
	SetHighRiskCountries      = "high_risk_countries"
)

const (
	BlacklistTypeIP          = "ip"
	BlacklistTypeEmailDomain = "email_domain"
)

const (
	RiskLevelNone   = "none"
	RiskLevelLow    = "low"
	RiskLevelMedium = "medium"
	RiskLevelHigh   = "high"

	ActionAllow     = "allow"
	ActionMonitor   = "monitor"
	ActionChallenge = "challenge"
	ActionBlock     = "block"
)
