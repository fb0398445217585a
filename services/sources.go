package services

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/shared"
)

const (
	DEFAULT_VELOCITY_WINDOW    = time.Hour
	DEFAULT_VELOCITY_THRESHOLD = 10
)

// ==================== INDICATOR SETS ====================

// SetMemberSource emits tag when the request value is a member of a Redis set.
type SetMemberSource struct {
	name     string
	client   redis.Cmdable
	set      string
	tag      string
	requires Field
	value    func(SignalInput) string
}

func NewDisposableEmailSource(client redis.Cmdable) *SetMemberSource {
	return &SetMemberSource{
		name:     "disposable_email",
		client:   client,
		set:      shared.SetDisposableEmailDomains,
		tag:      shared.TagDisposableEmail,
		requires: FieldEmail,
		value:    func(in SignalInput) string { return in.EmailDomain },
	}
}

func NewVPNSource(client redis.Cmdable) *SetMemberSource {
	return &SetMemberSource{
		name:     "vpn_ip",
		client:   client,
		set:      shared.SetVPNIPs,
		tag:      shared.TagVPNIP,
		requires: FieldIP,
		value:    func(in SignalInput) string { return in.IP },
	}
}

func NewTorExitSource(client redis.Cmdable) *SetMemberSource {
	return &SetMemberSource{
		name:     "tor_exit",
		client:   client,
		set:      shared.SetTorExitNodes,
		tag:      shared.TagTorExit,
		requires: FieldIP,
		value:    func(in SignalInput) string { return in.IP },
	}
}

func (s *SetMemberSource) Name() string    { return s.name }
func (s *SetMemberSource) Requires() Field { return s.requires }

func (s *SetMemberSource) Check(ctx context.Context, in SignalInput) ([]string, error) {
	member, err := s.client.SIsMember(ctx, s.set, s.value(in)).Result()
	if err != nil {
		return nil, err
	}
	if member {
		return []string{s.tag}, nil
	}
	return nil, nil
}

// ==================== VELOCITY ====================

// VelocitySource counts checks per IP in a fixed window.
type VelocitySource struct {
	client    redis.Cmdable
	window    time.Duration
	threshold int
}

func NewVelocitySource(client redis.Cmdable, window time.Duration, threshold int) *VelocitySource {
	if window <= 0 {
		window = DEFAULT_VELOCITY_WINDOW
	}
	if threshold <= 0 {
		threshold = DEFAULT_VELOCITY_THRESHOLD
	}
	return &VelocitySource{client: client, window: window, threshold: threshold}
}

func (s *VelocitySource) Name() string    { return "ip_velocity" }
func (s *VelocitySource) Requires() Field { return FieldIP }

// Check increments the counter and sets the window expiry in one
// transaction. NX leaves a running window untouched and repairs a counter
// that lost its TTL.
func (s *VelocitySource) Check(ctx context.Context, in SignalInput) ([]string, error) {
	key := "velocity:ip:" + in.IP

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, s.window)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if incr.Val() > int64(s.threshold) {
		return []string{shared.TagMultipleFromIP}, nil
	}
	return nil, nil
}

// ==================== GEOLOCATION ====================

type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (*GeoInfo, error)
}

// GeoRiskSource turns a geolocation record into country and ISP indicators.
type GeoRiskSource struct {
	geo    GeoLookup
	client redis.Cmdable
}

func NewGeoRiskSource(geo GeoLookup, client redis.Cmdable) *GeoRiskSource {
	return &GeoRiskSource{geo: geo, client: client}
}

func (s *GeoRiskSource) Name() string    { return "geolocation" }
func (s *GeoRiskSource) Requires() Field { return FieldIP }

// Check fails only when the geolocation lookup fails. A failed set lookup
// drops that one indicator and keeps the rest.
func (s *GeoRiskSource) Check(ctx context.Context, in SignalInput) ([]string, error) {
	info, err := s.geo.Lookup(ctx, in.IP)
	if err != nil {
		return nil, err
	}
	if info == nil || info.Private {
		return nil, nil
	}

	badISP := s.isBadISP(ctx, info)

	var tags []string
	if info.CountryCode != "" && s.isMember(ctx, shared.SetHighRiskCountries, strings.ToUpper(info.CountryCode)) {
		tags = append(tags, shared.TagHighRiskCountry)
	}
	if badISP {
		tags = append(tags, shared.TagBadISP)
	}
	return tags, nil
}

func (s *GeoRiskSource) isBadISP(ctx context.Context, info *GeoInfo) bool {
	if info.Hosting || info.Datacenter {
		return true
	}
	if isp := strings.ToLower(strings.TrimSpace(info.ISP)); isp != "" && s.isMember(ctx, shared.SetBadISPs, isp) {
		return true
	}
	return info.ASN != 0 && s.isMember(ctx, shared.SetBadASNs, strconv.FormatUint(uint64(info.ASN), 10))
}

func (s *GeoRiskSource) isMember(ctx context.Context, set, value string) bool {
	member, err := s.client.SIsMember(ctx, set, value).Result()
	if err != nil {
		log.Warn().Err(err).Str("set", set).Msg("Geolocation indicator lookup failed")
		signalSourceFailuresTotal.WithLabelValues(s.Name() + ":" + set).Inc()
		return false
	}
	return member
}

// ==================== ORGANIZATION BLACKLISTS ====================

type BlacklistLookup interface {
	IsBlacklisted(ctx context.Context, orgID, kind, value string) (bool, error)
}

// BlacklistSource emits custom_blacklist when the request value is on the
// caller organization's own list.
type BlacklistSource struct {
	lookup BlacklistLookup
	kind   string
}

func NewBlacklistSource(lookup BlacklistLookup, kind string) *BlacklistSource {
	return &BlacklistSource{lookup: lookup, kind: kind}
}

func (s *BlacklistSource) Name() string { return "blacklist_" + s.kind }

func (s *BlacklistSource) Requires() Field {
	if s.kind == shared.BlacklistTypeEmailDomain {
		return FieldOrg | FieldEmail
	}
	return FieldOrg | FieldIP
}

func (s *BlacklistSource) Check(ctx context.Context, in SignalInput) ([]string, error) {
	value := in.IP
	if s.kind == shared.BlacklistTypeEmailDomain {
		value = in.EmailDomain
	}

	listed, err := s.lookup.IsBlacklisted(ctx, in.OrgID, s.kind, NormalizeBlacklistValue(value))
	if err != nil {
		return nil, err
	}
	if listed {
		return []string{shared.TagCustomBlacklist}, nil
	}
	return nil, nil
}

func NormalizeBlacklistValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
