package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/oschwald/geoip2-golang"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/privyhq/signal_api/shared"
)

const GEOLOCATION_SVC = "geolocation_svc"

const (
	DEFAULT_GEO_API_URL           = "http://ip-api.com/json"
	DEFAULT_GEO_CACHE_TTL         = 6 * time.Hour
	DEFAULT_GEO_CACHE_MAX_ENTRIES = 10000

	geoCacheKeyPrefix = "geolocation:"
)

// GeoInfo is the provider-independent geolocation record of one address.
type GeoInfo struct {
	IP          string `json:"ip"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	City        string `json:"city,omitempty"`
	ISP         string `json:"isp,omitempty"`
	Org         string `json:"org,omitempty"`
	ASN         uint   `json:"asn,omitempty"`
	ASNOrg      string `json:"asn_org,omitempty"`
	Hosting     bool   `json:"hosting"`
	Datacenter  bool   `json:"datacenter"`
	Private     bool   `json:"private"`
	Provider    string `json:"provider,omitempty"`
}

type GeoProvider interface {
	Name() string
	Lookup(ctx context.Context, addr netip.Addr) (*GeoInfo, error)
}

var hostingKeywords = []string{
	"hosting", "cloud", "server", "datacenter", "data center", "vps",
	"dedicated", "colocation", "colo", "aws", "amazon", "google",
	"microsoft", "digitalocean", "vultr", "linode", "hetzner", "ovh",
	"scaleway", "contabo",
}

var datacenterASNs = map[uint]struct{}{
	13335: {}, // Cloudflare
	15169: {}, // Google
	16509: {}, // Amazon
	8075:  {}, // Microsoft
	14061: {}, // DigitalOcean
	20473: {}, // Vultr
	63949: {}, // Linode
	24940: {}, // Hetzner
	16276: {}, // OVH
}

type GeolocationService struct {
	appContext.DefaultService

	providers []GeoProvider
	cache     *geoCache
	cacheTTL  time.Duration
	redis     redis.Cmdable
	now       func() time.Time
}

func NewGeolocationService(cacheTTL time.Duration, cacheEntries int, providers ...GeoProvider) *GeolocationService {
	return &GeolocationService{
		providers: providers,
		cache:     newGeoCache(16, cacheTTL, cacheEntries),
		cacheTTL:  cacheTTL,
		now:       time.Now,
	}
}

func (svc GeolocationService) Id() string {
	return GEOLOCATION_SVC
}

func (svc *GeolocationService) Configure(ctx *appContext.Context) error {
	svc.now = time.Now
	svc.cacheTTL = shared.EnvDuration("GEO_CACHE_TTL", DEFAULT_GEO_CACHE_TTL)
	svc.cache = newGeoCache(16, svc.cacheTTL,
		shared.EnvInt("GEO_CACHE_MAX_ENTRIES", DEFAULT_GEO_CACHE_MAX_ENTRIES))

	svc.providers = append(svc.providers, GeoProvidersFromEnv()...)

	return svc.DefaultService.Configure(ctx)
}

// GeoProvidersFromEnv opens MaxMind when MAXMIND_DB_PATH is set and adds the
// ip-api fallback unless GEO_API_URL is "off".
func GeoProvidersFromEnv() []GeoProvider {
	var providers []GeoProvider
	if dir := shared.EnvString("MAXMIND_DB_PATH", ""); dir != "" {
		mm, err := OpenMaxMindProvider(dir)
		if err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("MaxMind databases unavailable")
		} else {
			providers = append(providers, mm)
		}
	}

	if apiURL := shared.EnvString("GEO_API_URL", DEFAULT_GEO_API_URL); apiURL != "" && apiURL != "off" {
		providers = append(providers, NewIPAPIProvider(apiURL, 3*time.Second))
	}
	return providers
}

func (svc *GeolocationService) Start() error {
	if redisSvc, ok := svc.Service(REDIS_SVC).(*RedisService); ok && redisSvc.Available() {
		svc.SetRedis(redisSvc.GetClient())
	}
	log.Info().Str("provider", svc.ProviderName()).Bool("shared_cache", svc.redis != nil).Msg("Geolocation service ready")
	return nil
}

// SetRedis adds a shared cache tier behind the in-process one.
func (svc *GeolocationService) SetRedis(client redis.Cmdable) {
	svc.redis = client
}

func (svc *GeolocationService) Shutdown() {
	for _, p := range svc.providers {
		if closer, ok := p.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

// ProviderName reports the primary provider, or "none".
func (svc *GeolocationService) ProviderName() string {
	if len(svc.providers) == 0 {
		return "none"
	}
	return svc.providers[0].Name()
}

// Lookup resolves ip through the providers in order. Unparseable addresses
// yield nil without error; private and loopback addresses are answered
// locally.
func (svc *GeolocationService) Lookup(ctx context.Context, ip string) (*GeoInfo, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return nil, nil
	}
	addr = addr.Unmap()

	if isPrivateAddr(addr) {
		return &GeoInfo{IP: addr.String(), Private: true}, nil
	}

	key := addr.String()
	if cached, ok := svc.cache.get(key, svc.now()); ok {
		geoCacheLookupsTotal.WithLabelValues("hit").Inc()
		log.Debug().Str("ip", key).Msg("Geolocation cache hit")
		return &cached, nil
	}
	if cached, ok := svc.getShared(ctx, key); ok {
		geoCacheLookupsTotal.WithLabelValues("shared_hit").Inc()
		log.Debug().Str("ip", key).Msg("Geolocation shared cache hit")
		svc.cache.set(key, *cached, svc.now())
		return cached, nil
	}
	geoCacheLookupsTotal.WithLabelValues("miss").Inc()

	if len(svc.providers) == 0 {
		return nil, nil
	}

	var errs []error
	for _, p := range svc.providers {
		info, err := p.Lookup(ctx, addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		info.IP = key
		info.Provider = p.Name()
		AnalyzeGeoInfo(info)
		svc.cache.set(key, *info, svc.now())
		svc.setShared(ctx, key, info)
		return info, nil
	}
	return nil, errors.Join(errs...)
}

func (svc *GeolocationService) getShared(ctx context.Context, key string) (*GeoInfo, bool) {
	if svc.redis == nil {
		return nil, false
	}
	raw, err := svc.redis.Get(ctx, geoCacheKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("ip", key).Msg("Failed to read geolocation cache")
		}
		return nil, false
	}
	var info GeoInfo
	if err := shared.JSON().Unmarshal(raw, &info); err != nil {
		log.Warn().Err(err).Str("ip", key).Msg("Discarding corrupt geolocation cache entry")
		return nil, false
	}
	return &info, true
}

func (svc *GeolocationService) setShared(ctx context.Context, key string, info *GeoInfo) {
	if svc.redis == nil || svc.cacheTTL <= 0 {
		return
	}
	raw, err := shared.JSON().Marshal(info)
	if err != nil {
		return
	}
	if err := svc.redis.Set(ctx, geoCacheKeyPrefix+key, raw, svc.cacheTTL).Err(); err != nil {
		log.Warn().Err(err).Str("ip", key).Msg("Failed to cache geolocation result")
	}
}

// AnalyzeGeoInfo sets the hosting and datacenter flags from the ASN and
// organization names.
func AnalyzeGeoInfo(info *GeoInfo) {
	if _, ok := datacenterASNs[info.ASN]; ok {
		info.Datacenter = true
	}
	if !info.Hosting {
		names := strings.ToLower(strings.Join([]string{info.ASNOrg, info.Org, info.ISP}, " "))
		for _, kw := range hostingKeywords {
			if strings.Contains(names, kw) {
				info.Hosting = true
				break
			}
		}
	}
}

func isPrivateAddr(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

// ==================== MAXMIND ====================

// MaxMindProvider reads GeoLite2 databases. Any subset of the Country, City
// and ASN databases may be present.
type MaxMindProvider struct {
	country *geoip2.Reader
	city    *geoip2.Reader
	asn     *geoip2.Reader
}

func OpenMaxMindProvider(dir string) (*MaxMindProvider, error) {
	p := &MaxMindProvider{}
	open := func(name string) *geoip2.Reader {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			return nil
		}
		r, err := geoip2.Open(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to open MaxMind database")
			return nil
		}
		return r
	}
	p.country = open("GeoLite2-Country.mmdb")
	p.city = open("GeoLite2-City.mmdb")
	p.asn = open("GeoLite2-ASN.mmdb")

	if p.country == nil && p.city == nil && p.asn == nil {
		return nil, fmt.Errorf("no GeoLite2 databases found in %s", dir)
	}
	return p, nil
}

func (p *MaxMindProvider) Name() string { return "maxmind" }

func (p *MaxMindProvider) Lookup(_ context.Context, addr netip.Addr) (*GeoInfo, error) {
	ip := net.IP(addr.AsSlice())
	info := &GeoInfo{}

	switch {
	case p.city != nil:
		rec, err := p.city.City(ip)
		if err != nil {
			return nil, err
		}
		info.Country = rec.Country.Names["en"]
		info.CountryCode = rec.Country.IsoCode
		info.City = rec.City.Names["en"]
	case p.country != nil:
		rec, err := p.country.Country(ip)
		if err != nil {
			return nil, err
		}
		info.Country = rec.Country.Names["en"]
		info.CountryCode = rec.Country.IsoCode
	}

	if p.asn != nil {
		rec, err := p.asn.ASN(ip)
		if err != nil {
			return nil, err
		}
		info.ASN = rec.AutonomousSystemNumber
		info.ASNOrg = rec.AutonomousSystemOrganization
		info.ISP = rec.AutonomousSystemOrganization
	}
	return info, nil
}

func (p *MaxMindProvider) Close() error {
	var errs []error
	for _, r := range []*geoip2.Reader{p.country, p.city, p.asn} {
		if r != nil {
			errs = append(errs, r.Close())
		}
	}
	return errors.Join(errs...)
}

// ==================== IP-API ====================

type IPAPIProvider struct {
	httpClient *http.Client
	apiURL     string
}

func NewIPAPIProvider(apiURL string, timeout time.Duration) *IPAPIProvider {
	return &IPAPIProvider{
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     strings.TrimRight(apiURL, "/"),
	}
}

func (p *IPAPIProvider) Name() string { return "ip-api" }

type ipAPIResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	AS          string `json:"as"`
	Hosting     bool   `json:"hosting"`
}

func (p *IPAPIProvider) Lookup(ctx context.Context, addr netip.Addr) (*GeoInfo, error) {
	url := fmt.Sprintf("%s/%s?fields=status,message,country,countryCode,city,isp,org,as,hosting", p.apiURL, addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation API returned status %d", resp.StatusCode)
	}

	var result ipAPIResponse
	if err := shared.JSON().NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode geolocation response: %w", err)
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("geolocation lookup failed: %s", result.Message)
	}

	asn, asnOrg := parseASField(result.AS)
	return &GeoInfo{
		Country:     result.Country,
		CountryCode: result.CountryCode,
		City:        result.City,
		ISP:         result.ISP,
		Org:         result.Org,
		ASN:         asn,
		ASNOrg:      asnOrg,
		Hosting:     result.Hosting,
	}, nil
}

// parseASField splits ip-api's "AS15169 Google LLC".
func parseASField(as string) (uint, string) {
	as = strings.TrimSpace(as)
	if !strings.HasPrefix(as, "AS") {
		return 0, as
	}
	numPart, org, _ := strings.Cut(as[2:], " ")
	n, err := strconv.ParseUint(numPart, 10, 32)
	if err != nil {
		return 0, as
	}
	return uint(n), strings.TrimSpace(org)
}
