package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyhq/signal_api/shared"
)

func TestSetMemberSources(t *testing.T) {
	mr, client := newTestRedis(t)
	_, err := mr.SAdd(shared.SetDisposableEmailDomains, "mailinator.com")
	require.NoError(t, err)
	_, err = mr.SAdd(shared.SetVPNIPs, "198.51.100.10")
	require.NoError(t, err)
	_, err = mr.SAdd(shared.SetTorExitNodes, "198.51.100.20")
	require.NoError(t, err)
	ctx := context.Background()

	tags, err := NewDisposableEmailSource(client).Check(ctx, SignalInput{EmailDomain: "mailinator.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagDisposableEmail}, tags)

	tags, err = NewDisposableEmailSource(client).Check(ctx, SignalInput{EmailDomain: "example.com"})
	require.NoError(t, err)
	assert.Empty(t, tags)

	tags, err = NewVPNSource(client).Check(ctx, SignalInput{IP: "198.51.100.10"})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagVPNIP}, tags)

	tags, err = NewTorExitSource(client).Check(ctx, SignalInput{IP: "198.51.100.10"})
	require.NoError(t, err)
	assert.Empty(t, tags)

	tags, err = NewTorExitSource(client).Check(ctx, SignalInput{IP: "198.51.100.20"})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagTorExit}, tags)
}

func TestSetMemberSource_TransportError(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	_, err := NewVPNSource(client).Check(context.Background(), SignalInput{IP: "198.51.100.10"})
	assert.Error(t, err)
}

func TestVelocitySource(t *testing.T) {
	mr, client := newTestRedis(t)
	src := NewVelocitySource(client, time.Hour, 3)
	ctx := context.Background()
	in := SignalInput{IP: "203.0.113.50"}

	for i := 0; i < 3; i++ {
		tags, err := src.Check(ctx, in)
		require.NoError(t, err)
		assert.Empty(t, tags, "check %d", i+1)
	}

	tags, err := src.Check(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagMultipleFromIP}, tags)
	assert.Equal(t, time.Hour, mr.TTL("velocity:ip:203.0.113.50"))

	mr.FastForward(time.Hour + time.Second)
	tags, err = src.Check(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestVelocitySource_RepairsCounterWithoutExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	src := NewVelocitySource(client, time.Hour, 3)
	ctx := context.Background()

	require.NoError(t, mr.Set("velocity:ip:203.0.113.51", "40"))
	assert.Equal(t, time.Duration(0), mr.TTL("velocity:ip:203.0.113.51"))

	tags, err := src.Check(ctx, SignalInput{IP: "203.0.113.51"})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagMultipleFromIP}, tags)
	assert.Equal(t, time.Hour, mr.TTL("velocity:ip:203.0.113.51"))

	mr.FastForward(30 * time.Minute)
	_, err = src.Check(ctx, SignalInput{IP: "203.0.113.51"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, mr.TTL("velocity:ip:203.0.113.51"), "a running window is not extended")
}

type stubGeo struct {
	info *GeoInfo
	err  error
}

func (s stubGeo) Lookup(context.Context, string) (*GeoInfo, error) {
	return s.info, s.err
}

func TestGeoRiskSource(t *testing.T) {
	mr, client := newTestRedis(t)
	_, err := mr.SAdd(shared.SetHighRiskCountries, "KP")
	require.NoError(t, err)
	_, err = mr.SAdd(shared.SetBadISPs, "shady telecom")
	require.NoError(t, err)
	_, err = mr.SAdd(shared.SetBadASNs, "64500")
	require.NoError(t, err)
	ctx := context.Background()
	in := SignalInput{IP: "203.0.113.9"}

	tests := []struct {
		name string
		info *GeoInfo
		want []string
	}{
		{"clean", &GeoInfo{CountryCode: "DE", ISP: "Deutsche Telekom", ASN: 3320}, nil},
		{"high risk country", &GeoInfo{CountryCode: "kp"}, []string{shared.TagHighRiskCountry}},
		{"hosting", &GeoInfo{CountryCode: "US", Hosting: true}, []string{shared.TagBadISP}},
		{"datacenter", &GeoInfo{CountryCode: "US", Datacenter: true}, []string{shared.TagBadISP}},
		{"bad isp", &GeoInfo{CountryCode: "US", ISP: "Shady Telecom"}, []string{shared.TagBadISP}},
		{"bad asn", &GeoInfo{ASN: 64500}, []string{shared.TagBadISP}},
		{"both, bad isp once", &GeoInfo{CountryCode: "KP", Hosting: true, ISP: "Shady Telecom", ASN: 64500}, []string{shared.TagHighRiskCountry, shared.TagBadISP}},
		{"private", &GeoInfo{Private: true, Hosting: true}, nil},
		{"no record", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags, err := NewGeoRiskSource(stubGeo{info: tt.info}, client).Check(ctx, in)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, tags)
				return
			}
			assert.Equal(t, tt.want, tags)
		})
	}
}

func TestGeoRiskSource_RedisDownKeepsHostingSignal(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	src := NewGeoRiskSource(stubGeo{info: &GeoInfo{CountryCode: "US", Hosting: true, ISP: "Example Cloud", ASN: 64500}}, client)
	tags, err := src.Check(context.Background(), SignalInput{IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagBadISP}, tags)

	tags, err = NewGeoRiskSource(stubGeo{info: &GeoInfo{CountryCode: "KP", ISP: "Shady Telecom"}}, client).
		Check(context.Background(), SignalInput{IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestGeoRiskSource_LookupError(t *testing.T) {
	_, client := newTestRedis(t)

	_, err := NewGeoRiskSource(stubGeo{err: errors.New("timeout")}, client).Check(context.Background(), SignalInput{IP: "203.0.113.9"})
	assert.Error(t, err)
}

type stubBlacklist map[string]bool

func (s stubBlacklist) IsBlacklisted(_ context.Context, orgID, kind, value string) (bool, error) {
	return s[orgID+"|"+kind+"|"+value], nil
}

func TestBlacklistSource(t *testing.T) {
	lists := stubBlacklist{
		"org-1|ip|203.0.113.66":            true,
		"org-1|email_domain|competitor.io": true,
	}
	ctx := context.Background()
	ipSrc := NewBlacklistSource(lists, shared.BlacklistTypeIP)
	emailSrc := NewBlacklistSource(lists, shared.BlacklistTypeEmailDomain)

	assert.Equal(t, FieldOrg|FieldIP, ipSrc.Requires())
	assert.Equal(t, FieldOrg|FieldEmail, emailSrc.Requires())

	tags, err := ipSrc.Check(ctx, SignalInput{OrgID: "org-1", IP: "203.0.113.66"})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagCustomBlacklist}, tags)

	tags, err = ipSrc.Check(ctx, SignalInput{OrgID: "org-2", IP: "203.0.113.66"})
	require.NoError(t, err)
	assert.Empty(t, tags)

	tags, err = emailSrc.Check(ctx, SignalInput{OrgID: "org-1", EmailDomain: " Competitor.IO "})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.TagCustomBlacklist}, tags)
}
