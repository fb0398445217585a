package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/model"
	"github.com/privyhq/signal_api/scoring"
	"github.com/privyhq/signal_api/services"
	"github.com/privyhq/signal_api/services/repositories"
	"github.com/privyhq/signal_api/shared"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using system environment variables")
	}
	shared.ConfigureLogger()

	var (
		cmd    = flag.String("cmd", "", "Command: create-key, list-keys, revoke-key, add-blacklist, org-status, data-status, test-geolocation, test-check")
		org    = flag.String("org", "", "Organization name (create-key) or id (add-blacklist, org-status)")
		name   = flag.String("name", "default", "API key name")
		key    = flag.String("key", "", "API key id to revoke")
		kind   = flag.String("type", "", "Blacklist type: ip, email_domain")
		value  = flag.String("value", "", "Blacklist value")
		reason = flag.String("reason", "", "Blacklist reason")
		ip     = flag.String("ip", "", "IP address (test-geolocation, test-check)")
		email  = flag.String("email", "", "Email address (test-check)")
		help   = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help || *cmd == "" {
		showHelp()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// These commands do not need the database.
	switch *cmd {
	case "data-status":
		client, err := services.NewRedisClient()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure redis")
		}
		defer client.Close()
		exitOnError(*cmd, dataStatus(ctx, client, os.Stdout))
		return
	case "test-geolocation":
		geo := services.NewGeolocationService(0, 1, services.GeoProvidersFromEnv()...)
		defer geo.Shutdown()
		exitOnError(*cmd, testGeolocation(ctx, geo, *ip, os.Stdout))
		return
	case "test-check":
		exitOnError(*cmd, testCheck(scoring.NewDefaultScorer(), *email, *ip, os.Stdout))
		return
	}

	db, err := services.ConnectPostgres(services.DSNFromEnv(), shared.EnvInt("DB_CONNECT_RETRIES", 3))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := db.AutoMigrate(services.Models()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	a := newAdmin(db, os.Stdout)
	switch *cmd {
	case "create-key":
		err = a.createKey(ctx, *org, *name)
	case "list-keys":
		err = a.listKeys(ctx)
	case "revoke-key":
		err = a.revokeKey(ctx, *key)
	case "add-blacklist":
		err = a.addBlacklist(ctx, *org, *kind, *value, *reason)
	case "org-status":
		err = a.orgStatus(ctx, *org)
	default:
		err = fmt.Errorf("unknown command %q", *cmd)
	}

	exitOnError(*cmd, err)
}

func exitOnError(cmd string, err error) {
	if err != nil {
		log.Fatal().Err(err).Str("cmd", cmd).Msg("Command failed")
	}
}

type admin struct {
	orgs       *repositories.OrganizationRepository
	keys       *repositories.ApiKeyRepository
	blacklists *repositories.BlacklistRepository
	checks     *repositories.CheckRepository
	out        io.Writer
}

func newAdmin(db *gorm.DB, out io.Writer) *admin {
	return &admin{
		orgs:       repositories.NewOrganizationRepository(db),
		keys:       repositories.NewApiKeyRepository(db),
		blacklists: repositories.NewBlacklistRepository(db),
		checks:     repositories.NewCheckRepository(db),
		out:        out,
	}
}

func (a *admin) createKey(ctx context.Context, orgName, name string) error {
	if orgName == "" {
		return errors.New("-org is required")
	}

	org, err := a.orgs.GetOrCreateByName(ctx, orgName)
	if err != nil {
		return services.HandleDBError(err)
	}

	generated, err := services.GenerateApiKey()
	if err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}

	if _, err := a.keys.Create(ctx, &model.ApiKey{
		Name:         name,
		KeyID:        generated.KeyID,
		HashedSecret: generated.HashedSecret,
		OrgID:        org.ID,
	}); err != nil {
		return services.HandleDBError(err)
	}

	fmt.Fprintf(a.out, "Organization: %s (%s)\n", org.Name, org.ID)
	fmt.Fprintf(a.out, "API key:      %s\n", generated.String())
	fmt.Fprintln(a.out, "Store it now, the secret cannot be shown again.")
	return nil
}

func (a *admin) listKeys(ctx context.Context) error {
	keys, err := a.keys.List(ctx)
	if err != nil {
		return services.HandleDBError(err)
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tNAME\tORG\tREVOKED\tLAST USED")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", k.KeyID, k.Name, k.OrgID, k.Revoked, lastUsed)
	}
	return w.Flush()
}

func (a *admin) revokeKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		return errors.New("-key is required")
	}
	if err := a.keys.Revoke(ctx, keyID); err != nil {
		return services.HandleDBError(err)
	}
	fmt.Fprintf(a.out, "Revoked %s\n", keyID)
	return nil
}

func (a *admin) addBlacklist(ctx context.Context, orgID, kind, value, reason string) error {
	if orgID == "" {
		return errors.New("-org is required")
	}
	if kind != shared.BlacklistTypeIP && kind != shared.BlacklistTypeEmailDomain {
		return fmt.Errorf("-type must be %s or %s", shared.BlacklistTypeIP, shared.BlacklistTypeEmailDomain)
	}
	value = services.NormalizeBlacklistValue(value)
	if value == "" {
		return errors.New("-value is required")
	}

	if _, err := a.orgs.GetByID(ctx, orgID); err != nil {
		return services.HandleDBError(err)
	}

	if err := a.blacklists.Add(ctx, &model.Blacklist{
		OrgID:  orgID,
		Type:   kind,
		Value:  value,
		Reason: reason,
	}); err != nil {
		return services.HandleDBError(err)
	}

	fmt.Fprintf(a.out, "Blacklisted %s %s for %s\n", kind, value, orgID)
	return nil
}

func (a *admin) orgStatus(ctx context.Context, orgID string) error {
	if orgID == "" {
		return errors.New("-org is required")
	}

	org, err := a.orgs.GetByID(ctx, orgID)
	if err != nil {
		return services.HandleDBError(err)
	}
	checks, err := a.checks.CountByOrg(ctx, org.ID)
	if err != nil {
		return services.HandleDBError(err)
	}
	entries, err := a.blacklists.ListByOrg(ctx, org.ID)
	if err != nil {
		return services.HandleDBError(err)
	}

	fmt.Fprintf(a.out, "Organization: %s (%s)\n", org.Name, org.ID)
	fmt.Fprintf(a.out, "Checks:       %d\n", checks)
	fmt.Fprintf(a.out, "Blacklist:    %d entries\n", len(entries))

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", e.Type, e.Value, e.Reason)
	}
	return w.Flush()
}

func dataStatus(ctx context.Context, client redis.Cmdable, out io.Writer) error {
	sizes, err := services.IndicatorSetSizes(ctx, client)
	if err != nil {
		return fmt.Errorf("read indicator sets: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SET\tMEMBERS")
	for _, set := range services.IndicatorSets {
		fmt.Fprintf(w, "%s\t%d\n", set, sizes[set])
	}
	return w.Flush()
}

type geoLookup interface {
	ProviderName() string
	Lookup(ctx context.Context, ip string) (*services.GeoInfo, error)
}

func testGeolocation(ctx context.Context, geo geoLookup, ip string, out io.Writer) error {
	if ip == "" {
		return errors.New("-ip is required")
	}

	info, err := geo.Lookup(ctx, ip)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ip, err)
	}
	if info == nil {
		if geo.ProviderName() == "none" {
			return errors.New("no geolocation provider configured, set MAXMIND_DB_PATH or GEO_API_URL")
		}
		return fmt.Errorf("%q is not an IP address", ip)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "IP:\t%s\n", info.IP)
	fmt.Fprintf(w, "Provider:\t%s\n", orDash(info.Provider))
	fmt.Fprintf(w, "Country:\t%s (%s)\n", orDash(info.Country), orDash(info.CountryCode))
	fmt.Fprintf(w, "City:\t%s\n", orDash(info.City))
	fmt.Fprintf(w, "ISP:\t%s\n", orDash(info.ISP))
	fmt.Fprintf(w, "Organization:\t%s\n", orDash(info.Org))
	fmt.Fprintf(w, "ASN:\t%d %s\n", info.ASN, info.ASNOrg)
	fmt.Fprintf(w, "Hosting:\t%s\n", yesNo(info.Hosting))
	fmt.Fprintf(w, "Datacenter:\t%s\n", yesNo(info.Datacenter))
	fmt.Fprintf(w, "Private:\t%s\n", yesNo(info.Private))
	if err := w.Flush(); err != nil {
		return err
	}

	switch {
	case info.Hosting || info.Datacenter:
		fmt.Fprintln(out, "Assessment: hosting or datacenter network, additional verification recommended")
	case info.Private:
		fmt.Fprintln(out, "Assessment: private address, not routable")
	default:
		fmt.Fprintln(out, "Assessment: no network risk factors")
	}
	return nil
}

// testCheck scores email and ip with the local heuristics only. Indicator
// sets and blacklists are not consulted.
func testCheck(scorer *scoring.Scorer, email, ip string, out io.Writer) error {
	if email == "" && ip == "" {
		email, ip = "test@tempmail.com", "1.2.3.4"
	}
	req := dto.CheckRequest{Email: email, IP: ip}
	req.Normalize()

	result := scorer.Score(nil, req.Email, req.CanonicalIP())

	fmt.Fprintf(out, "Email:      %s\n", orDash(req.Email))
	fmt.Fprintf(out, "IP:         %s\n", orDash(req.IP))
	fmt.Fprintf(out, "Risk score: %d/100\n", result.Score)
	fmt.Fprintf(out, "Risk level: %s\n", strings.ToUpper(result.Level))
	fmt.Fprintf(out, "Action:     %s\n", strings.ToUpper(result.Action))
	fmt.Fprintf(out, "Message:    %s\n", result.Message)
	if len(result.Reasons) > 0 {
		fmt.Fprintln(out, "Detected:")
		for _, r := range result.Reasons {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	if len(result.Recommendations) > 0 {
		fmt.Fprintln(out, "Recommendations:")
		for _, r := range result.Recommendations {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func showHelp() {
	fmt.Print(`
Signal API admin tool

Usage: go run ./cli -cmd <command> [flags]

Commands:
  create-key     -org NAME [-name NAME]   Create an organization if needed and mint an API key
  list-keys                               List API keys
  revoke-key     -key KEY_ID              Revoke an API key
  add-blacklist  -org ID -type T -value V [-reason R]
                                          Add an ip or email_domain blacklist entry
  org-status     -org ID                  Show check count and blacklist for an organization
  data-status                             Show indicator set sizes in Redis
  test-geolocation -ip IP                 Resolve an address with the configured providers
  test-check     [-email E] [-ip IP]      Score an email and IP with the local heuristics

Environment Variables:
  DATABASE_URL or DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME
  REDIS_URL or REDIS_ADDR, REDIS_PASSWORD, REDIS_DB (data-status)
  MAXMIND_DB_PATH, GEO_API_URL (test-geolocation)
`)
}
