package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/privyhq/signal_api/model"
	"github.com/privyhq/signal_api/services/repositories"
	"github.com/privyhq/signal_api/shared"
)

const API_KEY_SVC = "api_key_svc"

const ApiKeyHeader = "X-API-Key"

var errApiKeyMissing = shared.NewAppError(http.StatusUnauthorized, "API key required", nil)

type ApiKeyStore interface {
	GetActiveByKeyID(ctx context.Context, keyID string) (*model.ApiKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

type verifiedKey struct {
	key       model.ApiKey
	digest    [32]byte
	expiresAt time.Time
}

type ApiKeyService struct {
	appContext.DefaultService

	keys     ApiKeyStore
	cacheTTL time.Duration

	mu       sync.Mutex
	verified map[string]verifiedKey
}

func NewApiKeyService(keys ApiKeyStore, cacheTTL time.Duration) *ApiKeyService {
	return &ApiKeyService{keys: keys, cacheTTL: cacheTTL, verified: make(map[string]verifiedKey)}
}

func (svc ApiKeyService) Id() string {
	return API_KEY_SVC
}

func (svc *ApiKeyService) Configure(ctx *appContext.Context) error {
	svc.cacheTTL = shared.EnvDuration("API_KEY_CACHE_TTL", time.Minute)
	svc.verified = make(map[string]verifiedKey)
	return svc.DefaultService.Configure(ctx)
}

func (svc *ApiKeyService) Start() error {
	pgSvc, ok := svc.Service(POSTGRES_SVC).(*PostgresService)
	if !ok || pgSvc.Db() == nil {
		return errors.New("api key service requires postgres")
	}
	svc.keys = repositories.NewApiKeyRepository(pgSvc.Db())
	return nil
}

// ParseApiKey splits "key_id.secret" on the first dot.
func ParseApiKey(raw string) (string, string, error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", shared.ErrApiKeyFormat
	}
	return keyID, secret, nil
}

// Verify resolves raw to an active key. Successful verifications are
// remembered for cacheTTL so bcrypt runs once per key and window.
func (svc *ApiKeyService) Verify(ctx context.Context, raw string) (*model.ApiKey, error) {
	keyID, secret, err := ParseApiKey(raw)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256([]byte(secret))
	if key, ok := svc.cached(keyID, digest); ok {
		return key, nil
	}

	key, err := svc.keys.GetActiveByKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrInvalidApiKey
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.HashedSecret), []byte(secret)); err != nil {
		return nil, shared.ErrInvalidApiKey
	}

	now := time.Now().UTC()
	if err := svc.keys.TouchLastUsed(ctx, key.ID, now); err != nil {
		log.Warn().Err(err).Str("key_id", keyID).Msg("Failed to record API key usage")
	} else {
		key.LastUsedAt = &now
	}

	svc.remember(*key, digest)
	return key, nil
}

func (svc *ApiKeyService) cached(keyID string, digest [32]byte) (*model.ApiKey, bool) {
	if svc.cacheTTL <= 0 {
		return nil, false
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()

	entry, ok := svc.verified[keyID]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(svc.verified, keyID)
		return nil, false
	}
	if entry.digest != digest {
		return nil, false
	}
	key := entry.key
	return &key, true
}

func (svc *ApiKeyService) remember(key model.ApiKey, digest [32]byte) {
	if svc.cacheTTL <= 0 {
		return
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.verified[key.KeyID] = verifiedKey{key: key, digest: digest, expiresAt: time.Now().Add(svc.cacheTTL)}
}

// RequireApiKey authenticates the request and stores the *model.ApiKey under
// shared.ApiKeyLocal.
func (svc *ApiKeyService) RequireApiKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get(ApiKeyHeader)
		if raw == "" {
			return errApiKeyMissing
		}

		key, err := svc.Verify(c.UserContext(), raw)
		if err != nil {
			if _, ok := shared.GetAppError(err); !ok {
				log.Error().Err(err).Msg("API key verification failed")
			}
			return err
		}

		c.Locals(shared.ApiKeyLocal, key)
		return c.Next()
	}
}

// GeneratedApiKey holds a freshly minted key. Secret is shown once and never
// stored.
type GeneratedApiKey struct {
	KeyID        string
	Secret       string
	HashedSecret string
}

func (k GeneratedApiKey) String() string {
	return k.KeyID + "." + k.Secret
}

func GenerateApiKey() (*GeneratedApiKey, error) {
	idBytes := make([]byte, 8)
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, err
	}

	secret := hex.EncodeToString(secretBytes)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	return &GeneratedApiKey{
		KeyID:        "pk_" + hex.EncodeToString(idBytes),
		Secret:       secret,
		HashedSecret: string(hash),
	}, nil
}
