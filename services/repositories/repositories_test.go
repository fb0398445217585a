package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/privyhq/signal_api/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.Organization{}, &model.ApiKey{}, &model.Blacklist{}, &model.Check{}))
	return db
}

func TestOrganizationRepository_GetOrCreateByName(t *testing.T) {
	repo := NewOrganizationRepository(newTestDB(t))
	ctx := context.Background()

	first, err := repo.GetOrCreateByName(ctx, "acme")
	require.NoError(t, err)
	second, err := repo.GetOrCreateByName(ctx, "acme")
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, second.ID)

	got, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
}

func TestApiKeyRepository_Lifecycle(t *testing.T) {
	repo := NewApiKeyRepository(newTestDB(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, &model.ApiKey{Name: "prod", KeyID: "pk_123", HashedSecret: "hash", OrgID: "org-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := repo.GetActiveByKeyID(ctx, "pk_123")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrgID)

	keys, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, repo.Revoke(ctx, "pk_123"))

	_, err = repo.GetActiveByKeyID(ctx, "pk_123")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	err = repo.Revoke(ctx, "pk_123")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestBlacklistRepository_IsBlacklistedScopesByOrg(t *testing.T) {
	repo := NewBlacklistRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, &model.Blacklist{OrgID: "org-1", Type: "ip", Value: "203.0.113.66"}))
	require.NoError(t, repo.Add(ctx, &model.Blacklist{OrgID: "org-1", Type: "ip", Value: "203.0.113.66"}))

	listed, err := repo.IsBlacklisted(ctx, "org-1", "ip", "203.0.113.66")
	require.NoError(t, err)
	assert.True(t, listed)

	listed, err = repo.IsBlacklisted(ctx, "org-2", "ip", "203.0.113.66")
	require.NoError(t, err)
	assert.False(t, listed)

	listed, err = repo.IsBlacklisted(ctx, "org-1", "email_domain", "203.0.113.66")
	require.NoError(t, err)
	assert.False(t, listed)

	entries, err := repo.ListByOrg(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCheckRepository_Create(t *testing.T) {
	repo := NewCheckRepository(newTestDB(t))
	ctx := context.Background()

	check := &model.Check{OrgID: "org-1", IP: "8.8.8.8", Result: []byte(`{"risk_score":0}`), Action: "allow"}
	require.NoError(t, repo.Create(ctx, check))
	assert.NotEmpty(t, check.ID)

	count, err := repo.CountByOrg(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
