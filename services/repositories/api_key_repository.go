package repositories

import (
	"context"
	"time"

	"github.com/privyhq/signal_api/model"
	"gorm.io/gorm"
)

type ApiKeyRepository struct {
	BaseRepository
}

func NewApiKeyRepository(db *gorm.DB) *ApiKeyRepository {
	return &ApiKeyRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// GetActiveByKeyID returns the non-revoked key with the given public id.
func (ds *ApiKeyRepository) GetActiveByKeyID(ctx context.Context, keyID string) (*model.ApiKey, error) {
	var key model.ApiKey
	if err := ds.withContext(ctx).Where("key_id = ? AND revoked = ?", keyID, false).First(&key).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

func (ds *ApiKeyRepository) Create(ctx context.Context, key *model.ApiKey) (*model.ApiKey, error) {
	key.ID = newID()
	if err := ds.withContext(ctx).Create(key).Error; err != nil {
		return nil, err
	}
	return key, nil
}

func (ds *ApiKeyRepository) List(ctx context.Context) ([]model.ApiKey, error) {
	var keys []model.ApiKey
	if err := ds.withContext(ctx).Order("created_at").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// Revoke marks keyID revoked. It reports gorm.ErrRecordNotFound when no
// active key matched.
func (ds *ApiKeyRepository) Revoke(ctx context.Context, keyID string) error {
	res := ds.withContext(ctx).Model(&model.ApiKey{}).
		Where("key_id = ? AND revoked = ?", keyID, false).
		Update("revoked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (ds *ApiKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return ds.withContext(ctx).Model(&model.ApiKey{}).Where("id = ?", id).Update("last_used_at", at).Error
}
