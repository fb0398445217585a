package repositories

import (
	"context"

	"github.com/privyhq/signal_api/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BlacklistRepository struct {
	BaseRepository
}

func NewBlacklistRepository(db *gorm.DB) *BlacklistRepository {
	return &BlacklistRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *BlacklistRepository) IsBlacklisted(ctx context.Context, orgID, kind, value string) (bool, error) {
	var count int64
	err := ds.withContext(ctx).Model(&model.Blacklist{}).
		Where("org_id = ? AND type = ? AND value = ?", orgID, kind, value).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Add stores entry; re-adding an existing (org, type, value) is a no-op.
func (ds *BlacklistRepository) Add(ctx context.Context, entry *model.Blacklist) error {
	entry.ID = newID()
	return ds.withContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error
}

func (ds *BlacklistRepository) ListByOrg(ctx context.Context, orgID string) ([]model.Blacklist, error) {
	var entries []model.Blacklist
	if err := ds.withContext(ctx).Where("org_id = ?", orgID).Order("created_at").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
