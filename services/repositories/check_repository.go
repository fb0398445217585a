package repositories

import (
	"context"

	"github.com/privyhq/signal_api/model"
	"gorm.io/gorm"
)

type CheckRepository struct {
	BaseRepository
}

func NewCheckRepository(db *gorm.DB) *CheckRepository {
	return &CheckRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *CheckRepository) Create(ctx context.Context, check *model.Check) error {
	if check.ID == "" {
		check.ID = newID()
	}
	return ds.withContext(ctx).Create(check).Error
}

func (ds *CheckRepository) CountByOrg(ctx context.Context, orgID string) (int64, error) {
	var count int64
	err := ds.withContext(ctx).Model(&model.Check{}).Where("org_id = ?", orgID).Count(&count).Error
	return count, err
}
