package repositories

import (
	"context"
	"errors"

	"github.com/privyhq/signal_api/model"
	"gorm.io/gorm"
)

type OrganizationRepository struct {
	BaseRepository
}

func NewOrganizationRepository(db *gorm.DB) *OrganizationRepository {
	return &OrganizationRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *OrganizationRepository) GetByID(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	if err := ds.withContext(ctx).Where("id = ?", id).First(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

// GetOrCreateByName returns the organization called name, creating it first
// when it does not exist.
func (ds *OrganizationRepository) GetOrCreateByName(ctx context.Context, name string) (*model.Organization, error) {
	var org model.Organization
	err := ds.withContext(ctx).Where("name = ?", name).First(&org).Error
	if err == nil {
		return &org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	org = model.Organization{ID: newID(), Name: name}
	if err := ds.withContext(ctx).Create(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}
