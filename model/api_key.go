package model

import "time"

// ApiKey authenticates callers as "{KeyID}.{secret}". Only the bcrypt hash of
// the secret is stored.
type ApiKey struct {
	ID           string `gorm:"primaryKey;type:text"`
	Name         string `gorm:"size:255"`
	KeyID        string `gorm:"uniqueIndex;not null;size:64"`
	HashedSecret string `gorm:"not null"`
	OrgID        string `gorm:"index;not null;type:text"`
	Revoked      bool   `gorm:"default:false;not null"`
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
