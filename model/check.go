package model

import "time"

// Check is one persisted evaluation. Result holds the JSON-encoded response.
type Check struct {
	ID        string `gorm:"primaryKey;type:text"`
	OrgID     string `gorm:"index;not null;type:text"`
	IP        string `gorm:"size:64;index"`
	Email     string `gorm:"size:320"`
	UserAgent string `gorm:"type:text"`
	Result    []byte `gorm:"type:jsonb"`
	RiskScore int    `gorm:"not null"`
	Action    string `gorm:"size:16;index"`
	CheckedAt time.Time
	CreatedAt time.Time
}
