package model

import "time"

type Blacklist struct {
	ID        string `gorm:"primaryKey;type:text"`
	OrgID     string `gorm:"not null;type:text;uniqueIndex:idx_blacklist_entry"`
	Type      string `gorm:"not null;size:32;uniqueIndex:idx_blacklist_entry"`
	Value     string `gorm:"not null;size:320;uniqueIndex:idx_blacklist_entry"`
	Reason    string `gorm:"type:text"`
	CreatedAt time.Time
}
