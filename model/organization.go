package model

import "time"

type Organization struct {
	ID        string `gorm:"primaryKey;type:text"`
	Name      string `gorm:"uniqueIndex;not null;size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
