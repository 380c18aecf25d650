package models

import "time"

// Owner is the end user on whose behalf resources are monitored
type Owner struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	ChatID    int64     `gorm:"uniqueIndex;not null" json:"chat_id"` // notification handle
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
