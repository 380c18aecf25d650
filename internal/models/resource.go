package models

import "time"

// Resource is a monitored store listing (app) tied to one vendor account
type Resource struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	OwnerID        uint       `gorm:"index;not null" json:"owner_id"`
	AccountID      uint       `gorm:"not null;uniqueIndex:ux_resource_account_external,priority:1" json:"account_id"`
	Vendor         VendorKind `gorm:"size:20;not null" json:"vendor"`
	ExternalID     string     `gorm:"size:255;not null;uniqueIndex:ux_resource_account_external,priority:2" json:"external_id"`
	Name           string     `gorm:"size:255" json:"name"`
	Active         bool       `gorm:"default:true;index" json:"active"`
	AutoDiscovered bool       `gorm:"default:false" json:"auto_discovered"`
	LastPollAt     *time.Time `json:"last_poll_at"` // ingestion cursor, exclusive
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// DisplayName returns the listing name, falling back to its external ID
func (r *Resource) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ExternalID
}
