package models

import "time"

// Account holds one owner's credentials for a vendor API
type Account struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	OwnerID       uint       `gorm:"index;not null" json:"owner_id"`
	Vendor        VendorKind `gorm:"size:20;index;not null" json:"vendor"`
	Label         string     `gorm:"size:255" json:"label"`
	Credentials   []byte     `gorm:"not null" json:"-"` // opaque, vendor specific
	Valid         bool       `gorm:"default:true;index" json:"valid"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	InvalidatedAt *time.Time `json:"invalidated_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
