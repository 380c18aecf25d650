package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ReviewStatus represents where a review is in the reply workflow
type ReviewStatus string

const (
	ReviewStatusPending   ReviewStatus = "pending"
	ReviewStatusNotified  ReviewStatus = "notified"
	ReviewStatusApproved  ReviewStatus = "approved"
	ReviewStatusResponded ReviewStatus = "responded"
	ReviewStatusRejected  ReviewStatus = "rejected"
	ReviewStatusFailed    ReviewStatus = "failed"
)

// Rating bounds accepted from vendors
const (
	MinRating = 1
	MaxRating = 5
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid review status transition")

// transitions lists the allowed target states for each state
var transitions = map[ReviewStatus][]ReviewStatus{
	ReviewStatusPending:  {ReviewStatusNotified, ReviewStatusApproved, ReviewStatusRejected},
	ReviewStatusNotified: {ReviewStatusApproved, ReviewStatusRejected},
	ReviewStatusApproved: {ReviewStatusResponded, ReviewStatusFailed},
	ReviewStatusFailed:   {ReviewStatusApproved},
}

// CanTransition reports whether a review may move from one status to another
func CanTransition(from, to ReviewStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Review is a single vendor review, unique per (vendor, external id)
type Review struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ResourceID uint           `gorm:"index;not null" json:"resource_id"`
	Resource   *Resource      `gorm:"foreignKey:ResourceID" json:"resource,omitempty"`
	Vendor     VendorKind     `gorm:"size:20;not null;uniqueIndex:ux_review_vendor_external,priority:1" json:"vendor"`
	ExternalID string         `gorm:"size:255;not null;uniqueIndex:ux_review_vendor_external,priority:2" json:"external_id"`
	Rating     int            `gorm:"not null" json:"rating"`
	Title      string         `gorm:"size:500" json:"title"`
	Body       string         `gorm:"type:text" json:"body"`
	Author     string         `gorm:"size:255" json:"author"`
	Territory  string         `gorm:"size:10" json:"territory"`
	AppVersion string         `gorm:"size:50" json:"app_version"`
	Language   string         `gorm:"size:20" json:"language"`
	ReviewedAt time.Time      `gorm:"index" json:"reviewed_at"`
	Status     ReviewStatus   `gorm:"size:20;default:'pending';index" json:"status"`
	Raw        datatypes.JSON `json:"raw,omitempty"` // original vendor payload
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// Transition moves the review to a new status if the workflow allows it
func (r *Review) Transition(to ReviewStatus) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}

// IsClosed reports whether the review has reached a state the workflow never leaves
func (r *Review) IsClosed() bool {
	return r.Status == ReviewStatusResponded || r.Status == ReviewStatusRejected
}

// Validate checks the fields every vendor must supply
func (r *Review) Validate() error {
	if r.ExternalID == "" {
		return errors.New("review external id is empty")
	}
	if r.Rating < MinRating || r.Rating > MaxRating {
		return fmt.Errorf("review rating %d out of range %d..%d", r.Rating, MinRating, MaxRating)
	}
	return nil
}
