package models

import "time"

// Response is a drafted (and possibly posted) reply to a review.
// Only the row with IsCurrent set is eligible for posting.
type Response struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	ReviewID   uint       `gorm:"index;not null" json:"review_id"`
	DraftText  string     `gorm:"type:text;not null" json:"draft_text"`
	FinalText  *string    `gorm:"type:text" json:"final_text"`
	Truncated  bool       `json:"truncated"`
	IsCurrent  bool       `gorm:"index" json:"is_current"`
	Approved   bool       `json:"approved"`
	ApprovedAt *time.Time `json:"approved_at"`
	PostedAt   *time.Time `json:"posted_at"`
	PostError  string     `gorm:"type:text" json:"post_error"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Text returns the text that would be posted: the owner's edit if any, else the draft
func (r *Response) Text() string {
	if r.FinalText != nil && *r.FinalText != "" {
		return *r.FinalText
	}
	return r.DraftText
}
