package ingest

import (
	"time"

	"github.com/review-agent/internal/models"
)

// ResourceResult is the outcome of polling one resource
type ResourceResult struct {
	ResourceID uint              `json:"resource_id"`
	Name       string            `json:"name,omitempty"`
	Vendor     models.VendorKind `json:"vendor,omitempty"`
	NewReviews int               `json:"new_reviews"`
	Skipped    string            `json:"skipped,omitempty"` // reason the resource was not polled
	Failure    string            `json:"failure,omitempty"` // auth or transient
	Error      string            `json:"error,omitempty"`
}

func (r ResourceResult) skip(reason string) ResourceResult {
	r.Skipped = reason
	return r
}

// Failed reports whether the vendor call failed
func (r ResourceResult) Failed() bool {
	return r.Error != ""
}

// OwnerResult is the outcome of polling one owner's resources
type OwnerResult struct {
	OwnerID    uint             `json:"owner_id"`
	NewReviews int              `json:"new_reviews"`
	Notified   bool             `json:"notified"`
	Resources  []ResourceResult `json:"resources"`
}

// CycleResult summarizes a full ingestion cycle
type CycleResult struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	NewReviews int            `json:"new_reviews"`
	Failures   int            `json:"failures"`
	Owners     []*OwnerResult `json:"owners"`
}

func (c *CycleResult) add(o *OwnerResult) {
	c.Owners = append(c.Owners, o)
	c.NewReviews += o.NewReviews
	for _, r := range o.Resources {
		if r.Failed() {
			c.Failures++
		}
	}
}
