package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/review-agent/internal/models"
)

// ErrInvalidCredentials is returned when an account's credential blob cannot
// produce a working token
var ErrInvalidCredentials = errors.New("invalid vendor credentials")

// FailureKind classifies a vendor error for the caller
type FailureKind int

const (
	// FailureTransient errors are retried on the next cycle
	FailureTransient FailureKind = iota
	// FailureAuth errors invalidate the account until credentials are resubmitted
	FailureAuth
)

func (k FailureKind) String() string {
	if k == FailureAuth {
		return "auth"
	}
	return "transient"
}

// NormalizedReview is a vendor review mapped to the common shape
type NormalizedReview struct {
	ExternalID string
	Rating     int
	Title      string
	Body       string
	Author     string
	Territory  string
	AppVersion string
	Language   string
	ReviewedAt time.Time
	Raw        json.RawMessage
}

// ToModel builds the persisted review for a resource
func (n NormalizedReview) ToModel(res *models.Resource) *models.Review {
	return &models.Review{
		ResourceID: res.ID,
		Vendor:     res.Vendor,
		ExternalID: n.ExternalID,
		Rating:     n.Rating,
		Title:      n.Title,
		Body:       n.Body,
		Author:     n.Author,
		Territory:  n.Territory,
		AppVersion: n.AppVersion,
		Language:   n.Language,
		ReviewedAt: n.ReviewedAt,
		Status:     models.ReviewStatusPending,
		Raw:        []byte(n.Raw),
	}
}

// PostResult describes a reply accepted by the vendor
type PostResult struct {
	ExternalID string // vendor id of the reply, if any
	Text       string // text actually sent
	Truncated  bool
}

// Connector defines the interface for a vendor review API
type Connector interface {
	// Kind returns the vendor this connector talks to
	Kind() models.VendorKind

	// Authenticate verifies the credentials can mint a token
	Authenticate(ctx context.Context) error

	// ListNewReviews returns reviews newer than cursor, newest first.
	// A nil cursor means the resource was never polled.
	ListNewReviews(ctx context.Context, res *models.Resource, cursor *time.Time) ([]NormalizedReview, error)

	// PostResponse publishes a reply, truncating it to the vendor limit
	PostResponse(ctx context.Context, res *models.Resource, externalReviewID, text string) (*PostResult, error)

	// ClassifyFailure reports whether err means the credentials are no longer usable
	ClassifyFailure(err error) FailureKind
}

// DiscoveredApp is a store listing found under a vendor account
type DiscoveredApp struct {
	ExternalID string
	Name       string
}

// AppLister is implemented by connectors that can enumerate an account's apps
type AppLister interface {
	ListApps(ctx context.Context) ([]DiscoveredApp, error)
}

// Pagination bounds shared by connectors
type Pagination struct {
	PageSize      int
	FirstRunPages int // page cap when there is no cursor
	MaxPages      int // safety cap when there is a cursor
}

// PageLimit returns how many pages a poll with the given cursor may read
func (p Pagination) PageLimit(cursor *time.Time) int {
	if cursor == nil {
		return p.FirstRunPages
	}
	return p.MaxPages
}

// IsNew reports whether a review timestamp is strictly after the cursor
func IsNew(reviewedAt time.Time, cursor *time.Time) bool {
	return cursor == nil || reviewedAt.After(*cursor)
}

// APIError is a non-success response from a vendor API
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vendor API error %d %s: %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("vendor API error %d: %s", e.StatusCode, e.Detail)
}

// Factory builds a connector bound to one account's credentials
type Factory func(ctx context.Context, account *models.Account) (Connector, error)

// Provider returns a connector for an account
type Provider interface {
	ConnectorFor(ctx context.Context, account *models.Account) (Connector, error)
}

// Registry maps vendor kinds to connector factories
type Registry struct {
	factories map[models.VendorKind]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.VendorKind]Factory),
	}
}

// Register adds a factory for a vendor
func (r *Registry) Register(kind models.VendorKind, factory Factory) {
	r.factories[kind] = factory
}

// Kinds returns the registered vendors
func (r *Registry) Kinds() []models.VendorKind {
	var kinds []models.VendorKind
	for _, k := range models.VendorKinds {
		if _, ok := r.factories[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// ConnectorFor builds a connector for the account's vendor
func (r *Registry) ConnectorFor(ctx context.Context, account *models.Account) (Connector, error) {
	factory, ok := r.factories[account.Vendor]
	if !ok {
		return nil, fmt.Errorf("no connector registered for vendor %q", account.Vendor)
	}
	return factory(ctx, account)
}
