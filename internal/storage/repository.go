package storage

import (
	"context"
	"errors"
	"time"

	"github.com/review-agent/internal/models"
)

var (
	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	// Callers treat it as "already known", not as a failure.
	ErrDuplicate = errors.New("duplicate record")

	// ErrNotFound is returned when a lookup matches no rows
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update finds the row changed
	ErrConflict = errors.New("record changed concurrently")
)

// Repository defines the interface for data persistence
type Repository interface {
	// Owner operations
	CreateOwner(ctx context.Context, owner *models.Owner) error
	GetOwner(ctx context.Context, id uint) (*models.Owner, error)
	ListOwners(ctx context.Context, activeOnly bool) ([]*models.Owner, error)
	SetOwnerActive(ctx context.Context, id uint, active bool) error

	// Account operations
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uint) (*models.Account, error)
	ListAccounts(ctx context.Context, ownerID uint) ([]*models.Account, error)
	SubmitCredentials(ctx context.Context, accountID uint, credentials []byte) error
	InvalidateAccount(ctx context.Context, accountID uint, reason string) (bool, error)

	// Resource operations
	CreateResource(ctx context.Context, resource *models.Resource) error
	GetResource(ctx context.Context, id uint) (*models.Resource, error)
	ListResources(ctx context.Context, filter ResourceFilter) ([]*models.Resource, error)
	ListPollableResources(ctx context.Context) ([]*models.Resource, error)
	SetResourceActive(ctx context.Context, id uint, active bool) error
	AdvanceCursor(ctx context.Context, resourceID uint, to time.Time) error

	// Review operations
	InsertReview(ctx context.Context, review *models.Review) error
	GetReview(ctx context.Context, id uint) (*models.Review, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]*models.Review, error)
	UpdateReviewStatus(ctx context.Context, id uint, from, to models.ReviewStatus) error

	// Response operations
	SaveDraft(ctx context.Context, response *models.Response) error
	GetCurrentResponse(ctx context.Context, reviewID uint) (*models.Response, error)
	UpdateResponse(ctx context.Context, response *models.Response) error
	ApproveResponse(ctx context.Context, response *models.Response, from models.ReviewStatus) error

	// Maintenance
	Close() error
	Migrate() error
}

// ResourceFilter defines filtering options for resources
type ResourceFilter struct {
	OwnerID    *uint
	AccountID  *uint
	ActiveOnly bool
}

// ReviewFilter defines filtering options for reviews
type ReviewFilter struct {
	OwnerID    *uint
	ResourceID *uint
	Status     *models.ReviewStatus
	Limit      int
	Offset     int
	OrderDesc  bool
}

// DefaultReviewFilter returns a filter with sensible defaults
func DefaultReviewFilter() ReviewFilter {
	return ReviewFilter{
		Limit:     50,
		OrderDesc: true,
	}
}
