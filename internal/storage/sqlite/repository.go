package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/review-agent/internal/models"
	"github.com/review-agent/internal/storage"
)

// Repository implements storage.Repository using SQLite
type Repository struct {
	db *gorm.DB
}

// New creates a new SQLite repository
func New(dsn string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(dsn)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Repository{db: db}, nil
}

// withPragmas adds a busy timeout so the daemon and CLI can share one file
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Owner{},
		&models.Account{},
		&models.Resource{},
		&models.Review{},
		&models.Response{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, storage.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s %d: %w", what, id, err)
}

// Owner operations

func (r *Repository) CreateOwner(ctx context.Context, owner *models.Owner) error {
	return r.db.WithContext(ctx).Create(owner).Error
}

func (r *Repository) GetOwner(ctx context.Context, id uint) (*models.Owner, error) {
	var owner models.Owner
	if err := r.db.WithContext(ctx).First(&owner, id).Error; err != nil {
		return nil, notFound(err, "owner", id)
	}
	return &owner, nil
}

func (r *Repository) ListOwners(ctx context.Context, activeOnly bool) ([]*models.Owner, error) {
	var owners []*models.Owner
	query := r.db.WithContext(ctx).Order("id ASC")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	if err := query.Find(&owners).Error; err != nil {
		return nil, err
	}
	return owners, nil
}

func (r *Repository) SetOwnerActive(ctx context.Context, id uint, active bool) error {
	res := r.db.WithContext(ctx).Model(&models.Owner{}).
		Where("id = ?", id).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("owner %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// Account operations

func (r *Repository) CreateAccount(ctx context.Context, account *models.Account) error {
	account.Valid = true
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *Repository) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, notFound(err, "account", id)
	}
	return &account, nil
}

func (r *Repository) ListAccounts(ctx context.Context, ownerID uint) ([]*models.Account, error) {
	var accounts []*models.Account
	query := r.db.WithContext(ctx).Order("id ASC")
	if ownerID != 0 {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// SubmitCredentials replaces the credential blob and marks the account valid again
func (r *Repository) SubmitCredentials(ctx context.Context, accountID uint, credentials []byte) error {
	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"credentials":    credentials,
			"valid":          true,
			"last_error":     "",
			"invalidated_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to submit credentials: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %d: %w", accountID, storage.ErrNotFound)
	}
	return nil
}

// InvalidateAccount flips a valid account to invalid and records why.
// It reports false when the account was already invalid, so callers can
// notify exactly once per failure.
func (r *Repository) InvalidateAccount(ctx context.Context, accountID uint, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND valid = ?", accountID, true).
		Updates(map[string]interface{}{
			"valid":          false,
			"last_error":     reason,
			"invalidated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to invalidate account: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Resource operations

func (r *Repository) CreateResource(ctx context.Context, resource *models.Resource) error {
	resource.Active = true
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(resource)
	if res.Error != nil {
		return fmt.Errorf("failed to create resource: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resource %s under account %d: %w", resource.ExternalID, resource.AccountID, storage.ErrDuplicate)
	}
	return nil
}

func (r *Repository) GetResource(ctx context.Context, id uint) (*models.Resource, error) {
	var resource models.Resource
	if err := r.db.WithContext(ctx).First(&resource, id).Error; err != nil {
		return nil, notFound(err, "resource", id)
	}
	return &resource, nil
}

func (r *Repository) ListResources(ctx context.Context, filter storage.ResourceFilter) ([]*models.Resource, error) {
	var resources []*models.Resource
	query := r.db.WithContext(ctx).Model(&models.Resource{}).Order("id ASC")

	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.AccountID != nil {
		query = query.Where("account_id = ?", *filter.AccountID)
	}
	if filter.ActiveOnly {
		query = query.Where("active = ?", true)
	}

	if err := query.Find(&resources).Error; err != nil {
		return nil, err
	}
	return resources, nil
}

// ListPollableResources returns active resources whose account is currently valid
func (r *Repository) ListPollableResources(ctx context.Context) ([]*models.Resource, error) {
	var resources []*models.Resource
	err := r.db.WithContext(ctx).
		Model(&models.Resource{}).
		Select("resources.*").
		Joins("JOIN accounts ON accounts.id = resources.account_id").
		Where("resources.active = ? AND accounts.valid = ?", true, true).
		Order("resources.owner_id ASC, resources.id ASC").
		Find(&resources).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pollable resources: %w", err)
	}
	return resources, nil
}

func (r *Repository) SetResourceActive(ctx context.Context, id uint, active bool) error {
	res := r.db.WithContext(ctx).Model(&models.Resource{}).
		Where("id = ?", id).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resource %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// AdvanceCursor moves a resource's cursor forward. An older value never
// overwrites a newer one.
func (r *Repository) AdvanceCursor(ctx context.Context, resourceID uint, to time.Time) error {
	to = to.UTC()
	return r.db.WithContext(ctx).Model(&models.Resource{}).
		Where("id = ? AND (last_poll_at IS NULL OR last_poll_at < ?)", resourceID, to).
		Update("last_poll_at", to).Error
}

// Review operations

// InsertReview stores a review, returning storage.ErrDuplicate when the
// (vendor, external id) pair is already known.
func (r *Repository) InsertReview(ctx context.Context, review *models.Review) error {
	if err := review.Validate(); err != nil {
		return err
	}
	if review.Status == "" {
		review.Status = models.ReviewStatusPending
	}
	review.ReviewedAt = review.ReviewedAt.UTC()

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vendor"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(review)
	if res.Error != nil {
		return fmt.Errorf("failed to insert review: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("review %s/%s: %w", review.Vendor, review.ExternalID, storage.ErrDuplicate)
	}
	return nil
}

func (r *Repository) GetReview(ctx context.Context, id uint) (*models.Review, error) {
	var review models.Review
	if err := r.db.WithContext(ctx).Preload("Resource").First(&review, id).Error; err != nil {
		return nil, notFound(err, "review", id)
	}
	return &review, nil
}

func (r *Repository) ListReviews(ctx context.Context, filter storage.ReviewFilter) ([]*models.Review, error) {
	var reviews []*models.Review
	query := r.db.WithContext(ctx).
		Model(&models.Review{}).
		Select("reviews.*").
		Preload("Resource")

	if filter.OwnerID != nil {
		query = query.
			Joins("JOIN resources ON resources.id = reviews.resource_id").
			Where("resources.owner_id = ?", *filter.OwnerID)
	}
	if filter.ResourceID != nil {
		query = query.Where("reviews.resource_id = ?", *filter.ResourceID)
	}
	if filter.Status != nil {
		query = query.Where("reviews.status = ?", *filter.Status)
	}

	if filter.OrderDesc {
		query = query.Order("reviews.reviewed_at DESC, reviews.id DESC")
	} else {
		query = query.Order("reviews.reviewed_at ASC, reviews.id ASC")
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&reviews).Error; err != nil {
		return nil, err
	}
	return reviews, nil
}

// UpdateReviewStatus moves a review from one status to another, failing with
// storage.ErrConflict if the stored status is no longer `from`.
func (r *Repository) UpdateReviewStatus(ctx context.Context, id uint, from, to models.ReviewStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Review{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("failed to update review status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("review %d is no longer %s: %w", id, from, storage.ErrConflict)
	}
	return nil
}

// Response operations

// SaveDraft stores a new current response, retiring any previous current one
func (r *Repository) SaveDraft(ctx context.Context, response *models.Response) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Response{}).
			Where("review_id = ? AND is_current = ?", response.ReviewID, true).
			Update("is_current", false).Error; err != nil {
			return fmt.Errorf("failed to retire previous draft: %w", err)
		}

		response.IsCurrent = true
		if err := tx.Create(response).Error; err != nil {
			return fmt.Errorf("failed to save draft: %w", err)
		}
		return nil
	})
}

func (r *Repository) GetCurrentResponse(ctx context.Context, reviewID uint) (*models.Response, error) {
	var response models.Response
	err := r.db.WithContext(ctx).
		Where("review_id = ? AND is_current = ?", reviewID, true).
		Order("id DESC").
		First(&response).Error
	if err != nil {
		return nil, notFound(err, "current response for review", reviewID)
	}
	return &response, nil
}

func (r *Repository) UpdateResponse(ctx context.Context, response *models.Response) error {
	return r.db.WithContext(ctx).Save(response).Error
}

// ApproveResponse moves the review from `from` to approved and saves the
// approved response in one transaction. Nothing is written on ErrConflict.
func (r *Repository) ApproveResponse(ctx context.Context, response *models.Response, from models.ReviewStatus) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Review{}).
			Where("id = ? AND status = ?", response.ReviewID, from).
			Update("status", models.ReviewStatusApproved)
		if res.Error != nil {
			return fmt.Errorf("failed to update review status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("review %d is no longer %s: %w", response.ReviewID, from, storage.ErrConflict)
		}

		if err := tx.Save(response).Error; err != nil {
			return fmt.Errorf("failed to record approval: %w", err)
		}
		return nil
	})
}

// Ensure Repository implements storage.Repository
var _ storage.Repository = (*Repository)(nil)
