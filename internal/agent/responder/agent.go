package responder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/review-agent/internal/ai"
	"github.com/review-agent/internal/models"
	"github.com/review-agent/internal/notify"
	"github.com/review-agent/internal/source"
	"github.com/review-agent/internal/source/appstore"
	"github.com/review-agent/internal/source/googleplay"
	"github.com/review-agent/internal/storage"
	"github.com/review-agent/pkg/logger"
	"github.com/review-agent/pkg/ratelimit"
)

var (
	// ErrAccountInvalid is returned when the review's vendor account needs new credentials
	ErrAccountInvalid = errors.New("vendor account credentials are invalid")

	// ErrReviewClosed is returned when drafting for a responded or rejected review
	ErrReviewClosed = errors.New("review is already closed")

	// ErrDraftingDisabled is returned when no AI drafter is configured
	ErrDraftingDisabled = errors.New("reply drafting is not configured")

	// ErrNoReplyText is returned when approving a review with neither a draft nor an edit
	ErrNoReplyText = errors.New("no reply text to post")
)

// ThrottledError is returned when an account posts replies too often
type ThrottledError struct {
	AccountID uint
	ResetAt   time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("reply posting for account %d throttled until %s", e.AccountID, e.ResetAt.Format(time.RFC3339))
}

// Drafter produces a reply text for a review
type Drafter interface {
	DraftReply(ctx context.Context, req ai.DraftRequest) (string, error)
}

// DefaultReplyLimits are the vendor reply length limits
var DefaultReplyLimits = map[models.VendorKind]int{
	models.VendorAppStore:   appstore.ReplyLimit,
	models.VendorGooglePlay: googleplay.ReplyLimit,
}

// Config holds responder settings
type Config struct {
	PostLimit    int
	PostWindow   time.Duration
	SurfaceBatch int // max reviews surfaced per owner per run
	ReplyLimits  map[models.VendorKind]int
}

// Option customizes an Agent
type Option func(*Agent)

// WithClock replaces the agent's time source
func WithClock(clock ratelimit.Clock) Option {
	return func(a *Agent) {
		a.now = clock
	}
}

// Agent drives reviews through drafting, approval and posting
type Agent struct {
	repo       storage.Repository
	connectors source.Provider
	drafter    Drafter
	notifier   notify.Notifier
	cfg        Config
	postLimit  *ratelimit.Window
	now        func() time.Time
	log        *logger.Logger
}

// NewAgent creates a new responder agent. drafter may be nil.
func NewAgent(
	repo storage.Repository,
	connectors source.Provider,
	drafter Drafter,
	notifier notify.Notifier,
	cfg Config,
	log *logger.Logger,
	opts ...Option,
) *Agent {
	if cfg.PostLimit <= 0 {
		cfg.PostLimit = 30
	}
	if cfg.PostWindow <= 0 {
		cfg.PostWindow = time.Hour
	}
	if cfg.SurfaceBatch <= 0 {
		cfg.SurfaceBatch = 20
	}
	if cfg.ReplyLimits == nil {
		cfg.ReplyLimits = DefaultReplyLimits
	}

	a := &Agent{
		repo:       repo,
		connectors: connectors,
		drafter:    drafter,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
		log:        log.WithComponent("responder"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.postLimit = ratelimit.NewWindowWithClock(cfg.PostLimit, cfg.PostWindow, a.now)
	return a
}

func (a *Agent) replyLimit(vendor models.VendorKind) int {
	if limit, ok := a.cfg.ReplyLimits[vendor]; ok && limit > 0 {
		return limit
	}
	return DefaultReplyLimits[vendor]
}

// Draft asks the AI for a reply and stores it as the review's current response
func (a *Agent) Draft(ctx context.Context, reviewID uint) (*models.Response, error) {
	review, err := a.repo.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if review.IsClosed() {
		return nil, fmt.Errorf("review %d is %s: %w", reviewID, review.Status, ErrReviewClosed)
	}
	if a.drafter == nil {
		return nil, ErrDraftingDisabled
	}

	limit := a.replyLimit(review.Vendor)
	text, err := a.drafter.DraftReply(ctx, ai.DraftRequestFor(review, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to draft reply for review %d: %w", reviewID, err)
	}

	body, truncated := source.Truncate(text, limit)
	response := &models.Response{
		ReviewID:  review.ID,
		DraftText: body,
		Truncated: truncated,
	}
	if err := a.repo.SaveDraft(ctx, response); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}

	a.log.Info().
		Uint("review_id", reviewID).
		Int("length", len([]rune(body))).
		Bool("truncated", truncated).
		Msg("Drafted reply")

	return response, nil
}

// SurfacePending sends an owner's pending reviews, with drafts, and marks them notified
func (a *Agent) SurfacePending(ctx context.Context, ownerID uint) (int, error) {
	owner, err := a.repo.GetOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	pending := models.ReviewStatusPending
	reviews, err := a.repo.ListReviews(ctx, storage.ReviewFilter{
		OwnerID: &ownerID,
		Status:  &pending,
		Limit:   a.cfg.SurfaceBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending reviews: %w", err)
	}

	surfaced := 0
	for _, r := range reviews {
		review, err := a.repo.GetReview(ctx, r.ID)
		if err != nil {
			a.log.Warn().Err(err).Uint("review_id", r.ID).Msg("Review vanished")
			continue
		}

		draft := ""
		current, err := a.repo.GetCurrentResponse(ctx, review.ID)
		switch {
		case err == nil:
			draft = current.Text()
		case errors.Is(err, storage.ErrNotFound) && a.drafter != nil:
			if resp, err := a.Draft(ctx, review.ID); err != nil {
				a.log.Warn().Err(err).Uint("review_id", review.ID).Msg("Drafting failed, surfacing without draft")
			} else {
				draft = resp.DraftText
			}
		}

		if err := a.notifier.Send(ctx, owner.ChatID, notify.PendingReviewMessage(review, draft)); err != nil {
			a.log.Warn().Err(err).Uint("review_id", review.ID).Msg("Failed to surface review")
			continue
		}

		if err := a.repo.UpdateReviewStatus(ctx, review.ID, models.ReviewStatusPending, models.ReviewStatusNotified); err != nil {
			a.log.Warn().Err(err).Uint("review_id", review.ID).Msg("Review changed while surfacing")
			continue
		}
		surfaced++
	}

	if surfaced > 0 {
		a.log.Info().Uint("owner_id", ownerID).Int("surfaced", surfaced).Msg("Surfaced pending reviews")
	}
	return surfaced, nil
}

// PruneThrottles drops expired per-account posting windows
func (a *Agent) PruneThrottles() int {
	return a.postLimit.Prune()
}

// Approve records the owner's approval and posts the reply to the vendor.
// editedText, when non-empty, replaces the draft.
func (a *Agent) Approve(ctx context.Context, reviewID uint, editedText string) (*models.Response, error) {
	review, err := a.repo.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(review.Status, models.ReviewStatusApproved) {
		return nil, fmt.Errorf("review %d: %w: %s -> %s", reviewID, models.ErrInvalidTransition, review.Status, models.ReviewStatusApproved)
	}
	if review.Resource == nil {
		return nil, fmt.Errorf("review %d has no resource", reviewID)
	}

	account, err := a.repo.GetAccount(ctx, review.Resource.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.Valid {
		return nil, fmt.Errorf("account %d: %w", account.ID, ErrAccountInvalid)
	}

	quota := a.postLimit.Consume(fmt.Sprintf("account:%d", account.ID))
	if !quota.Allowed {
		return nil, &ThrottledError{AccountID: account.ID, ResetAt: quota.ResetAt}
	}

	response, err := a.approvedResponse(ctx, review, editedText)
	if err != nil {
		return nil, err
	}

	now := a.now()
	response.Approved = true
	response.ApprovedAt = &now
	if err := a.repo.ApproveResponse(ctx, response, review.Status); err != nil {
		return nil, fmt.Errorf("failed to approve review %d: %w", review.ID, err)
	}

	log := a.log.WithReviewID(review.ID).WithAccountID(account.ID)
	log.Info().Msg("Reply approved, posting")

	postErr := a.post(ctx, review, account, response)
	if postErr != nil {
		response.PostError = postErr.Error()
		if err := a.repo.UpdateResponse(ctx, response); err != nil {
			log.Error().Err(err).Msg("Failed to record post error")
		}
		if err := a.repo.UpdateReviewStatus(ctx, review.ID, models.ReviewStatusApproved, models.ReviewStatusFailed); err != nil {
			log.Error().Err(err).Msg("Failed to mark review failed")
		}
		log.Warn().Err(postErr).Msg("Posting reply failed")
		return response, fmt.Errorf("failed to post reply for review %d: %w", review.ID, postErr)
	}

	if err := a.repo.UpdateResponse(ctx, response); err != nil {
		log.Error().Err(err).Msg("Failed to record posted reply")
	}
	if err := a.repo.UpdateReviewStatus(ctx, review.ID, models.ReviewStatusApproved, models.ReviewStatusResponded); err != nil {
		return response, fmt.Errorf("reply posted but status update failed: %w", err)
	}

	log.Info().Bool("truncated", response.Truncated).Msg("Reply posted")
	return response, nil
}

// approvedResponse returns the current response with the owner's edit applied
func (a *Agent) approvedResponse(ctx context.Context, review *models.Review, editedText string) (*models.Response, error) {
	response, err := a.repo.GetCurrentResponse(ctx, review.ID)
	if errors.Is(err, storage.ErrNotFound) {
		if editedText == "" {
			return nil, fmt.Errorf("review %d: %w", review.ID, ErrNoReplyText)
		}
		response = &models.Response{ReviewID: review.ID, DraftText: editedText}
		if err := a.repo.SaveDraft(ctx, response); err != nil {
			return nil, fmt.Errorf("failed to save reply: %w", err)
		}
		return response, nil
	}
	if err != nil {
		return nil, err
	}

	if editedText != "" {
		response.FinalText = &editedText
	}
	if response.Text() == "" {
		return nil, fmt.Errorf("review %d: %w", review.ID, ErrNoReplyText)
	}
	return response, nil
}

// post sends the reply and invalidates the account on an auth failure
func (a *Agent) post(ctx context.Context, review *models.Review, account *models.Account, response *models.Response) error {
	conn, err := a.connectors.ConnectorFor(ctx, account)
	if err != nil {
		if errors.Is(err, source.ErrInvalidCredentials) {
			a.invalidate(ctx, review, account, err)
		}
		return err
	}

	result, err := conn.PostResponse(ctx, review.Resource, review.ExternalID, response.Text())
	if err != nil {
		if conn.ClassifyFailure(err) == source.FailureAuth {
			a.invalidate(ctx, review, account, err)
		}
		return err
	}

	now := a.now()
	response.PostedAt = &now
	response.PostError = ""
	if result.Truncated {
		response.Truncated = true
		posted := result.Text
		response.FinalText = &posted
	}
	return nil
}

func (a *Agent) invalidate(ctx context.Context, review *models.Review, account *models.Account, cause error) {
	changed, err := a.repo.InvalidateAccount(ctx, account.ID, cause.Error())
	if err != nil {
		a.log.Error().Err(err).Uint("account_id", account.ID).Msg("Failed to invalidate account")
		return
	}
	if !changed {
		return
	}

	owner, err := a.repo.GetOwner(ctx, review.Resource.OwnerID)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to load owner for credential notice")
		return
	}
	if err := a.notifier.Send(ctx, owner.ChatID, notify.CredentialsInvalidMessage(account, cause.Error())); err != nil {
		a.log.Warn().Err(err).Msg("Failed to send credential notice")
	}
}

// Reject closes a review without replying
func (a *Agent) Reject(ctx context.Context, reviewID uint) error {
	review, err := a.repo.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}

	from := review.Status
	if err := review.Transition(models.ReviewStatusRejected); err != nil {
		return fmt.Errorf("review %d: %w", reviewID, err)
	}
	if err := a.repo.UpdateReviewStatus(ctx, review.ID, from, models.ReviewStatusRejected); err != nil {
		return fmt.Errorf("failed to reject review %d: %w", reviewID, err)
	}

	a.log.Info().Uint("review_id", reviewID).Msg("Review rejected")
	return nil
}
