package googleplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/review-agent/internal/models"
	"github.com/review-agent/internal/source"
	"github.com/review-agent/pkg/logger"
	"github.com/review-agent/pkg/ratelimit"
)

// ReplyLimit is the longest reply the Play Console accepts
const ReplyLimit = 350

// Options configures the Google Play connector
type Options struct {
	Endpoint   string // overrides the API host, empty for the default
	Pagination source.Pagination
	ReplyLimit int
}

// Client handles Play Developer API review requests for one service account
type Client struct {
	service     *androidpublisher.Service
	tokens      oauth2.TokenSource
	pagination  source.Pagination
	replyLimit  int
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewClient creates a connector from a service-account JSON blob
func NewClient(ctx context.Context, blob []byte, opts Options, limiter *ratelimit.MultiLimiter, log *logger.Logger) (*Client, error) {
	creds, err := google.CredentialsFromJSON(ctx, blob, androidpublisher.AndroidpublisherScope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrInvalidCredentials, err)
	}

	clientOpts := []option.ClientOption{option.WithTokenSource(creds.TokenSource)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	c, err := newClient(ctx, opts, limiter, log, clientOpts...)
	if err != nil {
		return nil, err
	}
	c.tokens = creds.TokenSource
	return c, nil
}

func newClient(ctx context.Context, opts Options, limiter *ratelimit.MultiLimiter, log *logger.Logger, clientOpts ...option.ClientOption) (*Client, error) {
	srv, err := androidpublisher.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create androidpublisher service: %w", err)
	}

	if opts.ReplyLimit <= 0 || opts.ReplyLimit > ReplyLimit {
		opts.ReplyLimit = ReplyLimit
	}
	if opts.Pagination.PageSize <= 0 || opts.Pagination.PageSize > 100 {
		opts.Pagination.PageSize = 100
	}

	return &Client{
		service:     srv,
		pagination:  opts.Pagination,
		replyLimit:  opts.ReplyLimit,
		rateLimiter: limiter,
		log:         log.WithComponent("googleplay"),
	}, nil
}

// Factory returns a source.Factory building Google Play connectors
func Factory(opts Options, limiter *ratelimit.MultiLimiter, log *logger.Logger) source.Factory {
	return func(ctx context.Context, account *models.Account) (source.Connector, error) {
		return NewClient(ctx, account.Credentials, opts, limiter, log)
	}
}

// Kind returns the vendor kind
func (c *Client) Kind() models.VendorKind {
	return models.VendorGooglePlay
}

func (c *Client) wait(ctx context.Context) error {
	if c.rateLimiter == nil {
		return nil
	}
	if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterGooglePlay); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}
	return nil
}

// Authenticate exchanges the service account for an access token
func (c *Client) Authenticate(ctx context.Context) error {
	if c.tokens == nil {
		return nil
	}
	if _, err := c.tokens.Token(); err != nil {
		return fmt.Errorf("failed to obtain Google token: %w", err)
	}
	return nil
}

// ListNewReviews pages through reviews newest first until it reaches the cursor
func (c *Client) ListNewReviews(ctx context.Context, res *models.Resource, cursor *time.Time) ([]source.NormalizedReview, error) {
	maxPages := c.pagination.PageLimit(cursor)
	var reviews []source.NormalizedReview
	pageToken := ""

	for page := 0; page < maxPages; page++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		call := c.service.Reviews.List(res.ExternalID).MaxResults(int64(c.pagination.PageSize))
		if pageToken != "" {
			call = call.Token(pageToken)
		}

		c.log.Debug().Str("package", res.ExternalID).Int("page", page).Msg("Listing Play reviews")

		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list reviews for %s: %w", res.ExternalID, err)
		}

		for _, r := range resp.Reviews {
			normalized, ok := normalize(r)
			if !ok {
				c.log.Warn().Str("review_id", r.ReviewId).Msg("Skipping malformed review")
				continue
			}
			if !source.IsNew(normalized.ReviewedAt, cursor) {
				// sorted newest first, so everything after this is known
				return reviews, nil
			}
			reviews = append(reviews, normalized)
		}

		if resp.TokenPagination == nil || resp.TokenPagination.NextPageToken == "" {
			return reviews, nil
		}
		pageToken = resp.TokenPagination.NextPageToken
	}

	if cursor != nil {
		c.log.Warn().
			Str("package", res.ExternalID).
			Int("pages", maxPages).
			Time("cursor", *cursor).
			Msg("Page cap reached before the cursor, older reviews were not fetched")
	}

	return reviews, nil
}

// userComment returns the first user comment of a review
func userComment(r *androidpublisher.Review) *androidpublisher.UserComment {
	for _, comment := range r.Comments {
		if comment != nil && comment.UserComment != nil {
			return comment.UserComment
		}
	}
	return nil
}

func normalize(r *androidpublisher.Review) (source.NormalizedReview, bool) {
	uc := userComment(r)
	if r.ReviewId == "" || uc == nil || uc.LastModified == nil {
		return source.NormalizedReview{}, false
	}
	rating := int(uc.StarRating)
	if rating < models.MinRating || rating > models.MaxRating {
		return source.NormalizedReview{}, false
	}

	raw, _ := json.Marshal(r)

	return source.NormalizedReview{
		ExternalID: r.ReviewId,
		Rating:     rating,
		Body:       uc.Text,
		Author:     r.AuthorName,
		AppVersion: uc.AppVersionName,
		Language:   uc.ReviewerLanguage,
		ReviewedAt: time.Unix(uc.LastModified.Seconds, uc.LastModified.Nanos).UTC(),
		Raw:        raw,
	}, true
}

// PostResponse replies to a review, replacing any previous developer reply
func (c *Client) PostResponse(ctx context.Context, res *models.Resource, externalReviewID, text string) (*source.PostResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	body, truncated := source.Truncate(text, c.replyLimit)

	resp, err := c.service.Reviews.Reply(res.ExternalID, externalReviewID, &androidpublisher.ReviewsReplyRequest{
		ReplyText: body,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to reply to review %s: %w", externalReviewID, err)
	}

	c.log.Info().
		Str("package", res.ExternalID).
		Str("review_id", externalReviewID).
		Bool("truncated", truncated).
		Msg("Posted Play review reply")

	if resp.Result != nil && resp.Result.ReplyText != "" {
		body = resp.Result.ReplyText
	}

	return &source.PostResult{
		ExternalID: externalReviewID,
		Text:       body,
		Truncated:  truncated,
	}, nil
}

// ClassifyFailure reports auth failures from the Play API and the token exchange
func (c *Client) ClassifyFailure(err error) source.FailureKind {
	return Classify(err)
}

// Classify is ClassifyFailure without a client
func Classify(err error) source.FailureKind {
	if err == nil {
		return source.FailureTransient
	}
	if errors.Is(err, source.ErrInvalidCredentials) {
		return source.FailureAuth
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if gErr.Code == http.StatusUnauthorized || gErr.Code == http.StatusForbidden {
			return source.FailureAuth
		}
		for _, item := range gErr.Errors {
			switch item.Reason {
			case "permissionDenied", "forbidden", "unauthorized":
				return source.FailureAuth
			}
		}
		return source.FailureTransient
	}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		switch rErr.ErrorCode {
		case "invalid_grant", "unauthorized_client", "invalid_client":
			return source.FailureAuth
		}
		if rErr.Response != nil && (rErr.Response.StatusCode == http.StatusUnauthorized || rErr.Response.StatusCode == http.StatusForbidden) {
			return source.FailureAuth
		}
	}
	return source.FailureTransient
}
