package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/review-agent/internal/models"
	"github.com/review-agent/internal/source"
	"github.com/review-agent/pkg/logger"
	"github.com/review-agent/pkg/ratelimit"
)

const (
	// DefaultBaseURL is the App Store Connect API host
	DefaultBaseURL = "https://api.appstoreconnect.apple.com"

	// ReplyLimit is the longest reply App Store Connect accepts
	ReplyLimit = 5970
)

// Options configures the App Store connector
type Options struct {
	BaseURL    string
	TokenTTL   time.Duration
	Pagination source.Pagination
	ReplyLimit int
	HTTPClient *http.Client
}

// Client handles App Store Connect customer review requests for one API key
type Client struct {
	baseURL     string
	httpClient  *http.Client
	signer      *tokenSigner
	pagination  source.Pagination
	replyLimit  int
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewClient creates a connector from an account credential blob
func NewClient(blob []byte, opts Options, limiter *ratelimit.MultiLimiter, log *logger.Logger) (*Client, error) {
	creds, err := ParseCredentials(blob)
	if err != nil {
		return nil, err
	}
	signer, err := newTokenSigner(creds, opts.TokenTTL)
	if err != nil {
		return nil, err
	}

	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.ReplyLimit <= 0 || opts.ReplyLimit > ReplyLimit {
		opts.ReplyLimit = ReplyLimit
	}
	if opts.Pagination.PageSize <= 0 || opts.Pagination.PageSize > 200 {
		opts.Pagination.PageSize = 200
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  opts.HTTPClient,
		signer:      signer,
		pagination:  opts.Pagination,
		replyLimit:  opts.ReplyLimit,
		rateLimiter: limiter,
		log:         log.WithComponent("appstore"),
	}, nil
}

// Factory returns a source.Factory building App Store connectors
func Factory(opts Options, limiter *ratelimit.MultiLimiter, log *logger.Logger) source.Factory {
	return func(ctx context.Context, account *models.Account) (source.Connector, error) {
		return NewClient(account.Credentials, opts, limiter, log)
	}
}

// Kind returns the vendor kind
func (c *Client) Kind() models.VendorKind {
	return models.VendorAppStore
}

// do performs an authenticated request. target may be a path or an absolute link.
func (c *Client) do(ctx context.Context, method, target, token string, body interface{}) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterAppStore); err != nil {
			return nil, fmt.Errorf("rate limit error: %w", err)
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug().
		Str("method", method).
		Str("url", target).
		Msg("Making App Store Connect request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	c.log.Debug().
		Int("status", resp.StatusCode).
		Msg("App Store Connect response")

	return resp, nil
}

// Authenticate signs a token and makes one cheap call with it
func (c *Client) Authenticate(ctx context.Context) error {
	token, err := c.signer.Sign()
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodGet, "/v1/apps?limit=1", token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

type appResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Name     string `json:"name"`
		BundleID string `json:"bundleId"`
	} `json:"attributes"`
}

// ListApps returns every app visible to the API key
func (c *Client) ListApps(ctx context.Context) ([]source.DiscoveredApp, error) {
	token, err := c.signer.Sign()
	if err != nil {
		return nil, err
	}

	next := "/v1/apps?fields[apps]=name,bundleId&limit=200"
	var apps []source.DiscoveredApp

	for n := 0; next != "" && n < max(c.pagination.MaxPages, 1); n++ {
		body, err := c.fetchPage(ctx, next, token)
		if err != nil {
			return nil, err
		}
		for _, raw := range body.Data {
			var item appResource
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to decode app: %w", err)
			}
			name := item.Attributes.Name
			if name == "" {
				name = item.Attributes.BundleID
			}
			apps = append(apps, source.DiscoveredApp{ExternalID: item.ID, Name: name})
		}
		next = body.Links.Next
	}

	return apps, nil
}

type reviewAttributes struct {
	Rating           int       `json:"rating"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	ReviewerNickname string    `json:"reviewerNickname"`
	CreatedDate      time.Time `json:"createdDate"`
	Territory        string    `json:"territory"`
}

type reviewResource struct {
	Type       string           `json:"type"`
	ID         string           `json:"id"`
	Attributes reviewAttributes `json:"attributes"`
}

type page struct {
	Data  []json.RawMessage `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// ListNewReviews walks customerReviews newest first until it reaches the cursor
func (c *Client) ListNewReviews(ctx context.Context, res *models.Resource, cursor *time.Time) ([]source.NormalizedReview, error) {
	token, err := c.signer.Sign()
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("sort", "-createdDate")
	query.Set("limit", strconv.Itoa(c.pagination.PageSize))
	next := fmt.Sprintf("/v1/apps/%s/customerReviews?%s", url.PathEscape(res.ExternalID), query.Encode())

	maxPages := c.pagination.PageLimit(cursor)
	var reviews []source.NormalizedReview

	for n := 0; next != "" && n < maxPages; n++ {
		body, err := c.fetchPage(ctx, next, token)
		if err != nil {
			return nil, err
		}

		for _, raw := range body.Data {
			var item reviewResource
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to decode review: %w", err)
			}
			if !source.IsNew(item.Attributes.CreatedDate, cursor) {
				// sorted newest first, so everything after this is known
				return reviews, nil
			}
			normalized, ok := normalize(item, raw)
			if !ok {
				c.log.Warn().Str("review_id", item.ID).Int("rating", item.Attributes.Rating).Msg("Skipping malformed review")
				continue
			}
			reviews = append(reviews, normalized)
		}

		next = body.Links.Next
	}

	if cursor != nil && next != "" {
		c.log.Warn().
			Str("app", res.ExternalID).
			Int("pages", maxPages).
			Time("cursor", *cursor).
			Msg("Page cap reached before the cursor, older reviews were not fetched")
	}

	return reviews, nil
}

func (c *Client) fetchPage(ctx context.Context, target, token string) (*page, error) {
	resp, err := c.do(ctx, http.MethodGet, target, token, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}
	return &p, nil
}

func normalize(item reviewResource, raw json.RawMessage) (source.NormalizedReview, bool) {
	attrs := item.Attributes
	if item.ID == "" || attrs.Rating < models.MinRating || attrs.Rating > models.MaxRating {
		return source.NormalizedReview{}, false
	}
	return source.NormalizedReview{
		ExternalID: item.ID,
		Rating:     attrs.Rating,
		Title:      attrs.Title,
		Body:       attrs.Body,
		Author:     attrs.ReviewerNickname,
		Territory:  attrs.Territory,
		ReviewedAt: attrs.CreatedDate,
		Raw:        raw,
	}, true
}

type relationshipData struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type responseRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			ResponseBody string `json:"responseBody"`
		} `json:"attributes"`
		Relationships struct {
			Review struct {
				Data relationshipData `json:"data"`
			} `json:"review"`
		} `json:"relationships"`
	} `json:"data"`
}

// PostResponse creates or replaces the developer response to a review
func (c *Client) PostResponse(ctx context.Context, res *models.Resource, externalReviewID, text string) (*source.PostResult, error) {
	token, err := c.signer.Sign()
	if err != nil {
		return nil, err
	}

	body, truncated := source.Truncate(text, c.replyLimit)

	var req responseRequest
	req.Data.Type = "customerReviewResponses"
	req.Data.Attributes.ResponseBody = body
	req.Data.Relationships.Review.Data = relationshipData{Type: "customerReviews", ID: externalReviewID}

	resp, err := c.do(ctx, http.MethodPost, "/v1/customerReviewResponses", token, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var created struct {
		Data relationshipData `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.log.Info().
		Str("app_id", res.ExternalID).
		Str("review_id", externalReviewID).
		Bool("truncated", truncated).
		Msg("Posted App Store review response")

	return &source.PostResult{
		ExternalID: created.Data.ID,
		Text:       body,
		Truncated:  truncated,
	}, nil
}

// ClassifyFailure reports auth failures for 401/403 and App Store auth error codes
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

	var apiErr *source.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return source.FailureAuth
		}
		switch apiErr.Code {
		case "NOT_AUTHORIZED", "FORBIDDEN_ERROR":
			return source.FailureAuth
		}
	}
	return source.FailureTransient
}

type errorDocument struct {
	Errors []struct {
		Status string `json:"status"`
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// decodeError turns a JSON:API error document into a source.APIError
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &source.APIError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(data))}

	var doc errorDocument
	if err := json.Unmarshal(data, &doc); err == nil && len(doc.Errors) > 0 {
		first := doc.Errors[0]
		apiErr.Code = first.Code
		apiErr.Detail = first.Detail
		if apiErr.Detail == "" {
			apiErr.Detail = first.Title
		}
	}
	if apiErr.Detail == "" {
		apiErr.Detail = resp.Status
	}
	return apiErr
}
