package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/review-agent/internal/agent/ingest"
)

// Client calls a running daemon's admin endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the daemon at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// PollOwner asks the daemon to poll one owner now. A throttled request
// returns *ingest.ThrottledError.
func (c *Client) PollOwner(ctx context.Context, ownerID uint) (*ingest.OwnerResult, error) {
	url := fmt.Sprintf("%s/owners/%d/poll", c.baseURL, ownerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result ingest.OwnerResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode poll result: %w", err)
		}
		return &result, nil
	case http.StatusTooManyRequests:
		seconds, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &ingest.ThrottledError{
			OwnerID: ownerID,
			ResetAt: time.Now().Add(time.Duration(seconds) * time.Second),
		}
	}

	var body errorBody
	json.NewDecoder(resp.Body).Decode(&body)
	return nil, fmt.Errorf("poll failed with status %d: %s", resp.StatusCode, body.Error)
}

// Status returns the daemon's cycle state
func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed with status %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}
