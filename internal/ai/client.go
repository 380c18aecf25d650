package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/review-agent/internal/config"
	"github.com/review-agent/internal/models"
	"github.com/review-agent/pkg/logger"
	"github.com/review-agent/pkg/ratelimit"
)

// Client wraps the Anthropic SDK client
type Client struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	tone        string
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewClient creates a new Anthropic client
func NewClient(cfg config.AnthropicConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	client := anthropic.NewClient(opts...)

	tone := cfg.Tone
	if tone == "" {
		tone = DefaultTone
	}

	return &Client{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		tone:        tone,
		rateLimiter: limiter,
		log:         log.WithComponent("ai"),
	}
}

// Complete sends a message to Claude and returns the response
func (c *Client) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	// Wait for rate limiter
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterAnthropic); err != nil {
			return "", fmt.Errorf("rate limit error: %w", err)
		}
	}

	c.log.Debug().
		Str("model", c.model).
		Int("max_tokens", c.maxTokens).
		Msg("Sending request to Claude")

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Temperature: anthropic.Float(c.temperature),
		System: []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: systemPrompt,
			},
		},
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(userMessage),
				},
			},
		},
	})

	if err != nil {
		c.log.Error().Err(err).Msg("Claude API error")
		return "", fmt.Errorf("claude API error: %w", err)
	}

	// Extract text from response
	var response string
	for _, block := range message.Content {
		textBlock := block.AsText()
		if textBlock.Text != "" {
			response += textBlock.Text
		}
	}

	c.log.Debug().
		Int("input_tokens", int(message.Usage.InputTokens)).
		Int("output_tokens", int(message.Usage.OutputTokens)).
		Msg("Received Claude response")

	return response, nil
}

// DraftRequest describes the review a reply is drafted for
type DraftRequest struct {
	AppName   string
	Vendor    models.VendorKind
	Rating    int
	Title     string
	Body      string
	Author    string
	Language  string
	MaxLength int // vendor reply limit in characters
}

// DraftRequestFor builds a request from a stored review
func DraftRequestFor(review *models.Review, maxLength int) DraftRequest {
	req := DraftRequest{
		Vendor:    review.Vendor,
		Rating:    review.Rating,
		Title:     review.Title,
		Body:      review.Body,
		Author:    review.Author,
		Language:  review.Language,
		MaxLength: maxLength,
	}
	if review.Resource != nil {
		req.AppName = review.Resource.DisplayName()
	}
	return req
}

// DraftReply asks Claude for a reply to a single review
func (c *Client) DraftReply(ctx context.Context, req DraftRequest) (string, error) {
	reply, err := c.Complete(ctx, fmt.Sprintf(ReplyDraftSystemPrompt, c.tone), buildDraftPrompt(req))
	if err != nil {
		return "", err
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("claude returned an empty reply")
	}
	return reply, nil
}

func buildDraftPrompt(req DraftRequest) string {
	appName := req.AppName
	if appName == "" {
		appName = "our app"
	}
	language := req.Language
	if language == "" {
		language = "the language of the review"
	}
	maxLength := req.MaxLength
	if maxLength <= 0 {
		maxLength = 350
	}

	return fmt.Sprintf(ReplyDraftUserPrompt,
		appName,
		req.Vendor.DisplayName(),
		req.Rating,
		orNone(req.Title),
		orNone(req.Body),
		orNone(req.Author),
		language,
		maxLength,
	)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
