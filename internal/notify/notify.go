package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/review-agent/internal/models"
	"github.com/review-agent/pkg/logger"
)

// Notifier delivers a text message to an owner's chat
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// LogNotifier writes messages to the log instead of a chat platform
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a notifier used when no bot token is configured
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.WithComponent("notify")}
}

// Send logs the message
func (n *LogNotifier) Send(ctx context.Context, chatID int64, text string) error {
	n.log.Info().Int64("chat_id", chatID).Str("text", text).Msg("Notification")
	return nil
}

// NewReviewsMessage renders the per-cycle summary for one owner
func NewReviewsMessage(total int) string {
	if total == 1 {
		return "You have 1 new review waiting for a reply."
	}
	return fmt.Sprintf("You have %d new reviews waiting for a reply.", total)
}

// CredentialsInvalidMessage tells an owner to resubmit vendor credentials
func CredentialsInvalidMessage(account *models.Account, reason string) string {
	label := account.Label
	if label == "" {
		label = fmt.Sprintf("#%d", account.ID)
	}
	return fmt.Sprintf(
		"Your %s credentials (%s) stopped working and polling is paused.\nReason: %s\nPlease upload new credentials to resume.",
		account.Vendor.DisplayName(), escapeMarkdown(label), escapeMarkdown(reason),
	)
}

// PendingReviewMessage renders a review and its draft reply for approval
func PendingReviewMessage(review *models.Review, draft string) string {
	var b strings.Builder

	app := ""
	if review.Resource != nil {
		app = review.Resource.DisplayName()
	}
	fmt.Fprintf(&b, "*%s* %s (review %d)\n", escapeMarkdown(app), strings.Repeat("★", review.Rating), review.ID)
	if review.Title != "" {
		fmt.Fprintf(&b, "*%s*\n", escapeMarkdown(review.Title))
	}
	if review.Body != "" {
		b.WriteString(escapeMarkdown(review.Body))
		b.WriteString("\n")
	}
	if review.Author != "" {
		fmt.Fprintf(&b, "_%s_\n", escapeMarkdown(review.Author))
	}
	if draft != "" {
		fmt.Fprintf(&b, "\nSuggested reply:\n%s\n", escapeMarkdown(draft))
	}
	return b.String()
}

// escapeMarkdown escapes characters Telegram's legacy Markdown treats as markup
func escapeMarkdown(text string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"`", "\\`",
	)
	return replacer.Replace(text)
}
