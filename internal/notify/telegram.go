package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/review-agent/pkg/logger"
	"github.com/review-agent/pkg/ratelimit"
)

// Telegram sends notifications through a Telegram bot
type Telegram struct {
	bot         *tgbotapi.BotAPI
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewTelegram creates a bot client for the given token
func NewTelegram(token string, limiter *ratelimit.MultiLimiter, log *logger.Logger) (*Telegram, error) {
	return newTelegram(token, tgbotapi.APIEndpoint, limiter, log)
}

func newTelegram(token, endpoint string, limiter *ratelimit.MultiLimiter, log *logger.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	t := &Telegram{
		bot:         bot,
		rateLimiter: limiter,
		log:         log.WithComponent("telegram"),
	}
	t.log.Info().Str("bot", bot.Self.UserName).Msg("Telegram bot connected")
	return t, nil
}

// Send delivers a Markdown message. Callers escape user text.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if t.rateLimiter != nil {
		if err := t.rateLimiter.Wait(ctx, ratelimit.LimiterTelegram); err != nil {
			return fmt.Errorf("rate limit error: %w", err)
		}
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message to %d: %w", chatID, err)
	}
	return nil
}
