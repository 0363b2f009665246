package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chatrouter/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxSendRetries = 3

// TelegramSender sends chunks through the Telegram Bot API.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramSender connects the bot and returns the sender.
func NewTelegramSender(token string, logger *slog.Logger) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &TelegramSender{bot: bot, logger: logger}, nil
}

func (t *TelegramSender) Platform() domain.Platform { return domain.PlatformTelegram }

// Send delivers one chunk, backing off on rate limits and transient
// errors.
func (t *TelegramSender) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := t.bot.Send(tgbotapi.NewMessage(id, text))
		if err == nil {
			return nil
		}
		lastErr = err

		// Telegram rate limiting (HTTP 429) gets a longer backoff.
		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
		}
		if attempt < telegramMaxSendRetries {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}
