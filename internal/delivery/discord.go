package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"chatrouter/internal/domain"

	"github.com/bwmarrin/discordgo"
)

// DiscordChunkCap is Discord's per-message character limit.
const DiscordChunkCap = 2000

// DiscordSender sends chunks through the Discord REST API. No gateway
// connection is opened; plain channel sends need none.
type DiscordSender struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// NewDiscordSender creates the sender from a bot token.
func NewDiscordSender(token string, logger *slog.Logger) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordSender{session: session, logger: logger}, nil
}

func (d *DiscordSender) Platform() domain.Platform { return domain.PlatformDiscord }

// Send posts one chunk to the channel identified by chatID.
func (d *DiscordSender) Send(ctx context.Context, chatID, text string) error {
	_, err := d.session.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send to %s: %w", chatID, err)
	}
	return nil
}
