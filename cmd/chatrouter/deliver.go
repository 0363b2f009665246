package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chatrouter/internal/config"
	"chatrouter/internal/delivery"
	"chatrouter/internal/domain"

	"github.com/spf13/cobra"
)

// deliverCmd runs a platform-side outbound delivery adapter against a
// running hub: it consumes push frames from /ws and sends out-direction
// entries for its platform through the platform API.
func deliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver <platform>",
		Short: "Run the outbound delivery adapter for telegram or discord",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

			sender, chunkCap, err := buildSender(domain.Platform(args[0]), cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := delivery.New(delivery.Config{
				URL:      cfg.StreamURL(),
				Sender:   sender,
				ChunkCap: chunkCap,
				Logger:   logger,
			})

			go func() {
				<-ctx.Done()
				d.Close()
			}()

			logger.Info("delivery adapter starting", "platform", args[0], "hub", cfg.StreamURL())
			return d.Run(ctx)
		},
	}
}

func buildSender(platform domain.Platform, cfg *config.Config) (delivery.Sender, int, error) {
	switch platform {
	case domain.PlatformTelegram:
		if cfg.Telegram.Token == "" {
			return nil, 0, fmt.Errorf("TELEGRAM_BOT_TOKEN is not set")
		}
		s, err := delivery.NewTelegramSender(cfg.Telegram.Token, logger)
		if err != nil {
			return nil, 0, err
		}
		return s, delivery.DefaultChunkCap, nil
	case domain.PlatformDiscord:
		if cfg.Discord.Token == "" {
			return nil, 0, fmt.Errorf("DISCORD_BOT_TOKEN is not set")
		}
		s, err := delivery.NewDiscordSender(cfg.Discord.Token, logger)
		if err != nil {
			return nil, 0, err
		}
		return s, delivery.DiscordChunkCap, nil
	case domain.PlatformWeb:
		return nil, 0, fmt.Errorf("web delivery happens over the stream socket; no adapter needed")
	default:
		return nil, 0, fmt.Errorf("unknown platform %q (want telegram or discord)", platform)
	}
}
