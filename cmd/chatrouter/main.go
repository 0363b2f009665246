package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	logger  *slog.Logger
)

func main() {
	// .env is optional; real environment variables always win.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "chat-router",
		Short:         "Multi-transport chat routing hub",
		Long:          "chat-router normalizes messages from Telegram, Discord and web into one persisted timeline and fans it out to streaming subscribers. Without a subcommand it runs the daemon.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Any first argument that is not a known command name falls
		// through to daemon mode.
		Args: cobra.ArbitraryArgs,
		RunE: runServe,
	}

	root.AddCommand(healthCmd())
	root.AddCommand(conversationsCmd())
	root.AddCommand(timelineCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(respondCmd())
	root.AddCommand(deliverCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
