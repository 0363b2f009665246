package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"chatrouter/internal/client"
	"chatrouter/internal/config"

	"github.com/spf13/cobra"
)

// newClient builds the API client for a running hub from CHAT_ROUTER_URL.
func newClient() (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return client.New(cfg.RouterURL), nil
}

// printJSON pretty-prints a raw API response to stdout.
func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), buf.String())
	return nil
}

// readBody returns the --json flag when set, otherwise the full stdin.
func readBody(cmd *cobra.Command, jsonFlag string) (json.RawMessage, error) {
	if jsonFlag != "" {
		return json.RawMessage(jsonFlag), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no message body: pass --json or pipe JSON on stdin")
	}
	return json.RawMessage(data), nil
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show hub health and counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			raw, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

func conversationsCmd() *cobra.Command {
	var platform, limit string
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations by last activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			raw, err := c.Conversations(cmd.Context(), platform, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "filter by platform (telegram, discord, web)")
	cmd.Flags().StringVar(&limit, "limit", "", "maximum number of conversations")
	return cmd
}

func timelineCmd() *cobra.Command {
	var after, before, limit string
	cmd := &cobra.Command{
		Use:   "timeline [platform] [chatId]",
		Short: "Show a conversation timeline, or the unified timeline with no arguments",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return fmt.Errorf("timeline takes both platform and chatId, or neither")
			}
			var platform, chatID string
			if len(args) == 2 {
				platform, chatID = args[0], args[1]
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			raw, err := c.Timeline(cmd.Context(), platform, chatID, after, before, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "only entries with id greater than this")
	cmd.Flags().StringVar(&before, "before", "", "only entries with id smaller than this")
	cmd.Flags().StringVar(&limit, "limit", "", "maximum number of entries")
	return cmd
}

func ingestCmd() *cobra.Command {
	var jsonBody string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest an inbound platform message (--json or stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, jsonBody)
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			raw, err := c.Ingest(cmd.Context(), body)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&jsonBody, "json", "", "inbound message as a JSON object")
	return cmd
}

func respondCmd() *cobra.Command {
	var jsonBody string
	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Record an outbound response (--json or stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, jsonBody)
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			raw, err := c.Respond(cmd.Context(), body)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&jsonBody, "json", "", "outbound request as a JSON object")
	return cmd
}
