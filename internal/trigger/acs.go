// Package trigger fires the optional agent-execution side-effect after an
// inbound ingest. The HTTP adapter awaits Fire but never fails an ingest
// on its account; when no job is configured, Noop takes its place.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"chatrouter/internal/domain"
)

const requestTimeout = 15 * time.Second

// ACS posts a job trigger to the agent-execution service.
type ACS struct {
	baseURL string
	jobName string
	selfURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewACS creates a trigger client with a pooled HTTP transport and a
// caller-side timeout so the ingest response is never held indefinitely.
func NewACS(baseURL, jobName, selfURL string, logger *slog.Logger) *ACS {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &ACS{
		baseURL: strings.TrimRight(baseURL, "/"),
		jobName: jobName,
		selfURL: selfURL,
		client:  &http.Client{Timeout: requestTimeout, Transport: transport},
		logger:  logger,
	}
}

// Fire posts the trigger for the given entry. Any failure is logged and
// reported as false; it never propagates an error.
func (a *ACS) Fire(ctx context.Context, entry domain.TimelineEntry) bool {
	prompt := BuildPrompt(a.selfURL, entry)
	payload, err := json.Marshal(map[string]string{
		"args": `-p "` + prompt + `"`,
	})
	if err != nil {
		a.logger.Error("trigger payload marshal failed", "err", err)
		return false
	}

	url := fmt.Sprintf("%s/api/jobs/%s/trigger", a.baseURL, a.jobName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		a.logger.Error("trigger request build failed", "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("trigger request failed", "job", a.jobName, "err", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.logger.Warn("trigger rejected", "job", a.jobName, "status", resp.StatusCode)
		return false
	}

	a.logger.Info("trigger fired", "job", a.jobName, "entry_id", entry.ID)
	return true
}

// BuildPrompt renders the single-line prompt sent to the agent. Double
// quotes inside the message text are backslash-escaped so the prompt
// survives the -p "..." wrapping.
func BuildPrompt(selfURL string, entry domain.TimelineEntry) string {
	text := ""
	if entry.Text != nil {
		text = strings.ReplaceAll(*entry.Text, `"`, `\"`)
	}
	return fmt.Sprintf("[ROUTER=%s] [PLATFORM=%s] [CHAT_ID=%s] [IN_REPLY_TO=%d] User message: %s",
		selfURL, entry.Platform, entry.PlatformChatID, entry.ID, text)
}

// Noop is the trigger used when ACS_JOB_NAME is unset.
type Noop struct{}

// Fire does nothing and reports success.
func (Noop) Fire(ctx context.Context, entry domain.TimelineEntry) bool { return true }
