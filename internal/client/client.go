// Package client is the HTTP client used by the CLI to talk to a running
// hub. Responses are returned as the raw JSON bodies, so CLI output holds
// the same JSON as the HTTP endpoint; the CLI only re-indents it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the hub's /api surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given hub base URL.
func New(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// Health fetches the health body.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/health", nil)
}

// Conversations lists conversations, optionally filtered by platform.
func (c *Client) Conversations(ctx context.Context, platform, limit string) (json.RawMessage, error) {
	q := url.Values{}
	setIf(q, "platform", platform)
	setIf(q, "limit", limit)
	return c.get(ctx, "/api/conversations", q)
}

// Timeline fetches one conversation's timeline, or the unified timeline
// when platform and chatID are empty.
func (c *Client) Timeline(ctx context.Context, platform, chatID, after, before, limit string) (json.RawMessage, error) {
	path := "/api/timeline"
	if platform != "" && chatID != "" {
		path += "/" + url.PathEscape(platform) + "/" + url.PathEscape(chatID)
	}
	q := url.Values{}
	setIf(q, "after", after)
	setIf(q, "before", before)
	setIf(q, "limit", limit)
	return c.get(ctx, path, q)
}

// Ingest posts an inbound message body.
func (c *Client) Ingest(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "/api/messages", body)
}

// Respond posts an outbound-record body.
func (c *Client) Respond(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "/api/responses", body)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, http.StatusOK)
}

func (c *Client) post(ctx context.Context, path string, body json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, http.StatusCreated)
}

func (c *Client) do(req *http.Request, wantStatus int) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read hub response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			return nil, fmt.Errorf("hub returned %d: %s", resp.StatusCode, body.Error)
		}
		return nil, fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	return data, nil
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
