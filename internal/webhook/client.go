// Package webhook performs the outbound JSON POSTs of webhook actions.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskpilot/internal/core"
)

const maxResponseBody = 64 << 10

// Client implements core.WebhookPoster.
type Client struct {
	client    *http.Client
	userAgent string
}

func NewClient(userAgent string) *Client {
	return &Client{client: &http.Client{}, userAgent: userAgent}
}

// Post sends payload as JSON to url. The whole exchange, body included, is
// bounded by timeout. Any HTTP status is returned without error.
func (c *Client) Post(ctx context.Context, url string, payload any, timeout time.Duration) (core.WebhookResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return core.WebhookResponse{}, fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.WebhookResponse{}, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return core.WebhookResponse{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return core.WebhookResponse{Status: resp.StatusCode}, fmt.Errorf("read webhook response: %w", err)
	}
	return core.WebhookResponse{Status: resp.StatusCode, Body: string(raw)}, nil
}
