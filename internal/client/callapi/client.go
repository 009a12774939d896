// Package callapi is a small client for the backend call REST API
package callapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"secureconnect-callagent/pkg/logger"
)

// Client calls the backend on behalf of the agent user
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. timeout bounds every request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Reconnect re-attaches the agent user to an ongoing call
// POST /v1/calls/:id/reconnect
func (c *Client) Reconnect(ctx context.Context, callID string) error {
	endpoint := fmt.Sprintf("%s/v1/calls/%s/reconnect", c.baseURL, url.PathEscape(callID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build reconnect request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reconnect request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Debug("Reconnect rejected",
			zap.String("call_id", callID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return fmt.Errorf("reconnect failed with status %d", resp.StatusCode)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
