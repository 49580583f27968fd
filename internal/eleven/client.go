// Package eleven issues transient signed WebSocket endpoints for the
// conversational-AI vendor. It runs server-side only: the API key stays with
// this process and is never sent to browsers.
package eleven

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.elevenlabs.io"

// Client requests signed conversation URLs for a fixed agent id.
type Client struct {
	apiKey  string
	agentID string
	baseURL string
	httpc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the vendor base URL (tests point it at a local server).
func WithBaseURL(base string) Option { return func(c *Client) { c.baseURL = base } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpc *http.Client) Option { return func(c *Client) { c.httpc = httpc } }

// NewClient constructs a signed-URL issuer.
func NewClient(apiKey, agentID string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		agentID: agentID,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignedURL fetches a signed conversational WebSocket endpoint for the
// configured agent.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s", c.baseURL, url.QueryEscape(c.agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("eleven: signed url request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("eleven: signed url status=%d body=%s", resp.StatusCode, string(body))
	}

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("eleven: decode signed url response: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("eleven: response missing signed_url")
	}
	return out.SignedURL, nil
}
