package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/aobridge/pkg/api"
)

// Client calls a running admin door.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithOperatorToken sets the bearer token sent to a guarded admin door.
func WithOperatorToken(token string) ClientOption {
	return func(c *Client) { c.Token = token }
}

// WithClientHTTP sets the underlying HTTP client.
func WithClientHTTP(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultBridgeTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send posts cmd to /api/admin and decodes the uniform response. The HTTP
// status is returned alongside so callers can tell failures apart; a non-2xx
// status is not an error.
func (c *Client) Send(ctx context.Context, cmd Command) (*api.Response, int, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/admin", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	var out api.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode admin response (status %d): %w", resp.StatusCode, err)
	}
	return &out, resp.StatusCode, nil
}
