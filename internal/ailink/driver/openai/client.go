package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/ailink/driver"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	// maxErrorBody bounds how much of a failed response is kept.
	maxErrorBody = 64 << 10
)

// Client talks to the OpenAI HTTP API or any endpoint compatible with it.
// It streams chat completions and generates images.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Timeout bounds image generation. Streams are bounded by the caller's context.
	Timeout time.Duration
}

var (
	_ driver.ChatDriver     = (*Client)(nil)
	_ driver.ImageGenerator = (*Client)(nil)
)

// NewClient returns a client for baseURL, defaulting to the public API.
func NewClient(baseURL, apiKey string) *Client {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{BaseURL: base, APIKey: strings.TrimSpace(apiKey)}
}

func (c *Client) Name() string { return providerName }

func (c *Client) Capabilities() driver.Capabilities {
	return driver.Capabilities{SupportsTools: true, SupportsImages: true, SupportsStreaming: true}
}

// Stream starts a chat completion and returns its server-sent event stream.
func (c *Client) Stream(ctx context.Context, req *driver.Request) (driver.Stream, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	body, err := buildChatRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/chat/completions", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newEventStream(resp.Body), nil
}

func (c *Client) ready() error {
	switch {
	case c == nil:
		return errors.New("openai client not configured")
	case strings.TrimSpace(c.APIKey) == "":
		return errors.New("api key is required")
	}
	return nil
}

// post sends body as JSON. A non-2xx answer becomes a *driver.ProviderError;
// otherwise the caller owns resp.Body.
func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}

	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &driver.ProviderError{
		Provider:    providerName,
		StatusCode:  resp.StatusCode,
		Message:     strings.TrimSpace(string(raw)),
		RawResponse: raw,
	}
}
