package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goattend/internal/store"
)

// HTTPClient talks to an NLU REST endpoint.
//
// Request:  {"channel": "...", "sender": "<citizen key>", "message": "..."}
// Response: {"responses": ["...", "..."]} or a bare JSON array of
// {"text": "..."} objects.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
	retry  RetryConfig
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(url, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		retry:  DefaultRetryConfig(),
	}
}

type queryRequest struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type queryResponse struct {
	Responses []string `json:"responses"`
}

type textItem struct {
	Text string `json:"text"`
}

func (c *HTTPClient) Query(ctx context.Context, channel, citizenKey, text string) ([]string, error) {
	body, err := json.Marshal(queryRequest{Channel: channel, Sender: citizenKey, Message: text})
	if err != nil {
		return nil, err
	}
	out, err := RetryDo(ctx, c.retry, func() ([]string, error) {
		return c.do(ctx, body)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrDownstreamUnavailable, err)
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, body []byte) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bot: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bot: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("bot: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(data),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return decodeResponses(data)
}

func decodeResponses(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []textItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("bot: decode response: %w", err)
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			if it.Text != "" {
				out = append(out, it.Text)
			}
		}
		return out, nil
	}
	var r queryResponse
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, fmt.Errorf("bot: decode response: %w", err)
	}
	return r.Responses, nil
}
