package chatstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// ChatOptions are the per-request generation settings merged into the request body
type ChatOptions struct {
	Temperature *float64 `toml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP        *float64 `toml:"top_p,omitempty" json:"top_p,omitempty"`
	MaxTokens   int      `toml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	// Tools is passed through verbatim as the "tools" array
	Tools []map[string]any `toml:"tools,omitempty" json:"tools,omitempty"`
	// Extra holds vendor extensions. It cannot override model, messages or stream.
	Extra map[string]any `toml:"extra,omitempty" json:"-"`
}

// Float returns a pointer to v, for optional ChatOptions fields
func Float(v float64) *float64 {
	return &v
}

func (o ChatOptions) clone() ChatOptions {
	out := o
	if o.Tools != nil {
		out.Tools = append([]map[string]any(nil), o.Tools...)
	}
	if o.Extra != nil {
		out.Extra = make(map[string]any, len(o.Extra))
		for k, v := range o.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// buildRequestBody assembles {model, messages, stream: true, ...options}
func buildRequestBody(model string, messages []wireMessage, opts ChatOptions) ([]byte, error) {
	body := make(map[string]any, len(opts.Extra)+7)
	for k, v := range opts.Extra {
		body[k] = v
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if len(opts.Tools) > 0 {
		body["tools"] = opts.Tools
	}
	body["model"] = model
	body["messages"] = messages
	body["stream"] = true

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}

// connection opens streaming chat completion requests against one endpoint
type connection struct {
	client  *http.Client
	url     string
	apiKey  string
	headers map[string]string
	logger  Logger
}

// stream is an open event-stream response
type stream struct {
	events *sseReader
	body   io.ReadCloser
}

func (s *stream) Close() error {
	return s.body.Close()
}

// open sends the request and classifies the response. On success the caller owns the stream.
func (c *connection) open(ctx context.Context, body []byte) (*stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug("POST %s (%d bytes)", c.url, len(body))
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		c.logger.Debug("Chat completion request failed with HTTP %d", resp.StatusCode)
		return nil, classifyStatus(resp.StatusCode, resp.Header, data)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !strings.EqualFold(mediaType, "text/event-stream") {
			defer resp.Body.Close()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
			// Some proxies answer 200 with a JSON error envelope
			var envelope apiErrorResponse
			if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
				return nil, &RetriableError{Status: resp.StatusCode, Code: envelope.Error.code(), Message: envelope.Error.Message}
			}
			return nil, &RetriableError{
				Status:  resp.StatusCode,
				Message: fmt.Sprintf("unexpected content type %q", ct),
			}
		}
	}

	return &stream{events: newSSEReader(resp.Body, MaxEventSize), body: resp.Body}, nil
}
