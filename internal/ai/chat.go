package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgeloop/internal/logging"
	"forgeloop/internal/metrics"
)

const (
	defaultPrimaryTimeout = 120 * time.Second
	fallbackTimeout       = 600 * time.Second
	fallbackStreamTimeout = 900 * time.Second

	defaultTemperature = 0.7
	defaultMaxTokens   = 8192

	streamProgressInterval = 5 * time.Second
)

// ChatConfig configures the chat-completions adapter.
type ChatConfig struct {
	PrimaryURL  string
	PrimaryKey  string
	FallbackURL string
	// Timeout bounds primary-endpoint requests (CHAT_TIMEOUT). Zero means
	// the 120 s default. The fallback keeps its own longer windows.
	Timeout time.Duration
}

// ChatClient talks to OpenAI-compatible chat-completions endpoints with
// primary→fallback failover.
type ChatClient struct {
	cfg  ChatConfig
	http *http.Client
	log  *zap.SugaredLogger
}

// NewChatClient creates the adapter. Per-request timeouts are applied via
// context, not the shared http.Client.
func NewChatClient(cfg ChatConfig) *ChatClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPrimaryTimeout
	}
	return &ChatClient{
		cfg:  cfg,
		http: &http.Client{},
		log:  logging.Component("provider.chat"),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

// chatResponse parses only the fields we use; unknown fields are ignored.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type endpoint struct {
	name    ExecutionProvider
	url     string
	key     string
	timeout time.Duration
}

func (c *ChatClient) endpoints(streaming bool) []endpoint {
	var eps []endpoint
	if c.cfg.PrimaryURL != "" {
		eps = append(eps, endpoint{EndpointPrimary, c.cfg.PrimaryURL, c.cfg.PrimaryKey, c.cfg.Timeout})
	}
	if c.cfg.FallbackURL != "" {
		timeout := fallbackTimeout
		if streaming {
			timeout = fallbackStreamTimeout
		}
		eps = append(eps, endpoint{EndpointFallback, c.cfg.FallbackURL, "", timeout})
	}
	return eps
}

// Complete performs a non-streaming completion, failing over from primary
// to fallback before giving up.
func (c *ChatClient) Complete(ctx context.Context, model string, messages []Message) (*Result, error) {
	start := time.Now()
	var lastErr error

	for i, ep := range c.endpoints(false) {
		if i > 0 {
			metrics.Get().AIFallbacksTotal.WithLabelValues(string(ProviderChat)).Inc()
			c.log.Warnw("failing over to fallback endpoint", "error", lastErr)
		}

		res, err := c.completeOnce(ctx, ep, model, messages)
		if err != nil {
			lastErr = err
			metrics.Get().AIRequestsTotal.WithLabelValues(string(ProviderChat), "error").Inc()
			c.log.Warnw("chat completion failed", "endpoint", ep.name, "error", err)
			continue
		}

		res.LatencyMs = time.Since(start).Milliseconds()
		res.ExecutionProvider = ep.name
		metrics.Get().AIRequestsTotal.WithLabelValues(string(ProviderChat), "success").Inc()
		metrics.Get().AIRequestDuration.WithLabelValues(string(ProviderChat)).Observe(time.Since(start).Seconds())
		return res, nil
	}

	if lastErr == nil {
		lastErr = &ProviderError{Provider: ProviderChat, Kind: KindConnection, Message: "no chat endpoints configured"}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

func (c *ChatClient) completeOnce(ctx context.Context, ep endpoint, model string, messages []Message) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		Stream:      false,
	})
	if err != nil {
		return nil, &ProviderError{Provider: ProviderChat, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}

	resp, err := c.post(ctx, ep, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderChat, Kind: KindConnection, Message: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Provider: ProviderChat,
			Kind:     KindHTTPStatus,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(raw)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProviderError{Provider: ProviderChat, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: ProviderChat, Kind: KindBadPayload, Message: "response has no choices"}
	}

	usedModel := parsed.Model
	if usedModel == "" {
		usedModel = model
	}
	content := parsed.Choices[0].Message.Content
	return &Result{
		Content:    content,
		Provider:   ProviderChat,
		Model:      usedModel,
		TokenCount: nonZero(parsed.Usage.TotalTokens, approxTokens(content)),
		Timestamp:  time.Now(),
	}, nil
}

// Stream performs a streaming completion, invoking cb per content delta.
// The accumulated content is returned in the Result.
func (c *ChatClient) Stream(ctx context.Context, model string, messages []Message, cb TokenCallback) (*Result, error) {
	start := time.Now()
	var lastErr error

	for i, ep := range c.endpoints(true) {
		if i > 0 {
			metrics.Get().AIFallbacksTotal.WithLabelValues(string(ProviderChat)).Inc()
			c.log.Warnw("failing over to fallback endpoint for stream", "error", lastErr)
		}

		content, err := c.streamOnce(ctx, ep, model, messages, cb)
		if err != nil {
			lastErr = err
			metrics.Get().AIRequestsTotal.WithLabelValues(string(ProviderChat), "error").Inc()
			c.log.Warnw("chat stream failed", "endpoint", ep.name, "error", err)
			continue
		}

		metrics.Get().AIRequestsTotal.WithLabelValues(string(ProviderChat), "success").Inc()
		metrics.Get().AIRequestDuration.WithLabelValues(string(ProviderChat)).Observe(time.Since(start).Seconds())
		return &Result{
			Content:           content,
			Provider:          ProviderChat,
			Model:             model,
			LatencyMs:         time.Since(start).Milliseconds(),
			TokenCount:        approxTokens(content),
			ExecutionProvider: ep.name,
			Timestamp:         time.Now(),
		}, nil
	}

	if lastErr == nil {
		lastErr = &ProviderError{Provider: ProviderChat, Kind: KindConnection, Message: "no chat endpoints configured"}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

func (c *ChatClient) streamOnce(ctx context.Context, ep endpoint, model string, messages []Message, cb TokenCallback) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		Stream:      true,
	})
	if err != nil {
		return "", &ProviderError{Provider: ProviderChat, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}

	resp, err := c.post(ctx, ep, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ProviderError{
			Provider: ProviderChat,
			Kind:     KindHTTPStatus,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(raw)),
		}
	}

	var content strings.Builder
	lastProgress := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed keepalives happen; skip rather than abort the stream.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if cb != nil {
			cb(delta)
		}
		if time.Since(lastProgress) >= streamProgressInterval {
			c.log.Debugw("stream progress", "endpoint", ep.name, "chars", content.Len())
			lastProgress = time.Now()
		}
	}
	if err := scanner.Err(); err != nil {
		return "", &ProviderError{Provider: ProviderChat, Kind: KindConnection, Message: err.Error(), Err: err}
	}
	return content.String(), nil
}

func (c *ChatClient) post(ctx context.Context, ep endpoint, body []byte) (*http.Response, error) {
	url := strings.TrimRight(ep.url, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: ProviderChat, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.key != "" {
		req.Header.Set("Authorization", "Bearer "+ep.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindConnection
		if ctx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
		}
		return nil, &ProviderError{Provider: ProviderChat, Kind: kind, Message: err.Error(), Err: err}
	}
	return resp, nil
}

func approxTokens(s string) int {
	return len(strings.Fields(s))
}

func nonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
