package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeloop/internal/logging"
	"forgeloop/internal/metrics"
)

const (
	// botUserID is the constant identity our messages are posted under;
	// replies are any message activity from a different id.
	botUserID = "forgeloop-orchestrator"

	conversationMaxAge = 25 * time.Minute
	pollInterval       = 500 * time.Millisecond
	pollDeadline       = 60 * time.Second

	// streamWordDelay paces the pseudo-stream the bot provider fakes,
	// since the upstream service has no streaming surface.
	streamWordDelay = 15 * time.Millisecond
)

// BotConfig configures the polling bot adapter.
type BotConfig struct {
	BaseURL string
	Secret  string
	ModelID string
}

// conversation caches a bot conversation with its watermark cursor.
type conversation struct {
	ID        string
	Watermark string
	CreatedAt time.Time
}

// BotClient is the synchronous request/poll conversational adapter used
// for supervisory roles.
type BotClient struct {
	cfg  BotConfig
	http *http.Client
	log  *zap.SugaredLogger

	mu            sync.Mutex
	conversations map[string]*conversation // keyed by session ID
}

// NewBotClient creates the adapter.
func NewBotClient(cfg BotConfig) *BotClient {
	if cfg.ModelID == "" {
		cfg.ModelID = "supervisor-bot"
	}
	return &BotClient{
		cfg:           cfg,
		http:          &http.Client{Timeout: 30 * time.Second},
		log:           logging.Component("provider.bot"),
		conversations: make(map[string]*conversation),
	}
}

type botActivity struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	From      struct {
		ID string `json:"id"`
	} `json:"from"`
}

type botActivitySet struct {
	Activities []botActivity `json:"activities"`
	Watermark  string        `json:"watermark"`
}

// Invoke posts a role-prefixed prompt and polls for the reply.
func (b *BotClient) Invoke(ctx context.Context, sessionID, role, prompt string) (*Result, error) {
	start := time.Now()

	conv, err := b.conversationFor(ctx, sessionID)
	if err != nil {
		metrics.Get().AIRequestsTotal.WithLabelValues(string(ProviderBot), "error").Inc()
		return nil, err
	}

	text := fmt.Sprintf("[Agent Role: %s]\n\n%s", strings.ToUpper(role), prompt)
	if err := b.postActivity(ctx, conv.ID, text); err != nil {
		metrics.Get().AIRequestsTotal.WithLabelValues(string(ProviderBot), "error").Inc()
		return nil, err
	}

	reply, err := b.pollReply(ctx, conv)
	if err != nil {
		metrics.Get().AIRequestsTotal.WithLabelValues(string(ProviderBot), "error").Inc()
		return nil, err
	}

	metrics.Get().AIRequestsTotal.WithLabelValues(string(ProviderBot), "success").Inc()
	metrics.Get().AIRequestDuration.WithLabelValues(string(ProviderBot)).Observe(time.Since(start).Seconds())

	return &Result{
		Content:    reply.Text,
		Provider:   ProviderBot,
		Model:      b.cfg.ModelID,
		LatencyMs:  time.Since(start).Milliseconds(),
		ActivityID: reply.ID,
		Timestamp:  time.Now(),
	}, nil
}

// InvokeStream fakes streaming by emitting the final response word by
// word with a small inter-word delay.
func (b *BotClient) InvokeStream(ctx context.Context, sessionID, role, prompt string, cb TokenCallback) (*Result, error) {
	res, err := b.Invoke(ctx, sessionID, role, prompt)
	if err != nil {
		return nil, err
	}
	if cb != nil {
		words := strings.Fields(res.Content)
		for i, w := range words {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			default:
			}
			if i < len(words)-1 {
				cb(w + " ")
			} else {
				cb(w)
			}
			time.Sleep(streamWordDelay)
		}
	}
	return res, nil
}

// conversationFor reuses the session's conversation while it is fresh
// enough, creating a new one after the 25-minute window.
func (b *BotClient) conversationFor(ctx context.Context, sessionID string) (*conversation, error) {
	b.mu.Lock()
	conv, ok := b.conversations[sessionID]
	b.mu.Unlock()
	if ok && time.Since(conv.CreatedAt) < conversationMaxAge {
		return conv, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(b.cfg.BaseURL, "/")+"/conversations", nil)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderBot, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.Secret)

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderBot, Kind: KindConnection, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Provider: ProviderBot,
			Kind:     KindHTTPStatus,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(raw)),
		}
	}

	var parsed struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.ConversationID == "" {
		return nil, &ProviderError{Provider: ProviderBot, Kind: KindBadPayload, Message: "missing conversationId"}
	}

	conv = &conversation{ID: parsed.ConversationID, CreatedAt: time.Now()}
	b.mu.Lock()
	b.conversations[sessionID] = conv
	b.mu.Unlock()
	b.log.Infow("bot conversation created", "session", sessionID, "conversation", conv.ID)
	return conv, nil
}

func (b *BotClient) postActivity(ctx context.Context, conversationID, text string) error {
	payload, err := json.Marshal(map[string]any{
		"type": "message",
		"from": map[string]string{"id": botUserID},
		"text": text,
	})
	if err != nil {
		return &ProviderError{Provider: ProviderBot, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/activities",
		strings.TrimRight(b.cfg.BaseURL, "/"), url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Provider: ProviderBot, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.Secret)

	resp, err := b.http.Do(req)
	if err != nil {
		return &ProviderError{Provider: ProviderBot, Kind: KindConnection, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Provider: ProviderBot, Kind: KindHTTPStatus, Status: resp.StatusCode, Message: "post activity failed"}
	}
	return nil
}

// pollReply polls the activities endpoint with the watermark cursor until
// a non-self message arrives or the deadline passes.
func (b *BotClient) pollReply(ctx context.Context, conv *conversation) (*botActivity, error) {
	deadline := time.Now().Add(pollDeadline)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		set, err := b.fetchActivities(ctx, conv)
		if err != nil {
			return nil, err
		}
		if set.Watermark != "" {
			conv.Watermark = set.Watermark
		}

		var reply *botActivity
		for i := range set.Activities {
			a := set.Activities[i]
			if a.Type == "message" && a.From.ID != botUserID {
				reply = &set.Activities[i]
			}
		}
		if reply != nil {
			return reply, nil
		}
	}

	return nil, &ProviderError{Provider: ProviderBot, Kind: KindNoResponse, Message: "bot did not answer within 60s"}
}

func (b *BotClient) fetchActivities(ctx context.Context, conv *conversation) (*botActivitySet, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/activities",
		strings.TrimRight(b.cfg.BaseURL, "/"), url.PathEscape(conv.ID))
	if conv.Watermark != "" {
		endpoint += "?watermark=" + url.QueryEscape(conv.Watermark)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderBot, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.Secret)

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderBot, Kind: KindConnection, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderBot, Kind: KindConnection, Message: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Provider: ProviderBot,
			Kind:     KindHTTPStatus,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(raw)),
		}
	}

	var set botActivitySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, &ProviderError{Provider: ProviderBot, Kind: KindBadPayload, Message: err.Error(), Err: err}
	}
	return &set, nil
}
