// Package ai contains the two LLM provider adapters: the synchronous
// polling bot service for supervisory roles and the OpenAI-compatible
// chat-completions service for execution roles.
package ai

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider identifies an adapter.
type Provider string

const (
	ProviderBot  Provider = "bot"
	ProviderChat Provider = "chat"
)

// ExecutionProvider identifies which chat endpoint served a request.
type ExecutionProvider string

const (
	EndpointPrimary  ExecutionProvider = "primary"
	EndpointFallback ExecutionProvider = "fallback"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the normalized provider response.
type Result struct {
	Content           string            `json:"content"`
	Provider          Provider          `json:"provider"`
	Model             string            `json:"model"`
	LatencyMs         int64             `json:"latency_ms"`
	TokenCount        int               `json:"token_count,omitempty"`
	ExecutionProvider ExecutionProvider `json:"execution_provider,omitempty"`
	ActivityID        string            `json:"activity_id,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// TokenCallback receives streamed content deltas.
type TokenCallback func(token string)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindTimeout    ErrorKind = "timeout"
	KindHTTPStatus ErrorKind = "http_status"
	KindBadPayload ErrorKind = "bad_payload"
	KindNoResponse ErrorKind = "no_response"
)

// ProviderError is a categorized provider failure.
type ProviderError struct {
	Provider Provider
	Kind     ErrorKind
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrAllProvidersFailed is returned when both chat endpoints failed.
var ErrAllProvidersFailed = errors.New("all chat providers failed")

// retryableMarkers are the transient failure signatures the gateway may
// retry with backoff.
var retryableMarkers = []string{
	"connection",
	"timeout",
	"econnrefused",
	"etimedout",
	"fetch failed",
	"fetch_failed",
}

// IsRetryable reports whether an error belongs to the retryable classes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Kind == KindConnection || pe.Kind == KindTimeout {
			return true
		}
		if pe.Kind == KindHTTPStatus {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
