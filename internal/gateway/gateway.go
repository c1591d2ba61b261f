// Package gateway routes agent invocations to the right LLM provider,
// applying intent detection, adaptive model selection, a bounded
// concurrency queue for the chat provider, and retry with backoff for
// transient failures.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"forgeloop/internal/ai"
	"forgeloop/internal/logging"
	"forgeloop/internal/metrics"
)

const (
	maxQueuedInvocations = 64
	queueWaitAlert       = 120 * time.Second
	maxRetries           = 3
)

// retryDelays are the backoff steps between retry attempts.
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

// ErrQueueFull is returned when the chat invocation queue is at capacity.
var ErrQueueFull = errors.New("gateway invocation queue full")

// systemPrompts are the fixed role instructions prepended to chat
// invocations. Owned by the deployment; roles without an entry fall back
// to the builder prompt.
var systemPrompts = map[string]string{
	RoleBuilder: "You are an expert software builder. Generate complete, runnable code. " +
		"Emit every file as a fenced code block whose first line is `// filepath: <relative path>`.",
	RoleFixer: "You are a code fixer. Analyze the reported errors and produce corrected code. " +
		"Be precise and change only what is broken.",
	"installer": "You are a dependency installer. Produce exact, minimal install commands and configuration.",
	"coder": "You are an expert software engineer. Generate clean, working code. " +
		"Emit every file as a fenced code block whose first line is `// filepath: <relative path>`.",
	"executor": "You are a build executor. Carry out the requested build steps and report results precisely.",
}

// Request is one agent invocation.
type Request struct {
	SessionID  string
	Role       string
	Prompt     string
	Plan       string // approved plan, composed into execution-role prompts
	Complexity Complexity
	Stream     bool
	OnToken    ai.TokenCallback
}

// Config tunes the gateway.
type Config struct {
	Concurrency int
	Models      ModelSet
}

type waiter struct {
	ready    chan struct{}
	enqueued time.Time
	granted  bool
}

// Gateway is the routing layer between the orchestrator's agents and the
// provider adapters.
type Gateway struct {
	cfg  Config
	bot  *ai.BotClient
	chat *ai.ChatClient
	log  *zap.SugaredLogger

	limiters map[ai.Provider]*rate.Limiter

	mu      sync.Mutex
	running int
	queue   []*waiter
}

// New creates a gateway over the two provider adapters.
func New(cfg Config, bot *ai.BotClient, chat *ai.ChatClient) *Gateway {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &Gateway{
		cfg:  cfg,
		bot:  bot,
		chat: chat,
		log:  logging.Component("gateway"),
		limiters: map[ai.Provider]*rate.Limiter{
			ai.ProviderBot:  rate.NewLimiter(rate.Every(time.Minute/100), 10),
			ai.ProviderChat: rate.NewLimiter(rate.Every(time.Minute/80), 10),
		},
	}
}

// QueueDepth returns the number of chat invocations waiting for a slot.
// Adaptive model selection reads this as Q.
func (g *Gateway) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Invoke routes a request to its provider and returns the normalized
// result. Chat invocations pass through the bounded queue and are retried
// on transient failures.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*ai.Result, error) {
	provider := ProviderForRole(req.Role)
	intent := DetectIntent(req.Prompt)
	prompt := g.composePrompt(req)

	if err := g.limiters[provider].Wait(ctx); err != nil {
		return nil, err
	}

	if provider == ai.ProviderBot {
		if req.Stream {
			return g.bot.InvokeStream(ctx, req.SessionID, req.Role, prompt, req.OnToken)
		}
		return g.bot.Invoke(ctx, req.SessionID, req.Role, prompt)
	}

	sel := SelectModel(g.cfg.Models, req.Role, req.Complexity, intent, g.QueueDepth())
	metrics.Get().ModelSelections.WithLabelValues(sel.Model, sel.Reason).Inc()
	g.log.Infow("model selected",
		"session", req.SessionID, "role", req.Role, "intent", intent,
		"model", sel.Model, "reason", sel.Reason)

	if err := g.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer g.releaseSlot()

	messages := []ai.Message{
		{Role: "system", Content: g.systemPromptFor(req.Role)},
		{Role: "user", Content: prompt},
	}

	return g.invokeChatWithRetry(ctx, sel.Model, messages, req.Stream, req.OnToken)
}

// composePrompt applies the approved-plan composition for execution roles.
func (g *Gateway) composePrompt(req Request) string {
	if req.Plan != "" && isExecutionRole(req.Role) {
		return fmt.Sprintf(
			"APPROVED PLAN:\n%s\n\nNow implement this plan fully. Generate all files.\n\nOriginal request: %s",
			req.Plan, req.Prompt)
	}
	return req.Prompt
}

func (g *Gateway) systemPromptFor(role string) string {
	if p, ok := systemPrompts[role]; ok {
		return p
	}
	return systemPrompts[RoleBuilder]
}

func (g *Gateway) invokeChatWithRetry(ctx context.Context, model string, messages []ai.Message, stream bool, cb ai.TokenCallback) (*ai.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.Get().AIRetriesTotal.Inc()
			g.log.Warnw("retrying chat invocation", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		var res *ai.Result
		var err error
		if stream {
			res, err = g.chat.Stream(ctx, model, messages, cb)
		} else {
			res, err = g.chat.Complete(ctx, model, messages)
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !ai.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// --- bounded concurrency queue ---

func (g *Gateway) acquireSlot(ctx context.Context) error {
	g.mu.Lock()
	if g.running < g.cfg.Concurrency {
		g.running++
		g.mu.Unlock()
		return nil
	}
	if len(g.queue) >= maxQueuedInvocations {
		g.mu.Unlock()
		return ErrQueueFull
	}
	w := &waiter{ready: make(chan struct{}), enqueued: time.Now()}
	g.queue = append(g.queue, w)
	metrics.Get().GatewayQueueLength.Set(float64(len(g.queue)))
	g.mu.Unlock()

	select {
	case <-w.ready:
		wait := time.Since(w.enqueued)
		metrics.Get().GatewayQueueWait.Observe(wait.Seconds())
		if wait > queueWaitAlert {
			g.log.Errorw("gateway queue wait exceeded alert threshold",
				"wait", wait, "threshold", queueWaitAlert)
		}
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			g.releaseSlotLocked()
		} else {
			for i, entry := range g.queue {
				if entry == w {
					g.queue = append(g.queue[:i], g.queue[i+1:]...)
					break
				}
			}
			metrics.Get().GatewayQueueLength.Set(float64(len(g.queue)))
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

func (g *Gateway) releaseSlot() {
	g.mu.Lock()
	g.releaseSlotLocked()
	g.mu.Unlock()
}

func (g *Gateway) releaseSlotLocked() {
	if len(g.queue) > 0 {
		head := g.queue[0]
		g.queue = g.queue[1:]
		head.granted = true
		close(head.ready)
		metrics.Get().GatewayQueueLength.Set(float64(len(g.queue)))
		return
	}
	if g.running > 0 {
		g.running--
	}
}
