package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// botService scripts the conversational bot API.
type botService struct {
	mu            sync.Mutex
	conversations int
	posted        []string
	watermarks    []string
	replyAfter    int // polls before the reply appears
	polls         int
}

func (b *botService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.conversations++
		id := fmt.Sprintf("conv-%d", b.conversations)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"conversationId": id})
	})
	mux.HandleFunc("POST /conversations/{id}/activities", func(w http.ResponseWriter, r *http.Request) {
		var activity struct {
			Type string `json:"type"`
			Text string `json:"text"`
			From struct {
				ID string `json:"id"`
			} `json:"from"`
		}
		json.NewDecoder(r.Body).Decode(&activity)
		b.mu.Lock()
		b.posted = append(b.posted, activity.Text)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": "act-1"})
	})
	mux.HandleFunc("GET /conversations/{id}/activities", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.polls++
		b.watermarks = append(b.watermarks, r.URL.Query().Get("watermark"))
		ready := b.polls > b.replyAfter
		watermark := fmt.Sprintf("w-%d", b.polls)
		b.mu.Unlock()

		resp := map[string]any{"watermark": watermark, "activities": []any{}}
		if ready {
			resp["activities"] = []any{
				map[string]any{"id": "a-1", "type": "typing", "from": map[string]string{"id": "assistant"}},
				map[string]any{"id": "a-2", "type": "message", "text": "the plan", "from": map[string]string{"id": "assistant"}, "timestamp": "2026-08-05T00:00:00Z"},
			}
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newBotFixture(t *testing.T, svc *botService) *BotClient {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	return NewBotClient(BotConfig{BaseURL: srv.URL, Secret: "s3cret", ModelID: "supervisor-bot"})
}

func TestInvokePostsRolePrefixedPromptAndPolls(t *testing.T) {
	svc := &botService{replyAfter: 1}
	client := newBotFixture(t, svc)

	res, err := client.Invoke(context.Background(), "sid", "planner", "plan a thing")
	if err != nil {
		t.Fatal(err)
	}

	if res.Content != "the plan" || res.Provider != ProviderBot || res.Model != "supervisor-bot" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ActivityID != "a-2" {
		t.Fatalf("activity id = %q", res.ActivityID)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.posted) != 1 {
		t.Fatalf("posted %d activities", len(svc.posted))
	}
	if !strings.HasPrefix(svc.posted[0], "[Agent Role: PLANNER]\n\n") {
		t.Fatalf("missing role prefix: %q", svc.posted[0])
	}
	if !strings.HasSuffix(svc.posted[0], "plan a thing") {
		t.Fatalf("prompt lost: %q", svc.posted[0])
	}
}

func TestInvokeReusesConversationAndAdvancesWatermark(t *testing.T) {
	svc := &botService{}
	client := newBotFixture(t, svc)

	if _, err := client.Invoke(context.Background(), "sid", "planner", "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Invoke(context.Background(), "sid", "planner", "two"); err != nil {
		t.Fatal(err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.conversations != 1 {
		t.Fatalf("expected one conversation, created %d", svc.conversations)
	}
	// Second invocation must carry the watermark from the first poll.
	last := svc.watermarks[len(svc.watermarks)-1]
	if last == "" {
		t.Fatal("watermark cursor not advanced")
	}
}

func TestInvokeCreatesFreshConversationAfterMaxAge(t *testing.T) {
	svc := &botService{}
	client := newBotFixture(t, svc)

	if _, err := client.Invoke(context.Background(), "sid", "planner", "one"); err != nil {
		t.Fatal(err)
	}
	client.mu.Lock()
	client.conversations["sid"].CreatedAt = time.Now().Add(-conversationMaxAge - time.Minute)
	client.mu.Unlock()

	if _, err := client.Invoke(context.Background(), "sid", "planner", "two"); err != nil {
		t.Fatal(err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.conversations != 2 {
		t.Fatalf("expected a fresh conversation, have %d", svc.conversations)
	}
}

func TestInvokeStreamEmitsWordByWord(t *testing.T) {
	svc := &botService{}
	client := newBotFixture(t, svc)

	var mu sync.Mutex
	var tokens []string
	res, err := client.InvokeStream(context.Background(), "sid", "planner", "p", func(tok string) {
		mu.Lock()
		tokens = append(tokens, tok)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tokens) != 2 { // "the plan" is two words
		t.Fatalf("expected 2 tokens, got %v", tokens)
	}
	if strings.Join(tokens, "") != res.Content {
		t.Fatalf("stream diverges from content: %q vs %q", strings.Join(tokens, ""), res.Content)
	}
}

func TestInvokeSeparateSessionsGetSeparateConversations(t *testing.T) {
	svc := &botService{}
	client := newBotFixture(t, svc)

	if _, err := client.Invoke(context.Background(), "a", "planner", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Invoke(context.Background(), "b", "planner", "y"); err != nil {
		t.Fatal(err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.conversations != 2 {
		t.Fatalf("expected 2 conversations, got %d", svc.conversations)
	}
}
