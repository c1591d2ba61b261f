package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"forgeloop/internal/events"
)

func TestServeStreamsSessionEvents(t *testing.T) {
	bus := events.NewBus()
	hub := NewHub(bus)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("session"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session=sid"
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Wait for the subscription to be registered before publishing.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount("sid") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount("sid") != 1 {
		t.Fatal("client never registered")
	}

	bus.Publish("sid", events.New(events.StateChange, map[string]any{"from": "IDLE", "to": "PLANNING"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != events.StateChange || ev.Data["to"] != "PLANNING" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestClientDisconnectUnsubscribes(t *testing.T) {
	bus := events.NewBus()
	hub := NewHub(bus)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "sid")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount("sid") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount("sid") != 0 {
		t.Fatal("client not dropped after disconnect")
	}
}
