package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/skillxchange/trustforge/internal/escrow"
)

const (
	alice = "0xaaaa000000000000000000000000000000000001"
	bob   = "0xbbbb000000000000000000000000000000000002"
	eve   = "0xeeee000000000000000000000000000000000005"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func activeSession() *escrow.Session {
	return &escrow.Session{
		ID:           "ses_1",
		MatchID:      "mat_1",
		ParticipantA: escrow.Participant{Identity: alice},
		ParticipantB: escrow.Participant{Identity: bob},
		Fee:          "0",
		State:        escrow.StateActive,
		Version:      2,
		SessionLink:  "https://meet.example/x",
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AddressedOnly(t *testing.T) {
	client := &Client{identity: alice}
	ev := &Event{Type: EventSessionChanged, SessionID: "ses_1"}

	if !shouldSend(client, envelope{to: strings.ToUpper(alice[:2]) + alice[2:], event: ev}) {
		t.Error("addressee should receive the event regardless of case")
	}
	if shouldSend(client, envelope{to: bob, event: ev}) {
		t.Error("events addressed to another identity must not be sent")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	client := &Client{identity: alice, sub: Subscription{
		EventTypes: []EventType{EventSessionSettled},
	}}

	if shouldSend(client, envelope{to: alice, event: &Event{Type: EventSessionChanged}}) {
		t.Error("Should NOT receive session_changed events")
	}
	if !shouldSend(client, envelope{to: alice, event: &Event{Type: EventSessionSettled}}) {
		t.Error("Should receive session_settled events")
	}
}

func TestShouldSend_SessionFilter(t *testing.T) {
	client := &Client{identity: alice, sub: Subscription{SessionIDs: []string{"ses_2"}}}

	if shouldSend(client, envelope{to: alice, event: &Event{Type: EventSessionChanged, SessionID: "ses_1"}}) {
		t.Error("Should NOT receive unwatched sessions")
	}
	if !shouldSend(client, envelope{to: alice, event: &Event{Type: EventSessionChanged, SessionID: "ses_2"}}) {
		t.Error("Should receive watched session")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, identity: alice, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_SessionChangedReachesParticipantsOnly(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	a := &Client{hub: h, identity: alice, send: make(chan []byte, 256)}
	e := &Client{hub: h, identity: eve, send: make(chan []byte, 256)}
	h.register <- a
	h.register <- e

	h.SessionChanged(ctx, activeSession())

	select {
	case msg := <-a.send:
		var ev struct {
			Type      EventType `json:"type"`
			SessionID string    `json:"sessionId"`
			Data      struct {
				SessionLink   string `json:"sessionLink"`
				PaymentStatus string `json:"paymentStatus"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != EventSessionChanged || ev.SessionID != "ses_1" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Data.SessionLink == "" {
			t.Error("participant view of an active session carries the link")
		}
	case <-time.After(time.Second):
		t.Fatal("participant did not receive the change")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-e.send:
		t.Error("a stranger must not receive session events")
	default:
	}
}

func TestHub_CompletionIsSettledEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	b := &Client{hub: h, identity: bob, send: make(chan []byte, 256)}
	h.register <- b

	s := activeSession()
	s.State = escrow.StateCompleted
	h.SessionChanged(ctx, s)

	select {
	case msg := <-b.send:
		if !strings.Contains(string(msg), `"type":"session_settled"`) {
			t.Errorf("expected settled event, got %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for settled event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// WebSocket tests
// ---------------------------------------------------------------------------

func wsServer(h *Hub) *httptest.Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/ws", func(c *gin.Context) {
		if id := c.Query("as"); id != "" {
			c.Set("authIdentity", id)
		}
		c.Next()
	}, h.HandleWebSocket)
	return httptest.NewServer(r)
}

func TestHandleWebSocket_RequiresIdentity(t *testing.T) {
	h := testHub()
	srv := wsServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("expected 401, got %v", resp)
	}
}

func TestHandleWebSocket_StreamsOwnSessions(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := wsServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?as=" + alice
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.SessionChanged(ctx, activeSession())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"sessionId":"ses_1"`) {
		t.Errorf("unexpected message %s", msg)
	}
}
