package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "dispute.opened", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"dispute.opened", "dispute.closed"},
	}}

	opened := &Event{Type: "dispute.opened"}
	closed := &Event{Type: "dispute.closed"}
	chat := &Event{Type: "dispute.chat"}

	if !h.shouldSend(client, opened) {
		t.Error("Should receive dispute.opened events")
	}
	if !h.shouldSend(client, closed) {
		t.Error("Should receive dispute.closed events")
	}
	if h.shouldSend(client, chat) {
		t.Error("Should NOT receive dispute.chat events")
	}
}

func TestShouldSend_TradeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		TradeIDs: []string{"trade-1"},
	}}

	matching := &Event{Type: "dispute.opened", TradeID: "trade-1"}
	notMatching := &Event{Type: "dispute.opened", TradeID: "trade-2"}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on trade id")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other trades")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "dispute.opened"}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Publish
// ---------------------------------------------------------------------------

func TestPublish_LiftsTradeID(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{TradeIDs: []string{"trade-9"}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish("dispute.chat", map[string]interface{}{"tradeId": "trade-9", "message": "hi"})

	select {
	case raw := <-client.send:
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if event.TradeID != "trade-9" {
			t.Errorf("Expected tradeId trade-9 in header, got %q", event.TradeID)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for published event")
	}
}

func TestTradeIDOf_UnknownShape(t *testing.T) {
	if got := tradeIDOf("just a string"); got != "" {
		t.Errorf("Expected empty trade id for non-object payload, got %q", got)
	}
	if got := tradeIDOf(map[string]interface{}{"other": 1}); got != "" {
		t.Errorf("Expected empty trade id when field missing, got %q", got)
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
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants adjudications
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"dispute.closed"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// A chat event should be filtered out
	h.Broadcast(&Event{Type: "dispute.chat", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive chat event")
	default:
		// Good - filtered out
	}

	h.Broadcast(&Event{Type: "dispute.closed", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute.closed event")
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
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
