package realtime

import (
	"context"
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

	event := &Event{Type: "order_created", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"order_created", "order_delivered"},
	}}

	created := &Event{Type: "order_created"}
	delivered := &Event{Type: "order_delivered"}
	disputed := &Event{Type: "order_disputed"}

	if !h.shouldSend(client, created) {
		t.Error("Should receive order_created events")
	}
	if !h.shouldSend(client, delivered) {
		t.Error("Should receive order_delivered events")
	}
	if h.shouldSend(client, disputed) {
		t.Error("Should NOT receive order_disputed events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"usr_alice"},
	}}

	matchingBuyer := &Event{
		Type: "order_created",
		Data: map[string]interface{}{"buyerId": "usr_alice", "sellerId": "usr_other"},
	}
	notMatching := &Event{
		Type: "order_created",
		Data: map[string]interface{}{"buyerId": "usr_other", "sellerId": "usr_another"},
	}
	matchingSeller := &Event{
		Type: "order_delivered",
		Data: map[string]interface{}{"buyerId": "usr_bob", "sellerId": "usr_alice"},
	}

	if !h.shouldSend(client, matchingBuyer) {
		t.Error("Should match on buyerId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated users")
	}
	if !h.shouldSend(client, matchingSeller) {
		t.Error("Should match on sellerId")
	}
}

func TestShouldSend_ItemKindFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ItemKinds: []string{"pack"},
	}}

	pack := &Event{
		Type: "order_created",
		Data: map[string]interface{}{"itemKind": "pack"},
	}
	service := &Event{
		Type: "order_created",
		Data: map[string]interface{}{"itemKind": "service"},
	}

	if !h.shouldSend(client, pack) {
		t.Error("Should receive pack orders")
	}
	if h.shouldSend(client, service) {
		t.Error("Should NOT receive service orders")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: 100,
	}}

	large := &Event{
		Type: "order_created",
		Data: map[string]interface{}{"vpAmount": 150.0},
	}
	small := &Event{
		Type: "order_created",
		Data: map[string]interface{}{"vpAmount": 50.0},
	}
	noAmount := &Event{
		Type: "order_disputed",
		Data: map[string]interface{}{"orderId": "ord_1"},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large order")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small order")
	}
	if !h.shouldSend(client, noAmount) {
		t.Error("MinAmount filter should pass events without an amount")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "order_created"}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"usr_alice"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: "order_created",
		Data: "string data not a map",
	}

	// User filter skips non-map data (can't extract participants), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when user filter can't extract participants")
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

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: "order_created", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
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

func TestHub_BroadcastToClient(t *testing.T) {
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

	h.Broadcast(&Event{
		Type:      "order_created",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"orderId": "ord_1", "vpAmount": 150.0},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastOrderEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastOrderEvent("order_confirmed", map[string]interface{}{
		"orderId": "ord_1", "buyerId": "usr_a", "sellerId": "usr_b",
	})
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

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants disputes
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"order_disputed"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a creation event (should be filtered out)
	h.Broadcast(&Event{Type: "order_created", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive order_created event")
	default:
		// Good - filtered out
	}

	// Send a dispute event (should be received)
	h.Broadcast(&Event{Type: "order_disputed", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive order_disputed event")
	}
}
