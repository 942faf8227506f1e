package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/domain"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func alertEvent(score int, labels ...domain.Label) *Event {
	return &Event{
		Type:      EventAlertCreated,
		Timestamp: time.Now(),
		Data: &domain.AlertNotification{
			AlertID:       "alert-1",
			TransactionID: "tx-1",
			Score:         score,
			Labels:        labels,
		},
	}
}

func TestShouldSend(t *testing.T) {
	h := testHub()

	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"NoFilter", Subscription{}, alertEvent(20, domain.LabelGeographicMismatch), true},
		{"BelowMinScore", Subscription{MinScore: 50}, alertEvent(45, domain.LabelVelocity), false},
		{"AtMinScore", Subscription{MinScore: 50}, alertEvent(50, domain.LabelVelocity), true},
		{"LabelMatch", Subscription{Labels: []domain.Label{domain.LabelVelocity}}, alertEvent(30, domain.LabelVelocity), true},
		{"LabelMiss", Subscription{Labels: []domain.Label{domain.LabelVelocity}}, alertEvent(20, domain.LabelGeographicMismatch), false},
		{"NilData", Subscription{}, &Event{Type: EventAlertCreated}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{sub: tt.sub}
			if got := h.shouldSend(client, tt.event); got != tt.want {
				t.Errorf("shouldSend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	h.unregister <- client
	time.Sleep(20 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{MinScore: 50},
	}
	h.register <- client

	h.Broadcast(alertEvent(20, domain.LabelGeographicMismatch))
	time.Sleep(50 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive low score alert")
	default:
	}

	h.Broadcast(alertEvent(65, domain.LabelVelocity, domain.LabelHighValueFirstPurchase))

	select {
	case msg := <-client.send:
		var event Event
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if event.Type != EventAlertCreated || event.Data.Score != 65 {
			t.Errorf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive high score alert")
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

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketReceivesBusAlerts(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	b := bus.NewChannelBus(10)
	defer b.Close()
	if _, err := h.Subscribe(ctx, b); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?min_score=30"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitForClients(t, h, 1)

	low, _ := json.Marshal(domain.AlertNotification{AlertID: "a-low", Score: 20})
	high, _ := json.Marshal(domain.AlertNotification{
		AlertID: "a-high",
		Score:   55,
		Labels:  []domain.Label{domain.LabelVelocity, domain.LabelMultipleDeclines},
	})
	_ = b.Publish(ctx, domain.TopicAlertCreated, low)
	_ = b.Publish(ctx, domain.TopicAlertCreated, high)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var event Event
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if event.Data.AlertID != "a-high" {
		t.Errorf("expected first delivered alert a-high, got %s", event.Data.AlertID)
	}
}

func TestHub_InvalidMinScore(t *testing.T) {
	h := testHub()
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws?min_score=abc", nil))
	if w.Code != 400 {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Stats()["connectedClients"].(int) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connected clients", n)
}
