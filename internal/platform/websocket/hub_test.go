package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/locations/internal/platform/events"
)

func newClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		hub:    hub,
	}
}

func TestValidTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{events.TopicTransfers, true},
		{events.TopicLocations, true},
		{events.LocationTopic(uuid.NewString()), true},
		{"location:not-a-uuid", false},
		{"location:", false},
		{"Patient/123", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidTopic(tt.topic); got != tt.want {
			t.Errorf("ValidTopic(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(hub, "c1", events.TopicTransfers)

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(events.TopicTransfers) != 1 {
		t.Fatalf("expected one registered subscriber, got %d/%d", hub.ClientCount(), hub.TopicCount(events.TopicTransfers))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(events.TopicTransfers) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}

	hub.Unregister(client)
}

func TestHub_PublishRoutesByTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	locID := uuid.NewString()
	watcher := newClient(hub, "watcher", events.LocationTopic(locID))
	board := newClient(hub, "board", events.TopicTransfers)
	other := newClient(hub, "other", events.TopicLocations)
	hub.Register(watcher)
	hub.Register(board)
	hub.Register(other)

	evt := events.New(events.TransferApproved, events.LocationTopic(locID), "Transfer", "t-1", map[string]string{"status": "approved"})
	if err := hub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case data := <-watcher.Send:
		var got events.Event
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		if got.Type != events.TransferApproved || got.ResourceID != "t-1" {
			t.Errorf("unexpected event %+v", got)
		}
		if !strings.Contains(string(got.Data), "approved") {
			t.Errorf("expected payload to survive, got %s", got.Data)
		}
	default:
		t.Fatal("expected watcher to receive the event")
	}

	for _, c := range []*Client{board, other} {
		select {
		case <-c.Send:
			t.Errorf("%s should not receive events for another topic", c.ID)
		default:
		}
	}
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{events.TopicTransfers}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(slow)

	evt := events.New(events.TransferCreated, events.TopicTransfers, "Transfer", "t", nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast(events.TopicTransfers, evt)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
	if len(slow.Send) != 1 {
		t.Errorf("expected exactly one buffered event, got %d", len(slow.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(hub, "c")
	hub.Register(client)

	reply := hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{events.TopicTransfers, events.TopicLocations}})
	if reply.Type != "subscribed" || len(reply.Topics) != 2 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	hub.Subscribe(client, []string{events.TopicTransfers})
	if len(client.Topics) != 2 {
		t.Errorf("duplicate subscription recorded: %v", client.Topics)
	}

	reply = hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{events.TopicTransfers}})
	if reply.Type != "unsubscribed" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if hub.TopicCount(events.TopicTransfers) != 0 || hub.TopicCount(events.TopicLocations) != 1 {
		t.Errorf("unexpected topic counts after unsubscribe")
	}
	if len(client.Topics) != 1 || client.Topics[0] != events.TopicLocations {
		t.Errorf("unexpected client topics %v", client.Topics)
	}
}

func TestHub_ProcessMessageRejectsUnknown(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(hub, "c")
	hub.Register(client)

	reply := hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"Patient/1"}})
	if reply.Type != "error" || len(reply.Topics) != 1 {
		t.Errorf("expected error reply naming the topic, got %+v", reply)
	}
	if hub.TopicCount("Patient/1") != 0 {
		t.Error("invalid topic must not be subscribed")
	}

	reply = hub.ProcessMessage(client, ClientMessage{Action: "shout", Topics: []string{events.TopicTransfers}})
	if reply.Type != "error" {
		t.Errorf("expected error for unknown action, got %+v", reply)
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := newClient(hub, "a", events.TopicTransfers)
	b := newClient(hub, "b", events.TopicLocations)
	hub.Register(a)
	hub.Register(b)

	hub.Close()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected no clients, got %d", hub.ClientCount())
	}
	if _, ok := <-a.Send; ok {
		t.Error("expected a.Send closed")
	}
	hub.Unregister(b)
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	evt := events.New(events.CapacityChanged, events.TopicLocations, "Location", "l", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := newClient(hub, uuid.NewString(), events.TopicLocations)
			hub.Register(c)
			hub.Unregister(c)
		}(i)
		go func() {
			defer wg.Done()
			hub.Broadcast(events.TopicLocations, evt)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RejectsUnknownInitialTopic(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws?topics=Patient/1", nil)
	rec := httptest.NewRecorder()

	err := h.HandleConnect(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_RequiresUpgrade(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	if err := h.HandleConnect(e.NewContext(req, rec)); err == nil {
		t.Fatal("expected an error for a plain HTTP request")
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), []string{"https://ops.example.org"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if h.upgrader.CheckOrigin(req) {
		t.Error("unexpected origin accepted")
	}
	req.Header.Set("Origin", "https://ops.example.org")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("configured origin rejected")
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=" + events.TopicTransfers
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	locID := uuid.NewString()
	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{events.LocationTopic(locID)}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack ServerMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("failed to read ack: %v", err)
	}
	if ack.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %+v", ack)
	}

	hub.Publish(context.Background(), events.New(events.TransferCompleted, events.TopicTransfers, "Transfer", "t-9", nil))

	var received events.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != events.TransferCompleted || received.ResourceID != "t-9" {
		t.Fatalf("unexpected event %+v", received)
	}
}
