package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inventory-tracker/internal/inventory"
	"inventory-tracker/internal/inventory/hub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func setupStreamServer(t *testing.T, h *hub.Hub, svc InventoryService, heartbeat time.Duration) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	streams := NewStreamHandler(h, svc, discardLogger(), StreamOptions{Heartbeat: heartbeat})
	r.GET("/inventory/stream", streams.ServeSSE)
	r.GET("/inventory/ws", streams.ServeWebSocket)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func waitForSubscribers(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Subscribers < n {
		if time.Now().After(deadline) {
			t.Fatalf("want %d subscribers, have %d", n, h.Stats().Subscribers)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sseMessage struct {
	event string
	data  string
}

func readSSE(t *testing.T, r *bufio.Reader) sseMessage {
	t.Helper()
	var msg sseMessage
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if msg.event != "" || msg.data != "" {
				return msg
			}
		case strings.HasPrefix(line, "event:"):
			msg.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			msg.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func streamEvent(productID string, version int64) inventory.UpdateEvent {
	return inventory.UpdateEvent{
		ProductID:  productID,
		Quantity:   version * 10,
		Version:    version,
		Timestamp:  time.Now().UTC(),
		UpdateType: inventory.StockAdjusted,
	}
}

func TestStream_SSEDeliversProductEventsInOrder(t *testing.T) {
	h := hub.New(hub.Options{Logger: discardLogger()})
	defer h.Close()
	srv := setupStreamServer(t, h, &stubService{}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/inventory/stream?productId=sku-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("want event stream, got %q", ct)
	}
	waitForSubscribers(t, h, 1)

	h.Publish(inventory.ProductTopic("sku-2"), streamEvent("sku-2", 1))
	for v := int64(1); v <= 3; v++ {
		h.Publish(inventory.ProductTopic("sku-1"), streamEvent("sku-1", v))
	}

	reader := bufio.NewReader(resp.Body)
	for want := int64(1); want <= 3; want++ {
		msg := readSSE(t, reader)
		if msg.event != sseEventName {
			t.Fatalf("want event %q, got %q", sseEventName, msg.event)
		}
		var ev inventory.UpdateEvent
		if err := json.Unmarshal([]byte(msg.data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", msg.data, err)
		}
		if ev.ProductID != "sku-1" || ev.Version != want {
			t.Fatalf("want sku-1 v%d, got %s v%d", want, ev.ProductID, ev.Version)
		}
	}
}

func TestStream_SSESendsHeartbeatWhenIdle(t *testing.T) {
	h := hub.New(hub.Options{Logger: discardLogger()})
	defer h.Close()
	srv := setupStreamServer(t, h, &stubService{}, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/inventory/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	msg := readSSE(t, bufio.NewReader(resp.Body))
	if msg.event != sseHeartbeatName {
		t.Fatalf("want heartbeat, got %q", msg.event)
	}
}

func TestStream_SSEDisconnectUnsubscribes(t *testing.T) {
	h := hub.New(hub.Options{Logger: discardLogger()})
	defer h.Close()
	srv := setupStreamServer(t, h, &stubService{}, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/inventory/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForSubscribers(t, h, 1)

	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Subscribers != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription still registered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/inventory/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestStream_WebSocketPushesEvents(t *testing.T) {
	h := hub.New(hub.Options{Logger: discardLogger()})
	defer h.Close()
	srv := setupStreamServer(t, h, &stubService{}, time.Minute)

	conn := dialWS(t, srv, "?productId=sku-1")
	waitForSubscribers(t, h, 1)

	h.Publish(inventory.ProductTopic("sku-1"), streamEvent("sku-1", 1))
	h.Publish(inventory.ProductTopic("sku-1"), streamEvent("sku-1", 2))

	for want := int64(1); want <= 2; want++ {
		f := readFrame(t, conn)
		if f.Type != frameEvent || f.Event == nil {
			t.Fatalf("want event frame, got %+v", f)
		}
		if f.Event.Version != want {
			t.Fatalf("want version %d, got %d", want, f.Event.Version)
		}
	}
}

func TestStream_WebSocketAcceptsUpdates(t *testing.T) {
	h := hub.New(hub.Options{Logger: discardLogger()})
	defer h.Close()

	svc := &stubService{
		applyFn: func(_ context.Context, req inventory.UpdateRequest) (inventory.Item, error) {
			if req.UpdateType == inventory.StockRemoved {
				return inventory.Item{}, inventory.ErrInvalidQuantity
			}
			item := inventory.Item{ProductID: req.ProductID, Quantity: req.Quantity, Version: 2}
			for _, topic := range inventory.Topics(req.ProductID) {
				h.Publish(topic, inventory.UpdateEvent{ProductID: item.ProductID, Quantity: item.Quantity, Version: item.Version, UpdateType: req.UpdateType})
			}
			return item, nil
		},
	}
	srv := setupStreamServer(t, h, svc, time.Minute)
	conn := dialWS(t, srv, "")
	waitForSubscribers(t, h, 1)

	if err := conn.WriteJSON(map[string]any{
		"requestId":  "r-1",
		"productId":  "sku-1",
		"quantity":   5,
		"updateType": inventory.StockAdded,
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The ack and the broadcast are written by different goroutines.
	seen := map[string]wsFrame{}
	for len(seen) < 2 {
		f := readFrame(t, conn)
		seen[f.Type] = f
	}
	ack, ok := seen[frameAck]
	if !ok || ack.RequestID != "r-1" || ack.Item == nil || ack.Item.Version != 2 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if ev, ok := seen[frameEvent]; !ok || ev.Event.ProductID != "sku-1" {
		t.Fatalf("unexpected event frame: %+v", ev)
	}

	if err := conn.WriteJSON(map[string]any{
		"requestId":  "r-2",
		"productId":  "sku-1",
		"quantity":   500,
		"updateType": inventory.StockRemoved,
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != frameError || f.RequestID != "r-2" || f.Error != inventory.ErrInvalidQuantity.Error() {
		t.Fatalf("want error frame for r-2, got %+v", f)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f = readFrame(t, conn)
	if f.Type != frameError {
		t.Fatalf("want error frame for malformed message, got %+v", f)
	}
}

func TestStream_WebSocketClosesOnHubShutdown(t *testing.T) {
	h := hub.New(hub.Options{Logger: discardLogger(), DrainTimeout: 50 * time.Millisecond})
	srv := setupStreamServer(t, h, &stubService{}, time.Minute)
	conn := dialWS(t, srv, "")
	waitForSubscribers(t, h, 1)

	h.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("want going-away close, got %v", err)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://shop.example"})

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "https://shop.example", want: true},
		{origin: "https://evil.example", want: false},
		{origin: "", want: true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/inventory/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Fatalf("origin %q: want %v, got %v", tt.origin, tt.want, got)
		}
	}

	if !originChecker([]string{"*"})(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Fatal("wildcard should allow any origin")
	}
}
