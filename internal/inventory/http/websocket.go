package http

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"inventory-tracker/internal/inventory"
	"inventory-tracker/internal/inventory/hub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	frameEvent = "event"
	frameAck   = "ack"
	frameError = "error"

	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// wsFrame is every server to client message on the socket.
type wsFrame struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"requestId,omitempty"`
	Event     *inventory.UpdateEvent `json:"event,omitempty"`
	Item      *inventory.Item        `json:"item,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// wsRequest is an inventory change submitted over the socket.
type wsRequest struct {
	RequestID string `json:"requestId"`
	inventory.UpdateRequest
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeFrame(f wsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(f)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (w *wsConn) closeWith(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// ServeWebSocket godoc
// @Summary      Two-way inventory socket
// @Description  Pushes {"type":"event"} frames for committed changes and accepts UpdateRequest messages, answered with "ack" or "error" frames.
// @Tags         inventory
// @Param        productId  query  string  false  "Only changes of this product"
// @Success      101
// @Router       /inventory/ws [get]
func (s *StreamHandler) ServeWebSocket(c *gin.Context) {
	topic := topicFor(c)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	sub, err := s.hub.Subscribe(topic)
	if err != nil {
		ws.closeWith(websocket.CloseTryAgainLater, "stream unavailable")
		return
	}
	defer s.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go s.readLoop(ctx, cancel, ws)
	go s.pingLoop(ctx, cancel, ws)

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrSubscriptionClosed) {
				ws.closeWith(websocket.CloseGoingAway, "server shutting down")
			}
			return
		}
		if err := ws.writeFrame(wsFrame{Type: frameEvent, Event: &ev}); err != nil {
			s.logger.Debug("websocket write failed", "topic", topic, "error", err)
			return
		}
	}
}

func (s *StreamHandler) readLoop(ctx context.Context, cancel context.CancelFunc, ws *wsConn) {
	defer cancel()

	conn := ws.conn
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if werr := ws.writeFrame(wsFrame{Type: frameError, Error: "invalid message"}); werr != nil {
				return
			}
			continue
		}

		item, err := s.service.ApplyUpdate(ctx, req.UpdateRequest)
		reply := wsFrame{Type: frameAck, RequestID: req.RequestID, Item: &item}
		if err != nil {
			_, msg := errorStatus(err)
			reply = wsFrame{Type: frameError, RequestID: req.RequestID, Error: msg}
		}
		if err := ws.writeFrame(reply); err != nil {
			return
		}
	}
}

func (s *StreamHandler) pingLoop(ctx context.Context, cancel context.CancelFunc, ws *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				cancel()
				return
			}
		}
	}
}
