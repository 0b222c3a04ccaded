package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"inventory-tracker/internal/inventory"
	"inventory-tracker/internal/inventory/hub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	DefaultHeartbeat = 15 * time.Second

	sseEventName       = "inventory"
	sseHeartbeatName   = "heartbeat"
	wsReadBufferSize   = 1024
	wsWriteBufferSize  = 1024
	wsHandshakeTimeout = 10 * time.Second
)

type Subscriber interface {
	Subscribe(topic string, opts ...hub.SubscribeOption) (*hub.Subscription, error)
	Unsubscribe(sub *hub.Subscription)
}

type StreamOptions struct {
	Heartbeat      time.Duration
	AllowedOrigins []string
}

// StreamHandler exposes hub subscriptions over SSE and WebSocket.
type StreamHandler struct {
	hub       Subscriber
	service   InventoryService
	logger    *slog.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

func NewStreamHandler(h Subscriber, svc InventoryService, logger *slog.Logger, opts StreamOptions) *StreamHandler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	s := &StreamHandler{
		hub:       h,
		service:   svc,
		logger:    logger,
		heartbeat: opts.Heartbeat,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: wsHandshakeTimeout,
		CheckOrigin:      originChecker(opts.AllowedOrigins),
	}
	return s
}

// topicFor returns the per-product topic when productId is set, otherwise the
// topic carrying every change.
func topicFor(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("productId")); id != "" {
		return inventory.ProductTopic(id)
	}
	return inventory.TopicAll
}

func originChecker(origins []string) func(*http.Request) bool {
	if allowsAnyOrigin(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// ServeSSE godoc
// @Summary      Stream committed inventory changes
// @Description  Server-sent events named "inventory" carry one UpdateEvent each. Idle connections receive "heartbeat" events.
// @Tags         inventory
// @Produce      text/event-stream
// @Param        productId  query  string  false  "Only changes of this product"
// @Success      200
// @Failure      503  {object}  errorResponse
// @Router       /inventory/stream [get]
func (s *StreamHandler) ServeSSE(c *gin.Context) {
	topic := topicFor(c)
	sub, err := s.hub.Subscribe(topic)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "stream unavailable"})
		return
	}
	defer s.hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	s.logger.Debug("sse subscriber attached", "topic", topic, "subscription_id", sub.ID())

	ctx := c.Request.Context()
	for {
		ev, err := s.next(ctx, sub)
		switch {
		case err == nil:
			c.SSEvent(sseEventName, ev)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			c.SSEvent(sseHeartbeatName, time.Now().UTC().Format(time.RFC3339))
		default:
			if sub.Dropped() > 0 {
				s.logger.Warn("sse subscriber lost events", "topic", topic, "dropped", sub.Dropped())
			}
			return
		}
		c.Writer.Flush()
	}
}

// next waits for one event or one heartbeat interval, whichever comes first.
func (s *StreamHandler) next(ctx context.Context, sub *hub.Subscription) (inventory.UpdateEvent, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
	defer cancel()
	return sub.Next(waitCtx)
}
