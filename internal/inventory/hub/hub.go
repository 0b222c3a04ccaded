// Package hub fans committed inventory events out to subscribers.
//
// Every topic holds a set of subscriptions, each with its own bounded queue,
// so a slow observer only ever loses its own events. While a topic has
// subscribers the hub keeps the last published version of every product on it
// and discards anything that is not newer; observers therefore see versions of
// a product strictly increase and use gaps as the signal to re-read the item.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"inventory-tracker/internal/inventory"

	"github.com/google/uuid"
)

const (
	DefaultBufferSize   = 256
	DefaultDrainTimeout = 5 * time.Second
)

var ErrHubClosed = errors.New("hub closed")

// Policy decides what happens when a subscription queue is full.
type Policy int

const (
	// PolicyDropOldest evicts the oldest buffered event to make room.
	PolicyDropOldest Policy = iota
	// PolicyReject refuses the new event and keeps the buffer intact.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyDropOldest:
		return "drop-oldest"
	case PolicyReject:
		return "reject"
	default:
		return "unknown"
	}
}

func ParsePolicy(raw string) (Policy, error) {
	switch raw {
	case "", "drop-oldest":
		return PolicyDropOldest, nil
	case "reject":
		return PolicyReject, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", raw)
	}
}

type Options struct {
	BufferSize   int
	Policy       Policy
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

type Stats struct {
	Topics      int
	Subscribers int
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Stale       uint64
}

type Hub struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	topics      map[string]map[string]*Subscription
	lastVersion map[string]map[string]int64
	closed      bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	stale     atomic.Uint64
}

func New(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		opts:        opts,
		logger:      logger,
		topics:      make(map[string]map[string]*Subscription),
		lastVersion: make(map[string]map[string]int64),
	}
}

type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	bufferSize int
	policy     Policy
	onOverflow OverflowFunc
}

func WithBufferSize(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

func WithPolicy(p Policy) SubscribeOption {
	return func(c *subscribeConfig) { c.policy = p }
}

func WithOverflowFunc(fn OverflowFunc) SubscribeOption {
	return func(c *subscribeConfig) { c.onOverflow = fn }
}

func (h *Hub) Subscribe(topic string, opts ...SubscribeOption) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("subscribe: empty topic")
	}

	cfg := subscribeConfig{
		bufferSize: h.opts.BufferSize,
		policy:     h.opts.Policy,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := newSubscription(uuid.NewString(), topic, cfg.bufferSize, cfg.policy, h.opts.DrainTimeout, h.overflowHandler(cfg.onOverflow))

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		h.topics[topic] = subs
	}
	subs[sub.id] = sub

	h.logger.Debug("subscription opened", "subscription_id", sub.id, "topic", topic)
	return sub, nil
}

// Unsubscribe removes sub from its topic and starts draining it. Safe to call
// more than once and after the observer's connection is gone.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if subs, ok := h.topics[sub.topic]; ok {
		if _, present := subs[sub.id]; present {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(h.topics, sub.topic)
				delete(h.lastVersion, sub.topic)
			}
			h.logger.Debug("subscription removed", "subscription_id", sub.id, "topic", sub.topic)
		}
	}
	h.mu.Unlock()

	sub.drain()
}

// Publish queues ev on every subscription of topic and returns how many
// accepted it. It never blocks on an observer.
func (h *Hub) Publish(topic string, ev inventory.UpdateEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}

	subs := h.topics[topic]
	if len(subs) == 0 {
		h.published.Add(1)
		return 0
	}

	versions, ok := h.lastVersion[topic]
	if !ok {
		versions = make(map[string]int64)
		h.lastVersion[topic] = versions
	}
	if last, ok := versions[ev.ProductID]; ok && ev.Version <= last {
		h.stale.Add(1)
		return 0
	}
	versions[ev.ProductID] = ev.Version
	h.published.Add(1)

	delivered := 0
	for _, sub := range subs {
		queued, err := sub.enqueue(ev)
		if err != nil && errors.Is(err, inventory.ErrChannelOverflow) {
			h.dropped.Add(1)
		}
		if queued {
			delivered++
		}
	}
	h.delivered.Add(uint64(delivered))
	return delivered
}

// Close rejects new subscriptions and drains all existing ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, topicSubs := range h.topics {
		for _, sub := range topicSubs {
			subs = append(subs, sub)
		}
	}
	h.topics = make(map[string]map[string]*Subscription)
	h.lastVersion = make(map[string]map[string]int64)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.drain()
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	topics := len(h.topics)
	subscribers := 0
	for _, subs := range h.topics {
		subscribers += len(subs)
	}
	h.mu.Unlock()

	return Stats{
		Topics:      topics,
		Subscribers: subscribers,
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Stale:       h.stale.Load(),
	}
}

func (h *Hub) overflowHandler(next OverflowFunc) OverflowFunc {
	return func(sub *Subscription, ev inventory.UpdateEvent, err error) {
		h.logger.Warn("subscription queue overflow",
			"subscription_id", sub.id,
			"topic", sub.topic,
			"policy", sub.policy.String(),
			"product_id", ev.ProductID,
			"version", ev.Version,
			"error", err,
		)
		if next != nil {
			next(sub, ev, err)
		}
	}
}
