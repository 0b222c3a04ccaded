package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"inventory-tracker/internal/inventory"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100

	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 10 * time.Millisecond

	relayPublishTimeout = 5 * time.Second
	cacheWriteTimeout   = 2 * time.Second

	lockStripes = 64
)

type Store interface {
	ApplyUpdate(ctx context.Context, productID string, expectedVersion int64, m inventory.Mutation) (inventory.Item, error)
	Get(ctx context.Context, productID string) (inventory.Item, error)
	List(ctx context.Context, limit, offset int) ([]inventory.Item, error)
	Count(ctx context.Context) (int64, error)
}

type Validator interface {
	Validate(req inventory.UpdateRequest) (inventory.Command, error)
}

type Broadcaster interface {
	Publish(topic string, ev inventory.UpdateEvent) int
}

// Publisher forwards committed events to other processes.
type Publisher interface {
	Publish(ctx context.Context, ev inventory.UpdateEvent) error
}

type Cache interface {
	Put(ctx context.Context, item inventory.Item) (bool, error)
	Get(ctx context.Context, productID string) (inventory.Item, bool, error)
}

type Metrics struct {
	Updates   *prometheus.CounterVec
	Conflicts prometheus.Counter
	Exhausted prometheus.Counter
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.retryBackoff = d
		}
	}
}

type Service struct {
	store       Store
	validator   Validator
	broadcaster Broadcaster
	publisher   Publisher
	cache       Cache
	logger      *slog.Logger
	metrics     Metrics

	maxAttempts  int
	retryBackoff time.Duration

	// locks serialise commit and broadcast per product so the hub sees each
	// product's versions in commit order.
	locks [lockStripes]sync.Mutex
}

func New(store Store, validator Validator, broadcaster Broadcaster, logger *slog.Logger, metrics Metrics, opts ...Option) *Service {
	s := &Service{
		store:        store,
		validator:    validator,
		broadcaster:  broadcaster,
		logger:       logger,
		metrics:      metrics,
		maxAttempts:  DefaultMaxAttempts,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyUpdate validates req, commits it with bounded conflict retries and
// broadcasts the committed state.
func (s *Service) ApplyUpdate(ctx context.Context, req inventory.UpdateRequest) (inventory.Item, error) {
	cmd, err := s.validator.Validate(req)
	if err != nil {
		return inventory.Item{}, err
	}
	return s.apply(ctx, cmd)
}

// RemoveItem soft-removes productID. A positive expectedVersion pins the
// write to that version.
func (s *Service) RemoveItem(ctx context.Context, productID string, expectedVersion int64) (inventory.Item, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return inventory.Item{}, fmt.Errorf("%w: productId is required", inventory.ErrInvalidRequest)
	}
	if expectedVersion < 0 {
		return inventory.Item{}, fmt.Errorf("%w: version must not be negative", inventory.ErrInvalidRequest)
	}
	return s.apply(ctx, inventory.Command{
		ProductID:       productID,
		Mutation:        inventory.Retire(),
		ExpectedVersion: expectedVersion,
	})
}

func (s *Service) apply(ctx context.Context, cmd inventory.Command) (inventory.Item, error) {
	attempts := s.maxAttempts
	if cmd.Pinned() {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := s.wait(ctx, attempt); err != nil {
				return inventory.Item{}, err
			}
		}

		item, err := s.attempt(ctx, cmd)
		if errors.Is(err, inventory.ErrConflict) {
			s.logger.Debug("inventory update conflict",
				"product_id", cmd.ProductID,
				"attempt", attempt,
			)
			lastErr = err
			continue
		}
		return item, err
	}

	if cmd.Pinned() {
		return inventory.Item{}, lastErr
	}

	s.metrics.Exhausted.Inc()
	s.logger.Warn("inventory update retries exhausted",
		"product_id", cmd.ProductID,
		"attempts", attempts,
	)
	return inventory.Item{}, fmt.Errorf("%w after %d attempts: %w", inventory.ErrExhausted, attempts, lastErr)
}

// attempt runs one read-modify-write of cmd and broadcasts the result while
// holding the product's lock.
func (s *Service) attempt(ctx context.Context, cmd inventory.Command) (inventory.Item, error) {
	mu := s.lockFor(cmd.ProductID)
	mu.Lock()
	defer mu.Unlock()

	var previous inventory.Item
	expected := cmd.ExpectedVersion
	if cmd.Mutation.Kind != inventory.MutationCreate {
		current, err := s.store.Get(ctx, cmd.ProductID)
		if err != nil {
			return inventory.Item{}, fmt.Errorf("read item %q: %w", cmd.ProductID, err)
		}
		if current.Removed {
			return inventory.Item{}, inventory.ErrNotFound
		}
		previous = current
		expected = current.Version
		if cmd.Pinned() && current.Version != cmd.ExpectedVersion {
			s.metrics.Conflicts.Inc()
			return inventory.Item{}, fmt.Errorf("item %q at version %d, expected %d: %w",
				cmd.ProductID, current.Version, cmd.ExpectedVersion, inventory.ErrConflict)
		}
	}

	item, err := s.store.ApplyUpdate(ctx, cmd.ProductID, expected, cmd.Mutation)
	if errors.Is(err, inventory.ErrConflict) {
		s.metrics.Conflicts.Inc()
		return inventory.Item{}, err
	}
	if err != nil {
		return inventory.Item{}, fmt.Errorf("store %s %q: %w", cmd.Mutation.Kind, cmd.ProductID, err)
	}

	s.committed(ctx, item, cmd.Mutation, item.Quantity-previous.Quantity)
	return item, nil
}

func (s *Service) lockFor(productID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(productID)%lockStripes]
}

// committed fans the new state out. Failures here are logged and never undo
// or fail the write.
func (s *Service) committed(ctx context.Context, item inventory.Item, m inventory.Mutation, delta int64) {
	ev := inventory.NewEvent(item, m, delta)

	for _, topic := range inventory.Topics(item.ProductID) {
		s.broadcaster.Publish(topic, ev)
	}
	s.metrics.Updates.WithLabelValues(string(ev.UpdateType)).Inc()

	if s.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
		if err := s.publisher.Publish(pubCtx, ev); err != nil {
			s.logger.Error("relay inventory event failed",
				"product_id", item.ProductID,
				"version", item.Version,
				"error", err,
			)
		}
		cancel()
	}

	if s.cache != nil {
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
		if _, err := s.cache.Put(cacheCtx, item); err != nil {
			s.logger.Warn("cache inventory snapshot failed",
				"product_id", item.ProductID,
				"version", item.Version,
				"error", err,
			)
		}
		cancel()
	}
}

func (s *Service) wait(ctx context.Context, attempt int) error {
	if s.retryBackoff == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(attempt-1) * s.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetItem returns the latest committed state, preferring the snapshot cache.
func (s *Service) GetItem(ctx context.Context, productID string) (inventory.Item, error) {
	if s.cache != nil {
		item, ok, err := s.cache.Get(ctx, productID)
		if err != nil {
			s.logger.Warn("read inventory snapshot failed", "product_id", productID, "error", err)
		}
		if ok {
			return item, nil
		}
	}

	item, err := s.store.Get(ctx, productID)
	if err != nil {
		return inventory.Item{}, fmt.Errorf("store get: %w", err)
	}

	if s.cache != nil {
		if _, err := s.cache.Put(ctx, item); err != nil {
			s.logger.Warn("cache inventory snapshot failed", "product_id", productID, "error", err)
		}
	}
	return item, nil
}

// ListItems returns one page of active items. Pages beyond the addressable
// range come back empty.
func (s *Service) ListItems(ctx context.Context, page, limit int) (inventory.ItemPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	result := inventory.ItemPage{Items: []inventory.Item{}, Page: page, Limit: limit}

	if page <= math.MaxInt/limit {
		items, err := s.store.List(ctx, limit, (page-1)*limit)
		if err != nil {
			return inventory.ItemPage{}, fmt.Errorf("store list: %w", err)
		}
		result.Items = items
	}

	total, err := s.store.Count(ctx)
	if err != nil {
		return inventory.ItemPage{}, fmt.Errorf("store count: %w", err)
	}
	result.Total = total

	return result, nil
}
