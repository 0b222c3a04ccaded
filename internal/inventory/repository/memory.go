package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"inventory-tracker/internal/inventory"
)

// MemoryRepository keeps items in process memory with the same version
// semantics as PostgresRepository. Used with STORE_DRIVER=memory.
type MemoryRepository struct {
	mu    sync.Mutex
	items map[string]inventory.Item
	now   func() time.Time
}

func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		items: make(map[string]inventory.Item),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) ApplyUpdate(ctx context.Context, productID string, expectedVersion int64, m inventory.Mutation) (inventory.Item, error) {
	if err := ctx.Err(); err != nil {
		return inventory.Item{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.items[productID]

	if m.Kind == inventory.MutationCreate {
		if exists {
			return inventory.Item{}, inventory.ErrAlreadyExists
		}
		next, _, err := m.Apply(inventory.Item{}, productID, r.now())
		if err != nil {
			return inventory.Item{}, err
		}
		next.Version = 1
		r.items[productID] = next
		return next, nil
	}

	if !exists || current.Removed {
		return inventory.Item{}, inventory.ErrNotFound
	}
	if current.Version != expectedVersion {
		return inventory.Item{}, fmt.Errorf("item %q at version %d, expected %d: %w",
			productID, current.Version, expectedVersion, inventory.ErrConflict)
	}

	next, _, err := m.Apply(current, productID, r.now())
	if err != nil {
		return inventory.Item{}, err
	}
	next.Version = current.Version + 1
	r.items[productID] = next
	return next, nil
}

func (r *MemoryRepository) Get(ctx context.Context, productID string) (inventory.Item, error) {
	if err := ctx.Err(); err != nil {
		return inventory.Item{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[productID]
	if !ok {
		return inventory.Item{}, inventory.ErrNotFound
	}
	return item, nil
}

func (r *MemoryRepository) List(_ context.Context, limit, offset int) ([]inventory.Item, error) {
	r.mu.Lock()
	active := make([]inventory.Item, 0, len(r.items))
	for _, item := range r.items {
		if !item.Removed {
			active = append(active, item)
		}
	}
	r.mu.Unlock()

	sort.Slice(active, func(i, j int) bool { return active[i].ProductID < active[j].ProductID })

	if offset < 0 || offset >= len(active) || limit < 1 {
		return []inventory.Item{}, nil
	}
	end := len(active)
	if limit < end-offset {
		end = offset + limit
	}
	return active[offset:end], nil
}

func (r *MemoryRepository) Count(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, item := range r.items {
		if !item.Removed {
			total++
		}
	}
	return total, nil
}

func (r *MemoryRepository) Health() error {
	return nil
}
