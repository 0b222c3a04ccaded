package inventory

import (
	"fmt"
	"math"
	"time"
)

type MutationKind int

const (
	MutationAdd MutationKind = iota + 1
	MutationRemove
	MutationSet
	MutationCreate
	MutationRetire
)

func (k MutationKind) String() string {
	switch k {
	case MutationAdd:
		return "add"
	case MutationRemove:
		return "remove"
	case MutationSet:
		return "set"
	case MutationCreate:
		return "create"
	case MutationRetire:
		return "retire"
	default:
		return "unknown"
	}
}

// Mutation is a validated change to a single item.
type Mutation struct {
	Kind     MutationKind
	Quantity int64
	Name     string
}

func Add(n int64) Mutation { return Mutation{Kind: MutationAdd, Quantity: n} }

func Remove(n int64) Mutation { return Mutation{Kind: MutationRemove, Quantity: n} }

func SetQuantity(n int64) Mutation { return Mutation{Kind: MutationSet, Quantity: n} }

func Create(name string, qty int64) Mutation {
	return Mutation{Kind: MutationCreate, Name: name, Quantity: qty}
}

// Retire soft-removes an item: quantity drops to zero and the row is flagged.
func Retire() Mutation { return Mutation{Kind: MutationRetire} }

func (m Mutation) UpdateType() UpdateType {
	switch m.Kind {
	case MutationAdd:
		return StockAdded
	case MutationRemove:
		return StockRemoved
	case MutationCreate:
		return ItemCreated
	default:
		return StockAdjusted
	}
}

// Apply computes the state that results from applying m to current at now.
// current is ignored for MutationCreate. The returned delta is the signed
// quantity change. Version bookkeeping is left to the store.
func (m Mutation) Apply(current Item, productID string, now time.Time) (Item, int64, error) {
	switch m.Kind {
	case MutationCreate:
		return Item{
			ProductID:   productID,
			ProductName: m.Name,
			Quantity:    m.Quantity,
			LastUpdated: now,
		}, m.Quantity, nil
	case MutationAdd:
		if m.Quantity > math.MaxInt64-current.Quantity {
			return Item{}, 0, fmt.Errorf("add %d to %d overflows: %w", m.Quantity, current.Quantity, ErrInvalidQuantity)
		}
		next := current
		next.Quantity += m.Quantity
		next.LastUpdated = now
		return next, m.Quantity, nil
	case MutationRemove:
		if current.Quantity < m.Quantity {
			return Item{}, 0, fmt.Errorf("remove %d from %d: %w", m.Quantity, current.Quantity, ErrInvalidQuantity)
		}
		next := current
		next.Quantity -= m.Quantity
		next.LastUpdated = now
		return next, -m.Quantity, nil
	case MutationSet:
		next := current
		next.Quantity = m.Quantity
		next.LastUpdated = now
		return next, m.Quantity - current.Quantity, nil
	case MutationRetire:
		next := current
		next.Quantity = 0
		next.Removed = true
		next.LastUpdated = now
		return next, -current.Quantity, nil
	default:
		return Item{}, 0, fmt.Errorf("mutation kind %d: %w", m.Kind, ErrInvalidRequest)
	}
}

// Command is a request that passed validation: a normalized product id, the
// mutation to apply and, when the producer pinned one, the version it read.
type Command struct {
	ProductID       string
	Mutation        Mutation
	ExpectedVersion int64
}

// Pinned reports whether the producer supplied the version it read.
func (c Command) Pinned() bool {
	return c.ExpectedVersion > 0
}
