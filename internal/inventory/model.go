package inventory

import (
	"errors"
	"time"
)

var (
	ErrInvalidRequest  = errors.New("invalid update request")
	ErrNotFound        = errors.New("inventory item not found")
	ErrAlreadyExists   = errors.New("inventory item already exists")
	ErrInvalidQuantity = errors.New("quantity cannot go negative")
	ErrConflict        = errors.New("inventory item version conflict")
	ErrExhausted       = errors.New("update retries exhausted")
	ErrChannelOverflow = errors.New("subscription queue overflow")
)

const (
	EventsExchange     = "inventory.events"
	NotificationsQueue = "inventory.notifications"

	// TopicAll receives every committed change; per-product topics are
	// derived with ProductTopic.
	TopicAll = "inventory"
)

type UpdateType string

const (
	StockAdded    UpdateType = "STOCK_ADDED"
	StockRemoved  UpdateType = "STOCK_REMOVED"
	StockAdjusted UpdateType = "STOCK_ADJUSTED"
	ItemCreated   UpdateType = "ITEM_CREATED"
)

func (t UpdateType) Valid() bool {
	switch t {
	case StockAdded, StockRemoved, StockAdjusted, ItemCreated:
		return true
	}
	return false
}

type Item struct {
	ProductID   string    `json:"productId" example:"sku-1"`
	ProductName string    `json:"productName" example:"Widget"`
	Quantity    int64     `json:"quantity" example:"12"`
	Version     int64     `json:"version" example:"3"`
	LastUpdated time.Time `json:"lastUpdated" example:"2026-02-24T12:00:00Z"`
	Removed     bool      `json:"removed,omitempty"`
}

// ItemPage is one page of active items. Page and Limit are the values the
// listing actually used after clamping.
type ItemPage struct {
	Items []Item
	Page  int
	Limit int
	Total int64
}

// UpdateRequest is the raw producer payload. Quantity is a delta for
// STOCK_ADDED/STOCK_REMOVED and an absolute value otherwise.
type UpdateRequest struct {
	ProductID       string     `json:"productId" validate:"required,max=64" example:"sku-1"`
	ProductName     string     `json:"productName,omitempty" validate:"max=255" example:"Widget"`
	Quantity        int64      `json:"quantity" validate:"gte=0" example:"5"`
	UpdateType      UpdateType `json:"updateType" validate:"required" example:"STOCK_ADDED"`
	ExpectedVersion int64      `json:"expectedVersion,omitempty" validate:"gte=0" example:"2"`
}

// UpdateEvent is built from committed state only, never from a request.
type UpdateEvent struct {
	ProductID   string     `json:"productId"`
	ProductName string     `json:"productName"`
	Quantity    int64      `json:"quantity"`
	Delta       int64      `json:"delta"`
	Version     int64      `json:"version"`
	Timestamp   time.Time  `json:"timestamp"`
	UpdateType  UpdateType `json:"updateType"`
	Removed     bool       `json:"removed,omitempty"`
}

func ProductTopic(productID string) string {
	return TopicAll + "." + productID
}

// Topics lists every topic an event for productID is published on.
func Topics(productID string) []string {
	return []string{TopicAll, ProductTopic(productID)}
}

func NewEvent(item Item, m Mutation, delta int64) UpdateEvent {
	return UpdateEvent{
		ProductID:   item.ProductID,
		ProductName: item.ProductName,
		Quantity:    item.Quantity,
		Delta:       delta,
		Version:     item.Version,
		Timestamp:   item.LastUpdated,
		UpdateType:  m.UpdateType(),
		Removed:     item.Removed,
	}
}
