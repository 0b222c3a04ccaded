package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"inventory-tracker/internal/inventory"

	"github.com/gin-gonic/gin"
)

const (
	defaultPage  = 1
	defaultLimit = 10
)

type InventoryService interface {
	ApplyUpdate(ctx context.Context, req inventory.UpdateRequest) (inventory.Item, error)
	RemoveItem(ctx context.Context, productID string, expectedVersion int64) (inventory.Item, error)
	GetItem(ctx context.Context, productID string) (inventory.Item, error)
	ListItems(ctx context.Context, page, limit int) (inventory.ItemPage, error)
}

type Handler struct {
	service InventoryService
}

func NewHandler(svc InventoryService) *Handler {
	return &Handler{service: svc}
}

type errorResponse struct {
	Error string `json:"error" example:"inventory item not found"`
}

type listItemsResponse struct {
	Items      []inventory.Item `json:"items"`
	Pagination paginationMeta   `json:"pagination"`
}

type paginationMeta struct {
	Page  int   `json:"page" example:"1"`
	Limit int   `json:"limit" example:"10"`
	Total int64 `json:"total" example:"42"`
}

// errorStatus maps domain errors to an HTTP status and a client message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, inventory.ErrNotFound.Error()
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return http.StatusUnprocessableEntity, inventory.ErrInvalidQuantity.Error()
	case errors.Is(err, inventory.ErrExhausted):
		return http.StatusConflict, inventory.ErrExhausted.Error()
	case errors.Is(err, inventory.ErrConflict):
		return http.StatusConflict, inventory.ErrConflict.Error()
	case errors.Is(err, inventory.ErrAlreadyExists):
		return http.StatusConflict, inventory.ErrAlreadyExists.Error()
	default:
		return http.StatusInternalServerError, "failed to process inventory request"
	}
}

// ApplyUpdate godoc
// @Summary      Apply an inventory change
// @Description  Validates the change, commits it with optimistic locking and broadcasts the committed state.
// @Tags         inventory
// @Accept       json
// @Produce      json
// @Param        body  body      inventory.UpdateRequest  true  "Inventory change"
// @Success      200   {object}  inventory.Item
// @Success      201   {object}  inventory.Item
// @Failure      400   {object}  errorResponse
// @Failure      404   {object}  errorResponse
// @Failure      409   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Failure      500   {object}  errorResponse
// @Router       /inventory/updates [post]
func (h *Handler) ApplyUpdate(c *gin.Context) {
	var req inventory.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	item, err := h.service.ApplyUpdate(c.Request.Context(), req)
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, errorResponse{Error: msg})
		return
	}

	status := http.StatusOK
	if req.UpdateType == inventory.ItemCreated {
		status = http.StatusCreated
	}
	c.JSON(status, item)
}

// GetItem godoc
// @Summary      Get the committed state of an item
// @Description  Observers call this to reconcile after a gap in versions.
// @Tags         inventory
// @Produce      json
// @Param        productId  path      string  true  "Product ID"
// @Success      200        {object}  inventory.Item
// @Failure      404        {object}  errorResponse
// @Failure      500        {object}  errorResponse
// @Router       /inventory/items/{productId} [get]
func (h *Handler) GetItem(c *gin.Context) {
	item, err := h.service.GetItem(c.Request.Context(), c.Param("productId"))
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, errorResponse{Error: msg})
		return
	}
	c.JSON(http.StatusOK, item)
}

// RemoveItem godoc
// @Summary      Soft-remove an item
// @Description  Sets quantity to zero and flags the item as removed. The row is kept.
// @Tags         inventory
// @Produce      json
// @Param        productId  path      string  true   "Product ID"
// @Param        version    query     int     false  "Expected version"
// @Success      200        {object}  inventory.Item
// @Failure      400        {object}  errorResponse
// @Failure      404        {object}  errorResponse
// @Failure      409        {object}  errorResponse
// @Failure      500        {object}  errorResponse
// @Router       /inventory/items/{productId} [delete]
func (h *Handler) RemoveItem(c *gin.Context) {
	var expected int64
	if raw := c.Query("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid version"})
			return
		}
		expected = v
	}

	item, err := h.service.RemoveItem(c.Request.Context(), c.Param("productId"), expected)
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, errorResponse{Error: msg})
		return
	}
	c.JSON(http.StatusOK, item)
}

// ListItems godoc
// @Summary      List active items with pagination
// @Tags         inventory
// @Produce      json
// @Param        page   query     int  false  "Page number"   default(1)
// @Param        limit  query     int  false  "Items per page" default(10)
// @Success      200    {object}  listItemsResponse
// @Failure      500    {object}  errorResponse
// @Router       /inventory/items [get]
func (h *Handler) ListItems(c *gin.Context) {
	page := parseQueryInt(c.Query("page"), defaultPage)
	limit := parseQueryInt(c.Query("limit"), defaultLimit)

	result, err := h.service.ListItems(c.Request.Context(), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to get inventory"})
		return
	}

	c.JSON(http.StatusOK, listItemsResponse{
		Items: result.Items,
		Pagination: paginationMeta{
			Page:  result.Page,
			Limit: result.Limit,
			Total: result.Total,
		},
	})
}

func parseQueryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
