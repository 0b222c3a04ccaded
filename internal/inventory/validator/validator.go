// Package validator turns raw producer requests into inventory commands
// without touching the store.
package validator

import (
	"errors"
	"fmt"
	"strings"

	"inventory-tracker/internal/inventory"

	"github.com/go-playground/validator/v10"
)

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (val *Validator) Validate(req inventory.UpdateRequest) (inventory.Command, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.ProductName = strings.TrimSpace(req.ProductName)

	if err := val.v.Struct(req); err != nil {
		return inventory.Command{}, fmt.Errorf("%w: %s", inventory.ErrInvalidRequest, describe(err))
	}
	if !req.UpdateType.Valid() {
		return inventory.Command{}, fmt.Errorf("%w: unknown updateType %q", inventory.ErrInvalidRequest, req.UpdateType)
	}

	cmd := inventory.Command{
		ProductID:       req.ProductID,
		ExpectedVersion: req.ExpectedVersion,
	}

	switch req.UpdateType {
	case inventory.ItemCreated:
		if req.ProductName == "" {
			return inventory.Command{}, fmt.Errorf("%w: productName is required for %s", inventory.ErrInvalidRequest, req.UpdateType)
		}
		if req.ExpectedVersion != 0 {
			return inventory.Command{}, fmt.Errorf("%w: expectedVersion must be empty for %s", inventory.ErrInvalidRequest, req.UpdateType)
		}
		cmd.Mutation = inventory.Create(req.ProductName, req.Quantity)
	case inventory.StockAdded:
		if req.Quantity == 0 {
			return inventory.Command{}, fmt.Errorf("%w: quantity must be positive for %s", inventory.ErrInvalidRequest, req.UpdateType)
		}
		cmd.Mutation = inventory.Add(req.Quantity)
	case inventory.StockRemoved:
		if req.Quantity == 0 {
			return inventory.Command{}, fmt.Errorf("%w: quantity must be positive for %s", inventory.ErrInvalidRequest, req.UpdateType)
		}
		cmd.Mutation = inventory.Remove(req.Quantity)
	case inventory.StockAdjusted:
		cmd.Mutation = inventory.SetQuantity(req.Quantity)
	}

	return cmd, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
