package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCart indicates a checkout was attempted with no items.
	ErrEmptyCart = errors.New("pricing: cart must contain at least one item")
	// ErrInvalidQuantity indicates a line carried a non-positive quantity.
	ErrInvalidQuantity = errors.New("pricing: quantity must be positive")
	// ErrInvalidUnitPrice indicates a product carried a negative unit price.
	ErrInvalidUnitPrice = errors.New("pricing: unit price must not be negative")
)

// LineTotal computes the total for a single line in the smallest currency unit.
func LineTotal(unitPrice int64, quantity int) (int64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	if unitPrice < 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidUnitPrice, unitPrice)
	}
	return unitPrice * int64(quantity), nil
}

// Stage1Total sums the line totals for the product-cost stage. The result is
// independent of line ordering.
func Stage1Total(items []OrderLineItem) (int64, error) {
	if len(items) == 0 {
		return 0, ErrEmptyCart
	}
	var total int64
	for _, item := range items {
		line, err := LineTotal(item.UnitPrice, item.Quantity)
		if err != nil {
			return 0, err
		}
		total += line
	}
	return total, nil
}
