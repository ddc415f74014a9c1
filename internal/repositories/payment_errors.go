package repositories

import (
	"fmt"

	domain "github.com/twicebuy/api/internal/domain"
)

// PaymentConflictError reports a settlement replay carrying a different gateway
// trade number than the one already recorded for the stage. The order has been
// flagged for manual reconciliation.
type PaymentConflictError struct {
	OrderID          string
	Stage            domain.PaymentStage
	RecordedTradeNo  string
	ConflictingTrade string
}

// Error implements the error interface.
func (e *PaymentConflictError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order %s stage %d already settled by trade %s, conflicting trade %s",
		e.OrderID, e.Stage, e.RecordedTradeNo, e.ConflictingTrade)
}

// IsNotFound implements RepositoryError.
func (e *PaymentConflictError) IsNotFound() bool { return false }

// IsConflict implements RepositoryError.
func (e *PaymentConflictError) IsConflict() bool { return true }

// IsUnavailable implements RepositoryError.
func (e *PaymentConflictError) IsUnavailable() bool { return false }

// StateConflictError reports a conditional update rejected because the order
// was not in one of the expected states.
type StateConflictError struct {
	OrderID string
	Current domain.OrderStatus
}

// Error implements the error interface.
func (e *StateConflictError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order %s is in state %q", e.OrderID, e.Current)
}

// IsNotFound implements RepositoryError.
func (e *StateConflictError) IsNotFound() bool { return false }

// IsConflict implements RepositoryError.
func (e *StateConflictError) IsConflict() bool { return true }

// IsUnavailable implements RepositoryError.
func (e *StateConflictError) IsUnavailable() bool { return false }
