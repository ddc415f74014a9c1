package repositories

import (
	"context"
	"time"

	domain "github.com/twicebuy/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// ApplyStagePaymentRequest carries a verified gateway settlement to record on an order.
type ApplyStagePaymentRequest struct {
	OrderID string
	Stage   domain.PaymentStage
	Record  domain.PaymentRecord
	Now     time.Time
}

// ApplyStagePaymentResult reports the updated order and whether the settlement
// had already been recorded (exact trade number replay).
type ApplyStagePaymentResult struct {
	Order          domain.Order
	AlreadyApplied bool
}

// ApplyStatusTransitionRequest moves an order to Target when its current
// status is one of AllowedStatuses. TrackingNo and CancelReason are written
// only when non-nil. With IdempotentReplay set, an order already carrying the
// target status is reported as Unchanged without a write.
type ApplyStatusTransitionRequest struct {
	OrderID          string
	Target           domain.OrderStatus
	AllowedStatuses  []domain.OrderStatus
	TrackingNo       *string
	CancelReason     *string
	IdempotentReplay bool
	Now              time.Time
}

// ApplyStatusTransitionResult reports the order after a status transition.
type ApplyStatusTransitionResult struct {
	Order          domain.Order
	PreviousStatus domain.OrderStatus
	Unchanged      bool
}

// SetStageTwoFeeRequest sets the shipping fee exactly once from an eligible state.
type SetStageTwoFeeRequest struct {
	OrderID         string
	Amount          int64
	AllowedStatuses []domain.OrderStatus
	Now             time.Time
}

// OrderRepository persists order documents and provides the conditional updates
// the payment pipeline depends on. No multi-document guarantees are assumed.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// ListByUser returns the caller's orders newest first.
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ApplyStatusTransition performs an admin status change as a conditional
	// field-level update. The order's current status is checked inside the
	// same transaction, so a concurrent settlement cannot be overwritten. A
	// disallowed current status fails with a StateConflictError.
	ApplyStatusTransition(ctx context.Context, req ApplyStatusTransitionRequest) (ApplyStatusTransitionResult, error)
	// ApplyStagePayment records a settlement atomically. An exact trade number
	// replay is reported through AlreadyApplied without mutating the order. A
	// conflicting trade number flags the order for manual review and fails
	// with a PaymentConflictError.
	ApplyStagePayment(ctx context.Context, req ApplyStagePaymentRequest) (ApplyStagePaymentResult, error)
	// SetStageTwoFee writes the shipping fee and moves the order to the
	// pending stage-two state, only when the current status is allowed.
	SetStageTwoFee(ctx context.Context, req SetStageTwoFeeRequest) (domain.Order, error)
}

// ProductListFilter narrows catalog listings.
type ProductListFilter struct {
	Status     []domain.ProductStatus
	Pagination domain.Pagination
}

// ProductRepository persists catalog entries. Deletes are hard deletes.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	Update(ctx context.Context, product domain.Product) error
	Delete(ctx context.Context, productID string) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
}

// UserRepository persists user profile projections keyed by Firebase UID.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
	Upsert(ctx context.Context, profile domain.UserProfile) (domain.UserProfile, error)
	UpdateRole(ctx context.Context, userID string, role string, now time.Time) (domain.UserProfile, error)
	UpdateSavedShipping(ctx context.Context, userID string, shipping *domain.ShippingInfo, now time.Time) (domain.UserProfile, error)
	List(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.UserProfile], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
