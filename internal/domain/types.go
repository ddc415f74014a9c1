package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment1 indicates the order awaits the product payment.
	OrderStatusPendingPayment1 OrderStatus = "pending_payment_1"
	// OrderStatusPaidPayment1 indicates the product payment has been confirmed.
	OrderStatusPaidPayment1 OrderStatus = "paid_payment_1"
	// OrderStatusArrivedTW indicates the goods arrived at the domestic warehouse.
	OrderStatusArrivedTW OrderStatus = "arrived_tw"
	// OrderStatusPendingPayment2 indicates the shipping fee has been set and awaits payment.
	OrderStatusPendingPayment2 OrderStatus = "pending_payment_2"
	// OrderStatusPaidPayment2 indicates the shipping fee payment has been confirmed.
	OrderStatusPaidPayment2 OrderStatus = "paid_payment_2"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusCompleted indicates delivery has been confirmed (terminal).
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCanceled indicates the order has been canceled (terminal).
	OrderStatusCanceled OrderStatus = "canceled"
)

// PaymentStage identifies which of the two collection stages a payment belongs to.
type PaymentStage int

const (
	// PaymentStage1 collects the product cost at checkout.
	PaymentStage1 PaymentStage = 1
	// PaymentStage2 collects the international shipping fee after arrival.
	PaymentStage2 PaymentStage = 2
)

// Order captures the order header shared across services, repositories and handlers.
type Order struct {
	ID           string
	UserID       string
	Status       OrderStatus
	Items        []OrderLineItem
	Amounts      OrderAmounts
	Payments     OrderPayments
	Shipping     ShippingInfo
	TrackingNo   *string
	ManualReview bool
	Notes        map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PaidStage1At *time.Time
	ArrivedAt    *time.Time
	PaidStage2At *time.Time
	ShippedAt    *time.Time
	CompletedAt  *time.Time
	CanceledAt   *time.Time
	CancelReason *string
}

// OrderLineItem snapshots the purchased product at checkout time.
type OrderLineItem struct {
	ProductRef string
	Name       string
	UnitPrice  int64
	Quantity   int
	Total      int64
	ImageRef   *string
}

// OrderAmounts holds the per-stage totals in the smallest currency unit.
type OrderAmounts struct {
	Stage1Total int64
	Stage2Total int64
}

// OrderPayments aggregates the per-stage settlement records.
type OrderPayments struct {
	Stage1Paid   bool
	Stage2Paid   bool
	Stage1Record *PaymentRecord
	Stage2Record *PaymentRecord
}

// PaymentRecord stores the gateway settlement details for one stage. Written once.
type PaymentRecord struct {
	MerchantTradeNo string
	GatewayTradeNo  string
	Amount          int64
	PaymentType     string
	PaidAt          time.Time
}

// ShippingInfo carries the receiver details captured at checkout.
type ShippingInfo struct {
	ReceiverName   string
	Phone          string
	Address        string
	DeliveryMethod string
}

// ProductStatus enumerates the catalog availability states.
type ProductStatus string

const (
	// ProductStatusPreorder marks products accepting proxy-buy preorders.
	ProductStatusPreorder ProductStatus = "preorder"
	// ProductStatusInStock marks products available from domestic stock.
	ProductStatusInStock ProductStatus = "instock"
	// ProductStatusClosed marks products no longer purchasable.
	ProductStatusClosed ProductStatus = "closed"
)

// Product describes a catalog entry managed by admins.
type Product struct {
	ID                  string
	Name                string
	Description         string
	Images              []string
	PriceStage1         int64
	PriceStage2Estimate int64
	Stock               int
	Status              ProductStatus
	ReleaseDate         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UserRole constants used for access control decisions.
const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

// UserProfile is the canonical projection of a Firebase Auth user.
type UserProfile struct {
	ID            string
	Email         string
	DisplayName   string
	PhotoURL      string
	Locale        string
	Role          string
	Points        int64
	SavedShipping *ShippingInfo
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CartItem is a single checkout request line. Carts are never persisted server-side.
type CartItem struct {
	ProductID string
	Quantity  int
}

// Cart is the checkout request value object.
type Cart struct {
	Items []CartItem
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
