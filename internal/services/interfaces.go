package services

import (
	"context"
	"time"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderLineItem      = domain.OrderLineItem
	PaymentStage       = domain.PaymentStage
	PaymentRecord      = domain.PaymentRecord
	ShippingInfo       = domain.ShippingInfo
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Product            = domain.Product
	ProductStatus      = domain.ProductStatus
	UserProfile        = domain.UserProfile
	SystemHealthReport = domain.SystemHealthReport
)

// Viewer identifies the authenticated principal acting on an order.
type Viewer struct {
	UserID string
	Email  string
	Admin  bool
}

// CheckoutCommand creates an order from the submitted cart.
type CheckoutCommand struct {
	Viewer   Viewer
	Cart     Cart
	Shipping ShippingInfo
	Notes    map[string]any
}

// CheckoutResult pairs the created order with the signed gateway form for stage one.
type CheckoutResult struct {
	Order Order
	Form  payments.CheckoutForm
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	UserID     string
	Status     []OrderStatus
	Pagination Pagination
}

// StageCheckoutCommand requests a signed gateway form for an outstanding stage.
type StageCheckoutCommand struct {
	Viewer  Viewer
	OrderID string
}

// GatewayNotificationCommand applies a verified gateway callback.
type GatewayNotificationCommand struct {
	Notification payments.Notification
}

// MarkArrivedCommand records warehouse arrival of the goods.
type MarkArrivedCommand struct {
	Viewer  Viewer
	OrderID string
}

// SetShippingFeeCommand fixes the stage-two amount for an order.
type SetShippingFeeCommand struct {
	Viewer  Viewer
	OrderID string
	Amount  int64
}

// ShipOrderCommand marks the order as handed to the carrier.
type ShipOrderCommand struct {
	Viewer     Viewer
	OrderID    string
	TrackingNo string
}

// CompleteOrderCommand confirms delivery.
type CompleteOrderCommand struct {
	Viewer  Viewer
	OrderID string
}

// CancelOrderCommand cancels a non-terminal order.
type CancelOrderCommand struct {
	Viewer  Viewer
	OrderID string
	Reason  string
}

// OrderService encapsulates the two-stage order lifecycle.
type OrderService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
	GetOrder(ctx context.Context, viewer Viewer, orderID string) (Order, error)
	ListMyOrders(ctx context.Context, viewer Viewer, pager Pagination) (domain.CursorPage[Order], error)
	ListOrders(ctx context.Context, viewer Viewer, filter OrderListFilter) (domain.CursorPage[Order], error)
	StageCheckoutForm(ctx context.Context, cmd StageCheckoutCommand) (payments.CheckoutForm, error)
	ApplyGatewayNotification(ctx context.Context, cmd GatewayNotificationCommand) (Order, bool, error)
	MarkArrived(ctx context.Context, cmd MarkArrivedCommand) (Order, error)
	SetShippingFee(ctx context.Context, cmd SetShippingFeeCommand) (Order, error)
	Ship(ctx context.Context, cmd ShipOrderCommand) (Order, error)
	Complete(ctx context.Context, cmd CompleteOrderCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// ProductListFilter narrows catalog listings.
type ProductListFilter struct {
	Status     []ProductStatus
	Pagination Pagination
}

// CreateProductCommand adds a catalog entry.
type CreateProductCommand struct {
	Viewer              Viewer
	Name                string
	Description         string
	Images              []string
	PriceStage1         int64
	PriceStage2Estimate int64
	Stock               int
	Status              ProductStatus
	ReleaseDate         *time.Time
}

// UpdateProductCommand mutates an existing catalog entry. Nil fields keep their value.
type UpdateProductCommand struct {
	Viewer              Viewer
	ProductID           string
	Name                *string
	Description         *string
	Images              []string
	PriceStage1         *int64
	PriceStage2Estimate *int64
	Stock               *int
	Status              *ProductStatus
	ReleaseDate         *time.Time
}

// DeleteProductCommand removes a catalog entry.
type DeleteProductCommand struct {
	Viewer    Viewer
	ProductID string
}

// ProductImageUploadCommand requests a signed upload slot for a product image.
type ProductImageUploadCommand struct {
	Viewer      Viewer
	ProductID   string
	FileName    string
	ContentType string
}

// ProductImageUpload describes a signed upload URL and the final public location.
type ProductImageUpload struct {
	UploadURL  string
	Method     string
	Headers    map[string]string
	ObjectPath string
	PublicURL  string
	ExpiresAt  time.Time
}

// ProductImageUploader issues signed upload URLs for catalog assets.
type ProductImageUploader interface {
	SignUpload(ctx context.Context, objectPath, contentType string) (ProductImageUpload, error)
}

// CatalogService manages the public catalog and its admin CRUD surface.
type CatalogService interface {
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error)
	UpdateProduct(ctx context.Context, cmd UpdateProductCommand) (Product, error)
	DeleteProduct(ctx context.Context, cmd DeleteProductCommand) error
	CreateProductImageUploadURL(ctx context.Context, cmd ProductImageUploadCommand) (ProductImageUpload, error)
}

// EnsureProfileCommand provisions the profile on first authenticated access.
type EnsureProfileCommand struct {
	UserID      string
	Email       string
	DisplayName string
	PhotoURL    string
	Locale      string
}

// SaveShippingCommand stores or clears the caller's default shipping details.
type SaveShippingCommand struct {
	Viewer   Viewer
	Shipping *ShippingInfo
}

// SetRoleCommand grants or revokes the admin role.
type SetRoleCommand struct {
	Viewer Viewer
	UserID string
	Role   string
}

// UserService manages user profile projections.
type UserService interface {
	EnsureProfile(ctx context.Context, cmd EnsureProfileCommand) (UserProfile, error)
	GetProfile(ctx context.Context, userID string) (UserProfile, error)
	SaveShipping(ctx context.Context, cmd SaveShippingCommand) (UserProfile, error)
	SetRole(ctx context.Context, cmd SetRoleCommand) (UserProfile, error)
	ListUsers(ctx context.Context, viewer Viewer, pager Pagination) (domain.CursorPage[UserProfile], error)
}

// SystemService exposes operational utilities consumed by health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
