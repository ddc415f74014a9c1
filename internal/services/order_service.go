package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/payments"
	"github.com/twicebuy/api/internal/repositories"
)

const (
	orderEventCreated        = "order.created"
	orderEventStatusChanged  = "order.status.changed"
	orderEventPaymentApplied = "order.payment.applied"

	orderIDPrefix = "ord_"

	stageOneTradeDesc = "proxy purchase"
	stageTwoTradeDesc = "international shipping fee"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderPaymentMismatch indicates a callback amount that does not match the stage total.
	ErrOrderPaymentMismatch = errors.New("order: payment amount mismatch")
	// ErrOrderPaymentConflict indicates a settled stage was notified again with a
	// different gateway trade number. The order has been flagged for manual review.
	ErrOrderPaymentConflict = errors.New("order: conflicting payment notification")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment1: {domain.OrderStatusPaidPayment1, domain.OrderStatusCanceled},
	domain.OrderStatusPaidPayment1:    {domain.OrderStatusArrivedTW, domain.OrderStatusPendingPayment2, domain.OrderStatusCanceled},
	domain.OrderStatusArrivedTW:       {domain.OrderStatusPendingPayment2, domain.OrderStatusCanceled},
	domain.OrderStatusPendingPayment2: {domain.OrderStatusPaidPayment2, domain.OrderStatusCanceled},
	domain.OrderStatusPaidPayment2:    {domain.OrderStatusShipped, domain.OrderStatusCanceled},
	domain.OrderStatusShipped:         {domain.OrderStatusCompleted, domain.OrderStatusCanceled},
}

var shippingFeeEligibleStatuses = []domain.OrderStatus{
	domain.OrderStatusPaidPayment1,
	domain.OrderStatusArrivedTW,
}

// PaymentGateway builds signed checkout submissions for the payment provider.
type PaymentGateway interface {
	BuildCheckoutForm(req payments.CheckoutRequest) (payments.CheckoutForm, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	Stage          int
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Gateway     PaymentGateway
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Notifier    Notifier
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	products repositories.ProductRepository
	gateway  PaymentGateway
	clock    func() time.Time
	newID    func() string
	events   OrderEventPublisher
	notifier Notifier
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:   deps.Orders,
		products: deps.Products,
		gateway:  deps.Gateway,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		events:   deps.Events,
		notifier: deps.Notifier,
		logger:   logger,
	}, nil
}

func (s *orderService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	userID := strings.TrimSpace(cmd.Viewer.UserID)
	if userID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Cart.Items) == 0 {
		return CheckoutResult{}, fmt.Errorf("%w: cart must contain at least one item", ErrOrderInvalidInput)
	}
	if err := validateShipping(cmd.Shipping); err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	items, err := s.buildLineItems(ctx, cmd.Cart.Items)
	if err != nil {
		return CheckoutResult{}, err
	}

	total, err := domain.Stage1Total(items)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	now := s.now()
	order := Order{
		ID:     s.nextOrderID(),
		UserID: userID,
		Status: domain.OrderStatusPendingPayment1,
		Items:  items,
		Amounts: domain.OrderAmounts{
			Stage1Total: total,
		},
		Shipping:  cmd.Shipping,
		Notes:     cloneMap(cmd.Notes),
		CreatedAt: now,
		UpdatedAt: now,
	}

	form, err := s.gateway.BuildCheckoutForm(payments.CheckoutRequest{
		OrderID:   order.ID,
		Stage:     domain.PaymentStage1,
		Amount:    total,
		ItemName:  itemNameSummary(items),
		TradeDesc: stageOneTradeDesc,
		Now:       now,
	})
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("order: build checkout form: %w", err)
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return CheckoutResult{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       userID,
		OccurredAt:    now,
		Metadata:      cloneMap(order.Notes),
	})
	s.notify(ctx, NotificationOrderReceived, order)

	return CheckoutResult{Order: order, Form: form}, nil
}

func (s *orderService) GetOrder(ctx context.Context, viewer Viewer, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !CanViewOrder(viewer, order) {
		// Existence is not leaked to non-owners.
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListMyOrders(ctx context.Context, viewer Viewer, pager Pagination) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(viewer.UserID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.ListByUser(ctx, userID, pager)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListOrders(ctx context.Context, viewer Viewer, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if err := RequireAdmin(viewer); err != nil {
		return domain.CursorPage[Order]{}, err
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) StageCheckoutForm(ctx context.Context, cmd StageCheckoutCommand) (payments.CheckoutForm, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return payments.CheckoutForm{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return payments.CheckoutForm{}, s.mapRepositoryError(err)
	}
	// Payment forms are owner-only, admin roles included. Existence is not
	// leaked to non-owners.
	if strings.TrimSpace(cmd.Viewer.UserID) == "" || cmd.Viewer.UserID != order.UserID {
		return payments.CheckoutForm{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}

	var (
		stage  domain.PaymentStage
		amount int64
		desc   string
	)
	switch order.Status {
	case domain.OrderStatusPendingPayment1:
		stage = domain.PaymentStage1
		amount = order.Amounts.Stage1Total
		desc = stageOneTradeDesc
	case domain.OrderStatusPendingPayment2:
		stage = domain.PaymentStage2
		amount = order.Amounts.Stage2Total
		desc = stageTwoTradeDesc
	default:
		return payments.CheckoutForm{}, fmt.Errorf("%w: order status %q has no outstanding payment", ErrOrderInvalidState, order.Status)
	}
	if amount <= 0 {
		return payments.CheckoutForm{}, fmt.Errorf("%w: stage %d amount is not set", ErrOrderInvalidState, stage)
	}

	form, err := s.gateway.BuildCheckoutForm(payments.CheckoutRequest{
		OrderID:   order.ID,
		Stage:     stage,
		Amount:    amount,
		ItemName:  itemNameSummary(order.Items),
		TradeDesc: desc,
		Now:       s.now(),
	})
	if err != nil {
		return payments.CheckoutForm{}, fmt.Errorf("order: build checkout form: %w", err)
	}
	return form, nil
}

func (s *orderService) ApplyGatewayNotification(ctx context.Context, cmd GatewayNotificationCommand) (Order, bool, error) {
	notif := cmd.Notification
	orderID := strings.TrimSpace(notif.OrderID)
	if orderID == "" {
		return Order{}, false, fmt.Errorf("%w: notification order id is required", ErrOrderInvalidInput)
	}
	if !notif.Succeeded() {
		return Order{}, false, fmt.Errorf("%w: gateway reported failure: %s", ErrOrderInvalidInput, notif.RtnMsg)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, false, s.mapRepositoryError(err)
	}

	var expected int64
	switch notif.Stage {
	case domain.PaymentStage1:
		expected = order.Amounts.Stage1Total
	case domain.PaymentStage2:
		expected = order.Amounts.Stage2Total
	default:
		return Order{}, false, fmt.Errorf("%w: unsupported stage %d", ErrOrderInvalidInput, notif.Stage)
	}
	if notif.TradeAmt != expected {
		return Order{}, false, fmt.Errorf("%w: stage %d expects %d, gateway settled %d",
			ErrOrderPaymentMismatch, notif.Stage, expected, notif.TradeAmt)
	}

	now := s.now()
	result, err := s.orders.ApplyStagePayment(ctx, repositories.ApplyStagePaymentRequest{
		OrderID: orderID,
		Stage:   notif.Stage,
		Record: PaymentRecord{
			MerchantTradeNo: notif.MerchantTradeNo,
			GatewayTradeNo:  notif.GatewayTradeNo,
			Amount:          notif.TradeAmt,
			PaymentType:     notif.PaymentType,
			PaidAt:          notif.PaymentDate,
		},
		Now: now,
	})
	if err != nil {
		var conflict *repositories.PaymentConflictError
		if errors.As(err, &conflict) {
			s.logger(ctx, "order.payment.conflict", map[string]any{
				"order":       conflict.OrderID,
				"stage":       int(conflict.Stage),
				"recorded":    conflict.RecordedTradeNo,
				"conflicting": conflict.ConflictingTrade,
			})
			return Order{}, false, fmt.Errorf("%w: %v", ErrOrderPaymentConflict, err)
		}
		var state *repositories.StateConflictError
		if errors.As(err, &state) {
			return Order{}, false, fmt.Errorf("%w: order status %q", ErrOrderInvalidState, state.Current)
		}
		return Order{}, false, s.mapRepositoryError(err)
	}

	if result.AlreadyApplied {
		// Replays must not duplicate events or notifications.
		return result.Order, true, nil
	}

	updated := result.Order
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventPaymentApplied,
		OrderID:        updated.ID,
		UserID:         updated.UserID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		Stage:          int(notif.Stage),
		OccurredAt:     now,
		Metadata: map[string]any{
			"tradeNo":     notif.GatewayTradeNo,
			"amount":      notif.TradeAmt,
			"paymentType": notif.PaymentType,
		},
	})
	if notif.Stage == domain.PaymentStage1 {
		s.notify(ctx, NotificationStageOnePaid, updated)
	} else {
		s.notify(ctx, NotificationStageTwoPaid, updated)
	}

	return updated, false, nil
}

func (s *orderService) MarkArrived(ctx context.Context, cmd MarkArrivedCommand) (Order, error) {
	return s.adminTransition(ctx, cmd.Viewer, cmd.OrderID, statusTransition{
		target: domain.OrderStatusArrivedTW,
	})
}

func (s *orderService) SetShippingFee(ctx context.Context, cmd SetShippingFeeCommand) (Order, error) {
	if err := RequireAdmin(cmd.Viewer); err != nil {
		return Order{}, err
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Amount <= 0 {
		return Order{}, fmt.Errorf("%w: shipping fee must be greater than zero", ErrOrderInvalidInput)
	}

	now := s.now()
	prev, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	updated, err := s.orders.SetStageTwoFee(ctx, repositories.SetStageTwoFeeRequest{
		OrderID:         orderID,
		Amount:          cmd.Amount,
		AllowedStatuses: shippingFeeEligibleStatuses,
		Now:             now,
	})
	if err != nil {
		var state *repositories.StateConflictError
		if errors.As(err, &state) {
			return Order{}, fmt.Errorf("%w: order status %q is not eligible for a shipping fee", ErrOrderInvalidState, state.Current)
		}
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		UserID:         updated.UserID,
		PreviousStatus: string(prev.Status),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.Viewer.UserID,
		OccurredAt:     now,
		Metadata:       map[string]any{"shippingFee": cmd.Amount},
	})
	s.notify(ctx, NotificationShippingFeeDue, updated)

	return updated, nil
}

func (s *orderService) Ship(ctx context.Context, cmd ShipOrderCommand) (Order, error) {
	tr := statusTransition{
		target:       domain.OrderStatusShipped,
		notification: NotificationOrderShipped,
	}
	if tracking := strings.TrimSpace(cmd.TrackingNo); tracking != "" {
		tr.trackingNo = valuePtr(tracking)
	}
	return s.adminTransition(ctx, cmd.Viewer, cmd.OrderID, tr)
}

func (s *orderService) Complete(ctx context.Context, cmd CompleteOrderCommand) (Order, error) {
	return s.adminTransition(ctx, cmd.Viewer, cmd.OrderID, statusTransition{
		target: domain.OrderStatusCompleted,
	})
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	tr := statusTransition{
		target: domain.OrderStatusCanceled,
		// Cancelling an already canceled order is a no-op success.
		idempotent: true,
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		tr.cancelReason = optionalString(reason)
	}
	return s.adminTransition(ctx, cmd.Viewer, cmd.OrderID, tr)
}

// statusTransition describes one admin-driven status change.
type statusTransition struct {
	target       domain.OrderStatus
	trackingNo   *string
	cancelReason *string
	idempotent   bool
	notification NotificationKind
}

func (s *orderService) adminTransition(ctx context.Context, viewer Viewer, orderID string, tr statusTransition) (Order, error) {
	if err := RequireAdmin(viewer); err != nil {
		return Order{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	result, err := s.orders.ApplyStatusTransition(ctx, repositories.ApplyStatusTransitionRequest{
		OrderID:          orderID,
		Target:           tr.target,
		AllowedStatuses:  transitionSources(tr.target),
		TrackingNo:       tr.trackingNo,
		CancelReason:     tr.cancelReason,
		IdempotentReplay: tr.idempotent,
		Now:              now,
	})
	if err != nil {
		var state *repositories.StateConflictError
		if errors.As(err, &state) {
			return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, state.Current, tr.target)
		}
		return Order{}, s.mapRepositoryError(err)
	}
	if result.Unchanged {
		return result.Order, nil
	}

	order := result.Order
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(result.PreviousStatus),
		CurrentStatus:  string(order.Status),
		ActorID:        viewer.UserID,
		OccurredAt:     now,
	})
	if tr.notification != "" {
		s.notify(ctx, tr.notification, order)
	}

	return order, nil
}

func (s *orderService) buildLineItems(ctx context.Context, cartItems []CartItem) ([]OrderLineItem, error) {
	items := make([]OrderLineItem, 0, len(cartItems))
	for _, cartItem := range cartItems {
		productID := strings.TrimSpace(cartItem.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: cart item product id is required", ErrOrderInvalidInput)
		}
		if cartItem.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for product %s must be positive", ErrOrderInvalidInput, productID)
		}

		product, err := s.products.FindByID(ctx, productID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return nil, fmt.Errorf("%w: unknown product %s", ErrOrderInvalidInput, productID)
			}
			return nil, s.mapRepositoryError(err)
		}
		if product.Status == domain.ProductStatusClosed {
			return nil, fmt.Errorf("%w: product %s is no longer available", ErrOrderInvalidInput, productID)
		}

		total, err := domain.LineTotal(product.PriceStage1, cartItem.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}

		line := OrderLineItem{
			ProductRef: product.ID,
			Name:       product.Name,
			UnitPrice:  product.PriceStage1,
			Quantity:   cartItem.Quantity,
			Total:      total,
		}
		if len(product.Images) > 0 {
			line.ImageRef = valuePtr(product.Images[0])
		}
		items = append(items, line)
	}
	return items, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) notify(ctx context.Context, kind NotificationKind, order Order) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyOrderEvent(ctx, kind, order)
}

func validateShipping(shipping ShippingInfo) error {
	if strings.TrimSpace(shipping.ReceiverName) == "" {
		return errors.New("receiver name is required")
	}
	if strings.TrimSpace(shipping.Phone) == "" {
		return errors.New("receiver phone is required")
	}
	if strings.TrimSpace(shipping.Address) == "" {
		return errors.New("shipping address is required")
	}
	return nil
}

// itemNameSummary joins line item names with the separator the gateway uses for
// multi-item descriptions.
func itemNameSummary(items []OrderLineItem) string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "order items"
	}
	return strings.Join(names, "#")
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

// orderStatusLifecycle lists the non-terminal states in lifecycle order.
var orderStatusLifecycle = []domain.OrderStatus{
	domain.OrderStatusPendingPayment1,
	domain.OrderStatusPaidPayment1,
	domain.OrderStatusArrivedTW,
	domain.OrderStatusPendingPayment2,
	domain.OrderStatusPaidPayment2,
	domain.OrderStatusShipped,
}

// transitionSources returns the states that may move to target.
func transitionSources(target domain.OrderStatus) []domain.OrderStatus {
	sources := make([]domain.OrderStatus, 0, len(orderStatusLifecycle))
	for _, from := range orderStatusLifecycle {
		if canTransition(from, target) {
			sources = append(sources, from)
		}
	}
	return sources
}
