package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/payments"
	"github.com/twicebuy/api/internal/repositories"
)

type repoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e repoError) Error() string { return e.msg }

func (e repoError) IsNotFound() bool { return e.notFound }

func (e repoError) IsConflict() bool { return e.conflict }

func (e repoError) IsUnavailable() bool { return e.unavailable }

type stubOrderRepo struct {
	insertFn     func(context.Context, domain.Order) error
	findFn       func(context.Context, string) (domain.Order, error)
	listUserFn   func(context.Context, string, domain.Pagination) (domain.CursorPage[domain.Order], error)
	listFn       func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	transitionFn func(context.Context, repositories.ApplyStatusTransitionRequest) (repositories.ApplyStatusTransitionResult, error)
	applyFn      func(context.Context, repositories.ApplyStagePaymentRequest) (repositories.ApplyStagePaymentResult, error)
	feeFn        func(context.Context, repositories.SetStageTwoFeeRequest) (domain.Order, error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, repoError{msg: "order missing", notFound: true}
}

func (s *stubOrderRepo) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	if s.listUserFn != nil {
		return s.listUserFn(ctx, userID, pager)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderRepo) ApplyStatusTransition(ctx context.Context, req repositories.ApplyStatusTransitionRequest) (repositories.ApplyStatusTransitionResult, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, req)
	}
	return repositories.ApplyStatusTransitionResult{}, errors.New("not implemented")
}

func (s *stubOrderRepo) ApplyStagePayment(ctx context.Context, req repositories.ApplyStagePaymentRequest) (repositories.ApplyStagePaymentResult, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, req)
	}
	return repositories.ApplyStagePaymentResult{}, errors.New("not implemented")
}

func (s *stubOrderRepo) SetStageTwoFee(ctx context.Context, req repositories.SetStageTwoFeeRequest) (domain.Order, error) {
	if s.feeFn != nil {
		return s.feeFn(ctx, req)
	}
	return domain.Order{}, errors.New("not implemented")
}

// transitionBehaviour mimics the repository's conditional status update
// against a single backing order.
func transitionBehaviour(order domain.Order) func(context.Context, repositories.ApplyStatusTransitionRequest) (repositories.ApplyStatusTransitionResult, error) {
	return func(_ context.Context, req repositories.ApplyStatusTransitionRequest) (repositories.ApplyStatusTransitionResult, error) {
		if req.IdempotentReplay && order.Status == req.Target {
			return repositories.ApplyStatusTransitionResult{Order: order, PreviousStatus: order.Status, Unchanged: true}, nil
		}
		allowed := false
		for _, st := range req.AllowedStatuses {
			if st == order.Status {
				allowed = true
				break
			}
		}
		if !allowed {
			return repositories.ApplyStatusTransitionResult{}, &repositories.StateConflictError{OrderID: req.OrderID, Current: order.Status}
		}

		now := req.Now
		updated := order
		updated.Status = req.Target
		updated.UpdatedAt = now
		switch req.Target {
		case domain.OrderStatusArrivedTW:
			updated.ArrivedAt = &now
		case domain.OrderStatusShipped:
			updated.ShippedAt = &now
		case domain.OrderStatusCompleted:
			updated.CompletedAt = &now
		case domain.OrderStatusCanceled:
			updated.CanceledAt = &now
		}
		if req.TrackingNo != nil {
			updated.TrackingNo = req.TrackingNo
		}
		if req.CancelReason != nil {
			updated.CancelReason = req.CancelReason
		}
		return repositories.ApplyStatusTransitionResult{Order: updated, PreviousStatus: order.Status}, nil
	}
}

type stubProductRepo struct {
	products map[string]domain.Product
	findFn   func(context.Context, string) (domain.Product, error)
}

func (s *stubProductRepo) Insert(context.Context, domain.Product) error { return nil }

func (s *stubProductRepo) Update(context.Context, domain.Product) error { return nil }

func (s *stubProductRepo) Delete(context.Context, string) error { return nil }

func (s *stubProductRepo) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.findFn != nil {
		return s.findFn(ctx, productID)
	}
	if product, ok := s.products[productID]; ok {
		return product, nil
	}
	return domain.Product{}, repoError{msg: "product missing", notFound: true}
}

func (s *stubProductRepo) List(context.Context, repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	return domain.CursorPage[domain.Product]{}, nil
}

type stubGateway struct {
	buildFn  func(payments.CheckoutRequest) (payments.CheckoutForm, error)
	requests []payments.CheckoutRequest
}

func (s *stubGateway) BuildCheckoutForm(req payments.CheckoutRequest) (payments.CheckoutForm, error) {
	s.requests = append(s.requests, req)
	if s.buildFn != nil {
		return s.buildFn(req)
	}
	return payments.CheckoutForm{
		Action: "https://gateway.test/AioCheckOut",
		Fields: map[string]string{"MerchantTradeNo": req.OrderID},
	}, nil
}

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

type captureNotifier struct {
	kinds  []NotificationKind
	orders []Order
}

func (c *captureNotifier) NotifyOrderEvent(_ context.Context, kind NotificationKind, order Order) {
	c.kinds = append(c.kinds, kind)
	c.orders = append(c.orders, order)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testOrderService(t *testing.T, deps OrderServiceDeps) OrderService {
	t.Helper()
	if deps.Orders == nil {
		deps.Orders = &stubOrderRepo{}
	}
	if deps.Products == nil {
		deps.Products = &stubProductRepo{}
	}
	if deps.Gateway == nil {
		deps.Gateway = &stubGateway{}
	}
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC))
	}
	if deps.IDGenerator == nil {
		counter := 0
		deps.IDGenerator = func() string {
			counter++
			return "01TESTULID000000000000000" + string(rune('A'+counter))
		}
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService returned error: %v", err)
	}
	return svc
}

func catalogProducts() map[string]domain.Product {
	return map[string]domain.Product{
		"prd_album": {
			ID:          "prd_album",
			Name:        "Album",
			Images:      []string{"https://cdn.test/album.jpg"},
			PriceStage1: 550,
			Status:      domain.ProductStatusPreorder,
		},
		"prd_lightstick": {
			ID:          "prd_lightstick",
			Name:        "Lightstick",
			PriceStage1: 1200,
			Status:      domain.ProductStatusInStock,
		},
	}
}

func TestCheckoutCreatesPendingOrder(t *testing.T) {
	var inserted *domain.Order
	orders := &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			inserted = &order
			return nil
		},
	}
	gateway := &stubGateway{}
	events := &captureOrderEvents{}
	notifier := &captureNotifier{}
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	svc := testOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Products: &stubProductRepo{products: catalogProducts()},
		Gateway:  gateway,
		Events:   events,
		Notifier: notifier,
		Clock:    fixedClock(now),
	})

	result, err := svc.Checkout(context.Background(), CheckoutCommand{
		Viewer: Viewer{UserID: "user-1", Email: "fan@example.com"},
		Cart: Cart{Items: []CartItem{
			{ProductID: "prd_album", Quantity: 2},
			{ProductID: "prd_lightstick", Quantity: 1},
		}},
		Shipping: ShippingInfo{ReceiverName: "Mina", Phone: "0912345678", Address: "Taipei"},
	})
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}

	if inserted == nil {
		t.Fatal("expected order to be inserted")
	}
	if !strings.HasPrefix(result.Order.ID, "ord_") {
		t.Fatalf("expected ord_ prefixed id, got %s", result.Order.ID)
	}
	if result.Order.Status != domain.OrderStatusPendingPayment1 {
		t.Fatalf("expected pending_payment_1, got %s", result.Order.Status)
	}
	if got := result.Order.Amounts.Stage1Total; got != 550*2+1200 {
		t.Fatalf("expected stage one total 2300, got %d", got)
	}
	if len(result.Order.Items) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(result.Order.Items))
	}
	first := result.Order.Items[0]
	if first.Name != "Album" || first.UnitPrice != 550 || first.Total != 1100 {
		t.Fatalf("unexpected line item snapshot: %+v", first)
	}
	if first.ImageRef == nil || *first.ImageRef != "https://cdn.test/album.jpg" {
		t.Fatal("expected image snapshot on first line item")
	}

	if len(gateway.requests) != 1 {
		t.Fatalf("expected one gateway request, got %d", len(gateway.requests))
	}
	req := gateway.requests[0]
	if req.Stage != domain.PaymentStage1 || req.Amount != 2300 {
		t.Fatalf("unexpected gateway request: %+v", req)
	}
	if req.ItemName != "Album#Lightstick" {
		t.Fatalf("unexpected item name %q", req.ItemName)
	}
	if result.Form.Action == "" {
		t.Fatal("expected checkout form action")
	}

	if len(events.events) != 1 || events.events[0].Type != orderEventCreated {
		t.Fatalf("expected order.created event, got %+v", events.events)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != NotificationOrderReceived {
		t.Fatalf("expected order received notification, got %v", notifier.kinds)
	}
}

func TestCheckoutValidation(t *testing.T) {
	svc := testOrderService(t, OrderServiceDeps{
		Products: &stubProductRepo{products: catalogProducts()},
	})

	cases := []struct {
		name string
		cmd  CheckoutCommand
	}{
		{
			name: "missing user",
			cmd: CheckoutCommand{
				Cart:     Cart{Items: []CartItem{{ProductID: "prd_album", Quantity: 1}}},
				Shipping: ShippingInfo{ReceiverName: "Mina", Phone: "09", Address: "Taipei"},
			},
		},
		{
			name: "empty cart",
			cmd: CheckoutCommand{
				Viewer:   Viewer{UserID: "user-1"},
				Shipping: ShippingInfo{ReceiverName: "Mina", Phone: "09", Address: "Taipei"},
			},
		},
		{
			name: "missing receiver",
			cmd: CheckoutCommand{
				Viewer:   Viewer{UserID: "user-1"},
				Cart:     Cart{Items: []CartItem{{ProductID: "prd_album", Quantity: 1}}},
				Shipping: ShippingInfo{Phone: "09", Address: "Taipei"},
			},
		},
		{
			name: "zero quantity",
			cmd: CheckoutCommand{
				Viewer:   Viewer{UserID: "user-1"},
				Cart:     Cart{Items: []CartItem{{ProductID: "prd_album", Quantity: 0}}},
				Shipping: ShippingInfo{ReceiverName: "Mina", Phone: "09", Address: "Taipei"},
			},
		},
		{
			name: "unknown product",
			cmd: CheckoutCommand{
				Viewer:   Viewer{UserID: "user-1"},
				Cart:     Cart{Items: []CartItem{{ProductID: "prd_ghost", Quantity: 1}}},
				Shipping: ShippingInfo{ReceiverName: "Mina", Phone: "09", Address: "Taipei"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Checkout(context.Background(), tc.cmd)
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
		})
	}
}

func TestCheckoutRejectsClosedProduct(t *testing.T) {
	products := catalogProducts()
	closed := products["prd_album"]
	closed.Status = domain.ProductStatusClosed
	products["prd_album"] = closed

	svc := testOrderService(t, OrderServiceDeps{
		Products: &stubProductRepo{products: products},
	})

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		Viewer:   Viewer{UserID: "user-1"},
		Cart:     Cart{Items: []CartItem{{ProductID: "prd_album", Quantity: 1}}},
		Shipping: ShippingInfo{ReceiverName: "Mina", Phone: "09", Address: "Taipei"},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestGetOrderMasksForeignOrders(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return domain.Order{ID: orderID, UserID: "owner"}, nil
		},
	}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders})

	if _, err := svc.GetOrder(context.Background(), Viewer{UserID: "owner"}, "ord_1"); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), Viewer{UserID: "staff", Admin: true}, "ord_1"); err != nil {
		t.Fatalf("admin read failed: %v", err)
	}
	_, err := svc.GetOrder(context.Background(), Viewer{UserID: "stranger"}, "ord_1")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for stranger, got %v", err)
	}
}

func TestListOrdersRequiresAdmin(t *testing.T) {
	svc := testOrderService(t, OrderServiceDeps{})

	_, err := svc.ListOrders(context.Background(), Viewer{UserID: "user-1"}, OrderListFilter{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if _, err := svc.ListOrders(context.Background(), Viewer{UserID: "staff", Admin: true}, OrderListFilter{}); err != nil {
		t.Fatalf("admin list failed: %v", err)
	}
}

func TestStageCheckoutFormPicksOutstandingStage(t *testing.T) {
	order := domain.Order{
		ID:     "ord_1",
		UserID: "owner",
		Status: domain.OrderStatusPendingPayment2,
		Items:  []domain.OrderLineItem{{Name: "Album"}},
		Amounts: domain.OrderAmounts{
			Stage1Total: 2300,
			Stage2Total: 480,
		},
	}
	gateway := &stubGateway{}
	svc := testOrderService(t, OrderServiceDeps{
		Orders: &stubOrderRepo{findFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		}},
		Gateway: gateway,
	})

	_, err := svc.StageCheckoutForm(context.Background(), StageCheckoutCommand{
		Viewer:  Viewer{UserID: "owner"},
		OrderID: "ord_1",
	})
	if err != nil {
		t.Fatalf("StageCheckoutForm returned error: %v", err)
	}
	if len(gateway.requests) != 1 {
		t.Fatalf("expected one gateway request, got %d", len(gateway.requests))
	}
	req := gateway.requests[0]
	if req.Stage != domain.PaymentStage2 || req.Amount != 480 {
		t.Fatalf("expected stage two for 480, got %+v", req)
	}
}

func TestStageCheckoutFormOwnerOnly(t *testing.T) {
	orders := &stubOrderRepo{findFn: func(context.Context, string) (domain.Order, error) {
		return domain.Order{ID: "ord_1", UserID: "owner", Status: domain.OrderStatusPendingPayment1, Amounts: domain.OrderAmounts{Stage1Total: 2300}}, nil
	}}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders})

	viewers := []Viewer{
		{UserID: "staff", Admin: true},
		{UserID: "stranger"},
	}
	for _, viewer := range viewers {
		_, err := svc.StageCheckoutForm(context.Background(), StageCheckoutCommand{
			Viewer:  viewer,
			OrderID: "ord_1",
		})
		if !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("viewer %s: expected ErrOrderNotFound, got %v", viewer.UserID, err)
		}
	}
}

func TestStageCheckoutFormRejectsSettledOrder(t *testing.T) {
	svc := testOrderService(t, OrderServiceDeps{
		Orders: &stubOrderRepo{findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord_1", UserID: "owner", Status: domain.OrderStatusShipped}, nil
		}},
	})

	_, err := svc.StageCheckoutForm(context.Background(), StageCheckoutCommand{
		Viewer:  Viewer{UserID: "owner"},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func successfulNotification(stage domain.PaymentStage, amount int64) payments.Notification {
	return payments.Notification{
		MerchantTradeNo: "TB1ORD1",
		GatewayTradeNo:  "ECP20250314001",
		RtnCode:         "1",
		RtnMsg:          "Succeeded",
		TradeAmt:        amount,
		PaymentDate:     time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
		PaymentType:     "Credit_CreditCard",
		OrderID:         "ord_1",
		Stage:           stage,
	}
}

func TestApplyGatewayNotificationSettlesStageOne(t *testing.T) {
	base := domain.Order{
		ID:      "ord_1",
		UserID:  "owner",
		Status:  domain.OrderStatusPendingPayment1,
		Amounts: domain.OrderAmounts{Stage1Total: 2300},
	}
	var applied *repositories.ApplyStagePaymentRequest
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return base, nil },
		applyFn: func(_ context.Context, req repositories.ApplyStagePaymentRequest) (repositories.ApplyStagePaymentResult, error) {
			applied = &req
			updated := base
			updated.Status = domain.OrderStatusPaidPayment1
			return repositories.ApplyStagePaymentResult{Order: updated}, nil
		},
	}
	events := &captureOrderEvents{}
	notifier := &captureNotifier{}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders, Events: events, Notifier: notifier})

	order, alreadyApplied, err := svc.ApplyGatewayNotification(context.Background(), GatewayNotificationCommand{
		Notification: successfulNotification(domain.PaymentStage1, 2300),
	})
	if err != nil {
		t.Fatalf("ApplyGatewayNotification returned error: %v", err)
	}
	if alreadyApplied {
		t.Fatal("expected fresh settlement")
	}
	if order.Status != domain.OrderStatusPaidPayment1 {
		t.Fatalf("expected paid_payment_1, got %s", order.Status)
	}
	if applied == nil || applied.Record.GatewayTradeNo != "ECP20250314001" {
		t.Fatalf("unexpected settlement request: %+v", applied)
	}
	if len(events.events) != 1 || events.events[0].Type != orderEventPaymentApplied {
		t.Fatalf("expected payment applied event, got %+v", events.events)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != NotificationStageOnePaid {
		t.Fatalf("expected stage one paid notification, got %v", notifier.kinds)
	}
}

func TestApplyGatewayNotificationReplayIsIdempotent(t *testing.T) {
	base := domain.Order{
		ID:      "ord_1",
		UserID:  "owner",
		Status:  domain.OrderStatusPaidPayment1,
		Amounts: domain.OrderAmounts{Stage1Total: 2300},
	}
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return base, nil },
		applyFn: func(context.Context, repositories.ApplyStagePaymentRequest) (repositories.ApplyStagePaymentResult, error) {
			return repositories.ApplyStagePaymentResult{Order: base, AlreadyApplied: true}, nil
		},
	}
	events := &captureOrderEvents{}
	notifier := &captureNotifier{}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders, Events: events, Notifier: notifier})

	_, alreadyApplied, err := svc.ApplyGatewayNotification(context.Background(), GatewayNotificationCommand{
		Notification: successfulNotification(domain.PaymentStage1, 2300),
	})
	if err != nil {
		t.Fatalf("ApplyGatewayNotification returned error: %v", err)
	}
	if !alreadyApplied {
		t.Fatal("expected replay to be reported")
	}
	if len(events.events) != 0 {
		t.Fatalf("replay must not publish events, got %+v", events.events)
	}
	if len(notifier.kinds) != 0 {
		t.Fatalf("replay must not notify, got %v", notifier.kinds)
	}
}

func TestApplyGatewayNotificationAmountMismatch(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{
				ID:      "ord_1",
				Status:  domain.OrderStatusPendingPayment1,
				Amounts: domain.OrderAmounts{Stage1Total: 2300},
			}, nil
		},
	}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders})

	_, _, err := svc.ApplyGatewayNotification(context.Background(), GatewayNotificationCommand{
		Notification: successfulNotification(domain.PaymentStage1, 9999),
	})
	if !errors.Is(err, ErrOrderPaymentMismatch) {
		t.Fatalf("expected ErrOrderPaymentMismatch, got %v", err)
	}
}

func TestApplyGatewayNotificationConflictingTrade(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{
				ID:      "ord_1",
				Status:  domain.OrderStatusPaidPayment1,
				Amounts: domain.OrderAmounts{Stage1Total: 2300},
			}, nil
		},
		applyFn: func(context.Context, repositories.ApplyStagePaymentRequest) (repositories.ApplyStagePaymentResult, error) {
			return repositories.ApplyStagePaymentResult{}, &repositories.PaymentConflictError{
				OrderID:          "ord_1",
				Stage:            domain.PaymentStage1,
				RecordedTradeNo:  "ECP-A",
				ConflictingTrade: "ECP-B",
			}
		},
	}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders})

	_, _, err := svc.ApplyGatewayNotification(context.Background(), GatewayNotificationCommand{
		Notification: successfulNotification(domain.PaymentStage1, 2300),
	})
	if !errors.Is(err, ErrOrderPaymentConflict) {
		t.Fatalf("expected ErrOrderPaymentConflict, got %v", err)
	}
}

func TestApplyGatewayNotificationRejectsFailedResult(t *testing.T) {
	svc := testOrderService(t, OrderServiceDeps{})

	notif := successfulNotification(domain.PaymentStage1, 2300)
	notif.RtnCode = "10200095"
	notif.RtnMsg = "transaction failed"

	_, _, err := svc.ApplyGatewayNotification(context.Background(), GatewayNotificationCommand{Notification: notif})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestMarkArrivedTransitions(t *testing.T) {
	var req *repositories.ApplyStatusTransitionRequest
	behaviour := transitionBehaviour(domain.Order{ID: "ord_1", UserID: "owner", Status: domain.OrderStatusPaidPayment1})
	orders := &stubOrderRepo{
		transitionFn: func(ctx context.Context, r repositories.ApplyStatusTransitionRequest) (repositories.ApplyStatusTransitionResult, error) {
			req = &r
			return behaviour(ctx, r)
		},
	}
	events := &captureOrderEvents{}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders, Events: events})

	order, err := svc.MarkArrived(context.Background(), MarkArrivedCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
	})
	if err != nil {
		t.Fatalf("MarkArrived returned error: %v", err)
	}
	if order.Status != domain.OrderStatusArrivedTW {
		t.Fatalf("expected arrived_tw, got %s", order.Status)
	}
	if order.ArrivedAt == nil {
		t.Fatal("expected arrival timestamp")
	}
	if req == nil || len(req.AllowedStatuses) != 1 || req.AllowedStatuses[0] != domain.OrderStatusPaidPayment1 {
		t.Fatalf("unexpected allowed statuses: %+v", req)
	}
	if len(events.events) != 1 || events.events[0].Type != orderEventStatusChanged {
		t.Fatalf("expected status changed event, got %+v", events.events)
	}
}

func TestMarkArrivedRejectsInvalidState(t *testing.T) {
	orders := &stubOrderRepo{
		transitionFn: transitionBehaviour(domain.Order{ID: "ord_1", Status: domain.OrderStatusPendingPayment1}),
	}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders})

	_, err := svc.MarkArrived(context.Background(), MarkArrivedCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestAdminTransitionsRequireAdmin(t *testing.T) {
	svc := testOrderService(t, OrderServiceDeps{})
	viewer := Viewer{UserID: "owner"}

	checks := map[string]func() error{
		"MarkArrived": func() error {
			_, err := svc.MarkArrived(context.Background(), MarkArrivedCommand{Viewer: viewer, OrderID: "ord_1"})
			return err
		},
		"SetShippingFee": func() error {
			_, err := svc.SetShippingFee(context.Background(), SetShippingFeeCommand{Viewer: viewer, OrderID: "ord_1", Amount: 100})
			return err
		},
		"Ship": func() error {
			_, err := svc.Ship(context.Background(), ShipOrderCommand{Viewer: viewer, OrderID: "ord_1"})
			return err
		},
		"Complete": func() error {
			_, err := svc.Complete(context.Background(), CompleteOrderCommand{Viewer: viewer, OrderID: "ord_1"})
			return err
		},
		"Cancel": func() error {
			_, err := svc.Cancel(context.Background(), CancelOrderCommand{Viewer: viewer, OrderID: "ord_1"})
			return err
		},
	}
	for name, call := range checks {
		if err := call(); !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", name, err)
		}
	}
}

func TestSetShippingFee(t *testing.T) {
	var req *repositories.SetStageTwoFeeRequest
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord_1", UserID: "owner", Status: domain.OrderStatusArrivedTW}, nil
		},
		feeFn: func(_ context.Context, r repositories.SetStageTwoFeeRequest) (domain.Order, error) {
			req = &r
			return domain.Order{
				ID:      "ord_1",
				UserID:  "owner",
				Status:  domain.OrderStatusPendingPayment2,
				Amounts: domain.OrderAmounts{Stage2Total: r.Amount},
			}, nil
		},
	}
	events := &captureOrderEvents{}
	notifier := &captureNotifier{}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders, Events: events, Notifier: notifier})

	order, err := svc.SetShippingFee(context.Background(), SetShippingFeeCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
		Amount:  480,
	})
	if err != nil {
		t.Fatalf("SetShippingFee returned error: %v", err)
	}
	if order.Status != domain.OrderStatusPendingPayment2 || order.Amounts.Stage2Total != 480 {
		t.Fatalf("unexpected order after fee: %+v", order)
	}
	if req == nil || len(req.AllowedStatuses) != 2 {
		t.Fatalf("unexpected fee request: %+v", req)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != NotificationShippingFeeDue {
		t.Fatalf("expected shipping fee due notification, got %v", notifier.kinds)
	}
}

func TestSetShippingFeeValidation(t *testing.T) {
	svc := testOrderService(t, OrderServiceDeps{})
	admin := Viewer{UserID: "staff", Admin: true}

	if _, err := svc.SetShippingFee(context.Background(), SetShippingFeeCommand{Viewer: admin, OrderID: "ord_1"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for zero amount, got %v", err)
	}
	if _, err := svc.SetShippingFee(context.Background(), SetShippingFeeCommand{Viewer: admin, OrderID: "ord_1", Amount: -5}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for negative amount, got %v", err)
	}
}

func TestSetShippingFeeStateConflict(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord_1", Status: domain.OrderStatusPendingPayment1}, nil
		},
		feeFn: func(context.Context, repositories.SetStageTwoFeeRequest) (domain.Order, error) {
			return domain.Order{}, &repositories.StateConflictError{OrderID: "ord_1", Current: domain.OrderStatusPendingPayment1}
		},
	}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders})

	_, err := svc.SetShippingFee(context.Background(), SetShippingFeeCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
		Amount:  480,
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestShipStoresTrackingNumber(t *testing.T) {
	var req *repositories.ApplyStatusTransitionRequest
	behaviour := transitionBehaviour(domain.Order{ID: "ord_1", UserID: "owner", Status: domain.OrderStatusPaidPayment2})
	orders := &stubOrderRepo{
		transitionFn: func(ctx context.Context, r repositories.ApplyStatusTransitionRequest) (repositories.ApplyStatusTransitionResult, error) {
			req = &r
			return behaviour(ctx, r)
		},
	}
	notifier := &captureNotifier{}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders, Notifier: notifier})

	order, err := svc.Ship(context.Background(), ShipOrderCommand{
		Viewer:     Viewer{UserID: "staff", Admin: true},
		OrderID:    "ord_1",
		TrackingNo: "TW123456789",
	})
	if err != nil {
		t.Fatalf("Ship returned error: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", order.Status)
	}
	if req == nil || req.TrackingNo == nil || *req.TrackingNo != "TW123456789" {
		t.Fatal("expected tracking number in the transition request")
	}
	if order.ShippedAt == nil {
		t.Fatal("expected shipped timestamp")
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != NotificationOrderShipped {
		t.Fatalf("expected shipped notification, got %v", notifier.kinds)
	}
}

func TestShipRejectsShippedOrder(t *testing.T) {
	orders := &stubOrderRepo{
		transitionFn: transitionBehaviour(domain.Order{ID: "ord_1", UserID: "owner", Status: domain.OrderStatusShipped}),
	}
	events := &captureOrderEvents{}
	notifier := &captureNotifier{}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders, Events: events, Notifier: notifier})

	_, err := svc.Ship(context.Background(), ShipOrderCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events, got %+v", events.events)
	}
	if len(notifier.kinds) != 0 {
		t.Fatalf("expected no notifications, got %v", notifier.kinds)
	}
}

func TestCompleteRejectsCompletedOrder(t *testing.T) {
	orders := &stubOrderRepo{
		transitionFn: transitionBehaviour(domain.Order{ID: "ord_1", UserID: "owner", Status: domain.OrderStatusCompleted}),
	}
	events := &captureOrderEvents{}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders, Events: events})

	_, err := svc.Complete(context.Background(), CompleteOrderCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events, got %+v", events.events)
	}
}

func TestCancelRecordsReason(t *testing.T) {
	var req *repositories.ApplyStatusTransitionRequest
	behaviour := transitionBehaviour(domain.Order{ID: "ord_1", UserID: "owner", Status: domain.OrderStatusArrivedTW})
	orders := &stubOrderRepo{
		transitionFn: func(ctx context.Context, r repositories.ApplyStatusTransitionRequest) (repositories.ApplyStatusTransitionResult, error) {
			req = &r
			return behaviour(ctx, r)
		},
	}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders})

	order, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
		Reason:  "supplier out of stock",
	})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected canceled, got %s", order.Status)
	}
	if req == nil || req.CancelReason == nil || *req.CancelReason != "supplier out of stock" {
		t.Fatal("expected cancel reason in the transition request")
	}
	if order.CanceledAt == nil {
		t.Fatal("expected canceled timestamp")
	}
}

func TestCancelRejectsCompletedOrder(t *testing.T) {
	orders := &stubOrderRepo{
		transitionFn: transitionBehaviour(domain.Order{ID: "ord_1", Status: domain.OrderStatusCompleted}),
	}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders})

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestCancelIdempotentOnCanceledOrder(t *testing.T) {
	canceledAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	existing := domain.Order{
		ID:           "ord_1",
		UserID:       "owner",
		Status:       domain.OrderStatusCanceled,
		CanceledAt:   &canceledAt,
		CancelReason: optionalString("supplier out of stock"),
	}
	orders := &stubOrderRepo{
		transitionFn: transitionBehaviour(existing),
	}
	events := &captureOrderEvents{}
	notifier := &captureNotifier{}
	svc := testOrderService(t, OrderServiceDeps{Orders: orders, Events: events, Notifier: notifier})

	order, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Viewer:  Viewer{UserID: "staff", Admin: true},
		OrderID: "ord_1",
		Reason:  "another reason",
	})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.CanceledAt == nil || !order.CanceledAt.Equal(canceledAt) {
		t.Fatalf("expected original cancel timestamp, got %+v", order.CanceledAt)
	}
	if order.CancelReason == nil || *order.CancelReason != "supplier out of stock" {
		t.Fatalf("expected original cancel reason, got %+v", order.CancelReason)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events for replayed cancel, got %+v", events.events)
	}
	if len(notifier.kinds) != 0 {
		t.Fatalf("expected no notifications for replayed cancel, got %v", notifier.kinds)
	}
}

func TestCanTransitionTable(t *testing.T) {
	allowed := []struct {
		from, to domain.OrderStatus
	}{
		{domain.OrderStatusPendingPayment1, domain.OrderStatusPaidPayment1},
		{domain.OrderStatusPaidPayment1, domain.OrderStatusArrivedTW},
		{domain.OrderStatusPaidPayment1, domain.OrderStatusPendingPayment2},
		{domain.OrderStatusArrivedTW, domain.OrderStatusPendingPayment2},
		{domain.OrderStatusPendingPayment2, domain.OrderStatusPaidPayment2},
		{domain.OrderStatusPaidPayment2, domain.OrderStatusShipped},
		{domain.OrderStatusShipped, domain.OrderStatusCompleted},
		{domain.OrderStatusShipped, domain.OrderStatusCanceled},
	}
	for _, tc := range allowed {
		if !canTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to domain.OrderStatus
	}{
		{domain.OrderStatusPendingPayment1, domain.OrderStatusShipped},
		{domain.OrderStatusPendingPayment1, domain.OrderStatusPendingPayment2},
		{domain.OrderStatusPaidPayment1, domain.OrderStatusPaidPayment2},
		{domain.OrderStatusCompleted, domain.OrderStatusCompleted},
		{domain.OrderStatusCompleted, domain.OrderStatusCanceled},
		{domain.OrderStatusCanceled, domain.OrderStatusCanceled},
		{domain.OrderStatusCanceled, domain.OrderStatusPendingPayment1},
		{domain.OrderStatusShipped, domain.OrderStatusShipped},
	}
	for _, tc := range denied {
		if canTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	cases := []struct {
		target domain.OrderStatus
		want   []domain.OrderStatus
	}{
		{domain.OrderStatusArrivedTW, []domain.OrderStatus{domain.OrderStatusPaidPayment1}},
		{domain.OrderStatusShipped, []domain.OrderStatus{domain.OrderStatusPaidPayment2}},
		{domain.OrderStatusCompleted, []domain.OrderStatus{domain.OrderStatusShipped}},
		{domain.OrderStatusCanceled, []domain.OrderStatus{
			domain.OrderStatusPendingPayment1,
			domain.OrderStatusPaidPayment1,
			domain.OrderStatusArrivedTW,
			domain.OrderStatusPendingPayment2,
			domain.OrderStatusPaidPayment2,
			domain.OrderStatusShipped,
		}},
	}
	for _, tc := range cases {
		got := transitionSources(tc.target)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected sources %v, got %v", tc.target, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: expected sources %v, got %v", tc.target, tc.want, got)
			}
		}
	}
}
