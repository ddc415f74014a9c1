package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/payments"
	"github.com/twicebuy/api/internal/platform/auth"
	"github.com/twicebuy/api/internal/platform/httpx"
	"github.com/twicebuy/api/internal/services"
)

// OrderHandlers exposes the authenticated order lifecycle endpoints.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	checkout func(http.Handler) http.Handler
}

// NewOrderHandlers constructs handlers for checkout and order reads. The
// optional checkout middleware wraps the order creation endpoint, typically
// with idempotency key enforcement.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, checkoutMiddleware func(http.Handler) http.Handler) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		checkout: checkoutMiddleware,
	}
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	if h.checkout != nil {
		r.With(h.checkout).Post("/", h.createOrder)
	} else {
		r.Post("/", h.createOrder)
	}
	r.Get("/", h.listMyOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/payments", h.stagePaymentForm)
}

type checkoutItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type checkoutRequest struct {
	Items    []checkoutItemRequest `json:"items"`
	Shipping shippingPayload       `json:"shipping"`
	Notes    map[string]any        `json:"notes,omitempty"`
}

type paymentFormPayload struct {
	Action string            `json:"action"`
	Fields map[string]string `json:"fields"`
}

type checkoutResponse struct {
	Order       orderPayload       `json:"order"`
	PaymentForm paymentFormPayload `json:"payment_form"`
}

func buildPaymentFormPayload(form payments.CheckoutForm) paymentFormPayload {
	return paymentFormPayload{Action: form.Action, Fields: form.Fields}
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	items := make([]domain.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.CartItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	result, err := h.orders.Checkout(ctx, services.CheckoutCommand{
		Viewer:   viewer,
		Cart:     domain.Cart{Items: items},
		Shipping: req.Shipping.toDomain(),
		Notes:    req.Notes,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		Order:       buildOrderPayload(result.Order),
		PaymentForm: buildPaymentFormPayload(result.Form),
	})
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	pager, ok := pageFromRequest(ctx, w, r)
	if !ok {
		return
	}
	page, err := h.orders.ListMyOrders(ctx, viewer, pager)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, viewer, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

// stagePaymentForm returns a freshly signed gateway form for the outstanding
// payment stage, letting customers retry after an abandoned checkout.
func (h *OrderHandlers) stagePaymentForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	form, err := h.orders.StageCheckoutForm(ctx, services.StageCheckoutCommand{
		Viewer:  viewer,
		OrderID: chi.URLParam(r, "orderID"),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payment_form": buildPaymentFormPayload(form)})
}
