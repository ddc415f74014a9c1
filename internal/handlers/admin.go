package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/platform/auth"
	"github.com/twicebuy/api/internal/platform/httpx"
	"github.com/twicebuy/api/internal/services"
)

// AdminHandlers exposes the staff-only order operations, catalog CRUD and
// user administration endpoints.
type AdminHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	catalog services.CatalogService
	users   services.UserService
}

// NewAdminHandlers constructs the admin endpoint group.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, catalog services.CatalogService, users services.UserService) *AdminHandlers {
	return &AdminHandlers{
		authn:   authn,
		orders:  orders,
		catalog: catalog,
		users:   users,
	}
}

// Routes wires the /admin endpoints onto the provided router. The role check
// here is the transport gate; the services enforce the same rule again.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}

	r.Route("/orders", func(orders chi.Router) {
		orders.Get("/", h.listOrders)
		orders.Post("/{orderID}/arrive", h.markArrived)
		orders.Post("/{orderID}/shipping-fee", h.setShippingFee)
		orders.Post("/{orderID}/ship", h.ship)
		orders.Post("/{orderID}/complete", h.complete)
		orders.Post("/{orderID}/cancel", h.cancel)
	})

	r.Route("/products", func(products chi.Router) {
		products.Post("/", h.createProduct)
		products.Put("/{productID}", h.updateProduct)
		products.Delete("/{productID}", h.deleteProduct)
		products.Post("/{productID}/images", h.createProductImageUploadURL)
	})

	r.Route("/users", func(users chi.Router) {
		users.Get("/", h.listUsers)
		users.Put("/{userID}/role", h.setRole)
	})
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
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
	filter := services.OrderListFilter{
		UserID:     strings.TrimSpace(r.URL.Query().Get("userId")),
		Pagination: pager,
	}
	for _, raw := range r.URL.Query()["status"] {
		for _, status := range strings.Split(raw, ",") {
			if status = strings.TrimSpace(status); status != "" {
				filter.Status = append(filter.Status, domain.OrderStatus(status))
			}
		}
	}

	page, err := h.orders.ListOrders(ctx, viewer, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *AdminHandlers) markArrived(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.MarkArrived(ctx, services.MarkArrivedCommand{
		Viewer:  viewer,
		OrderID: chi.URLParam(r, "orderID"),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

type setShippingFeeRequest struct {
	Amount int64 `json:"amount"`
}

func (h *AdminHandlers) setShippingFee(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req setShippingFeeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.SetShippingFee(ctx, services.SetShippingFeeCommand{
		Viewer:  viewer,
		OrderID: chi.URLParam(r, "orderID"),
		Amount:  req.Amount,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

type shipOrderRequest struct {
	TrackingNo string `json:"tracking_no"`
}

func (h *AdminHandlers) ship(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req shipOrderRequest
	if err := decodeJSONBody(r, &req); err != nil && !isEmptyBodyError(err) {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Ship(ctx, services.ShipOrderCommand{
		Viewer:     viewer,
		OrderID:    chi.URLParam(r, "orderID"),
		TrackingNo: req.TrackingNo,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

func (h *AdminHandlers) complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.Complete(ctx, services.CompleteOrderCommand{
		Viewer:  viewer,
		OrderID: chi.URLParam(r, "orderID"),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if err := decodeJSONBody(r, &req); err != nil && !isEmptyBodyError(err) {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		Viewer:  viewer,
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

type productRequest struct {
	Name                *string  `json:"name"`
	Description         *string  `json:"description"`
	Images              []string `json:"images"`
	PriceStage1         *int64   `json:"price_stage1"`
	PriceStage2Estimate *int64   `json:"price_stage2_estimate"`
	Stock               *int     `json:"stock"`
	Status              *string  `json:"status"`
	ReleaseDate         *string  `json:"release_date"`
}

func (h *AdminHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req productRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.CreateProductCommand{
		Viewer: viewer,
		Images: req.Images,
	}
	if req.Name != nil {
		cmd.Name = *req.Name
	}
	if req.Description != nil {
		cmd.Description = *req.Description
	}
	if req.PriceStage1 != nil {
		cmd.PriceStage1 = *req.PriceStage1
	}
	if req.PriceStage2Estimate != nil {
		cmd.PriceStage2Estimate = *req.PriceStage2Estimate
	}
	if req.Stock != nil {
		cmd.Stock = *req.Stock
	}
	if req.Status != nil {
		cmd.Status = domain.ProductStatus(strings.TrimSpace(*req.Status))
	}
	if req.ReleaseDate != nil {
		release, err := parseReleaseDate(*req.ReleaseDate)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_product_request", err.Error(), http.StatusBadRequest))
			return
		}
		cmd.ReleaseDate = release
	}

	product, err := h.catalog.CreateProduct(ctx, cmd)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"product": buildProductPayload(product)})
}

func (h *AdminHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req productRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.UpdateProductCommand{
		Viewer:              viewer,
		ProductID:           chi.URLParam(r, "productID"),
		Name:                req.Name,
		Description:         req.Description,
		Images:              req.Images,
		PriceStage1:         req.PriceStage1,
		PriceStage2Estimate: req.PriceStage2Estimate,
		Stock:               req.Stock,
	}
	if req.Status != nil {
		status := domain.ProductStatus(strings.TrimSpace(*req.Status))
		cmd.Status = &status
	}
	if req.ReleaseDate != nil {
		release, err := parseReleaseDate(*req.ReleaseDate)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_product_request", err.Error(), http.StatusBadRequest))
			return
		}
		cmd.ReleaseDate = release
	}

	product, err := h.catalog.UpdateProduct(ctx, cmd)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"product": buildProductPayload(product)})
}

func (h *AdminHandlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	if err := h.catalog.DeleteProduct(ctx, services.DeleteProductCommand{
		Viewer:    viewer,
		ProductID: chi.URLParam(r, "productID"),
	}); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type productImageUploadRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

func (h *AdminHandlers) createProductImageUploadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req productImageUploadRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	upload, err := h.catalog.CreateProductImageUploadURL(ctx, services.ProductImageUploadCommand{
		Viewer:      viewer,
		ProductID:   chi.URLParam(r, "productID"),
		FileName:    req.FileName,
		ContentType: req.ContentType,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"upload": buildProductImageUploadPayload(upload)})
}

func (h *AdminHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service is unavailable", http.StatusServiceUnavailable))
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
	page, err := h.users.ListUsers(ctx, viewer, pager)
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildUserListResponse(page))
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (h *AdminHandlers) setRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req setRoleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	profile, err := h.users.SetRole(ctx, services.SetRoleCommand{
		Viewer: viewer,
		UserID: chi.URLParam(r, "userID"),
		Role:   req.Role,
	})
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"user": buildProfilePayload(profile)})
}

func isEmptyBodyError(err error) bool {
	return errors.Is(err, errEmptyBody)
}

func parseReleaseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			utc := parsed.UTC()
			return &utc, nil
		}
	}
	return nil, errors.New("release_date must be RFC3339 or YYYY-MM-DD")
}
