package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/platform/auth"
	"github.com/twicebuy/api/internal/services"
)

func adminRouter(orders services.OrderService, catalog services.CatalogService, users services.UserService) *chi.Mux {
	handler := NewAdminHandlers(nil, orders, catalog, users)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)
	return router
}

func adminRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	}
	return authedRequest(req, "staff-1", auth.RoleAdmin)
}

func TestAdminHandlersListOrders(t *testing.T) {
	var captured services.OrderListFilter
	orders := &stubOrderService{
		listFn: func(_ context.Context, viewer services.Viewer, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			if !viewer.Admin {
				t.Fatalf("expected admin viewer, got %+v", viewer)
			}
			captured = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{{ID: "ord_1"}}}, nil
		},
	}
	router := adminRouter(orders, &stubCatalogService{}, &stubUserService{})

	req := adminRequest(http.MethodGet, "/admin/orders/?status=pending_payment_2&userId=user-9", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-9" {
		t.Fatalf("unexpected user filter %q", captured.UserID)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusPendingPayment2 {
		t.Fatalf("unexpected status filter %+v", captured.Status)
	}
}

func TestAdminHandlersMarkArrived(t *testing.T) {
	orders := &stubOrderService{
		arriveFn: func(_ context.Context, cmd services.MarkArrivedCommand) (services.Order, error) {
			if cmd.OrderID != "ord_1" {
				t.Fatalf("unexpected order id %q", cmd.OrderID)
			}
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusArrivedTW}, nil
		},
	}
	router := adminRouter(orders, &stubCatalogService{}, &stubUserService{})

	req := adminRequest(http.MethodPost, "/admin/orders/ord_1/arrive", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAdminHandlersSetShippingFee(t *testing.T) {
	var captured services.SetShippingFeeCommand
	orders := &stubOrderService{
		feeFn: func(_ context.Context, cmd services.SetShippingFeeCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusPendingPayment2}, nil
		},
	}
	router := adminRouter(orders, &stubCatalogService{}, &stubUserService{})

	req := adminRequest(http.MethodPost, "/admin/orders/ord_1/shipping-fee", []byte(`{"amount": 480}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Amount != 480 || captured.OrderID != "ord_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestAdminHandlersSetShippingFeeInvalidState(t *testing.T) {
	orders := &stubOrderService{
		feeFn: func(context.Context, services.SetShippingFeeCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}
	router := adminRouter(orders, &stubCatalogService{}, &stubUserService{})

	req := adminRequest(http.MethodPost, "/admin/orders/ord_1/shipping-fee", []byte(`{"amount": 480}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAdminHandlersShipWithoutBody(t *testing.T) {
	var captured services.ShipOrderCommand
	orders := &stubOrderService{
		shipFn: func(_ context.Context, cmd services.ShipOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusShipped}, nil
		},
	}
	router := adminRouter(orders, &stubCatalogService{}, &stubUserService{})

	req := adminRequest(http.MethodPost, "/admin/orders/ord_1/ship", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TrackingNo != "" {
		t.Fatalf("expected empty tracking number, got %q", captured.TrackingNo)
	}
}

func TestAdminHandlersShipWithTracking(t *testing.T) {
	var captured services.ShipOrderCommand
	orders := &stubOrderService{
		shipFn: func(_ context.Context, cmd services.ShipOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusShipped}, nil
		},
	}
	router := adminRouter(orders, &stubCatalogService{}, &stubUserService{})

	req := adminRequest(http.MethodPost, "/admin/orders/ord_1/ship", []byte(`{"tracking_no": "EF123456789TW"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.TrackingNo != "EF123456789TW" {
		t.Fatalf("unexpected tracking number %q", captured.TrackingNo)
	}
}

func TestAdminHandlersCancelWithReason(t *testing.T) {
	var captured services.CancelOrderCommand
	orders := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusCanceled}, nil
		},
	}
	router := adminRouter(orders, &stubCatalogService{}, &stubUserService{})

	req := adminRequest(http.MethodPost, "/admin/orders/ord_1/cancel", []byte(`{"reason": "out of stock"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Reason != "out of stock" {
		t.Fatalf("unexpected reason %q", captured.Reason)
	}
}

func TestAdminHandlersCreateProduct(t *testing.T) {
	var captured services.CreateProductCommand
	catalog := &stubCatalogService{
		createFn: func(_ context.Context, cmd services.CreateProductCommand) (services.Product, error) {
			captured = cmd
			return services.Product{ID: "prd_new", Name: cmd.Name, Status: cmd.Status}, nil
		},
	}
	router := adminRouter(&stubOrderService{}, catalog, &stubUserService{})

	body := `{
		"name": "Lightstick",
		"price_stage1": 1200,
		"price_stage2_estimate": 250,
		"stock": 10,
		"status": "preorder",
		"release_date": "2025-06-01"
	}`
	req := adminRequest(http.MethodPost, "/admin/products/", []byte(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Name != "Lightstick" || captured.PriceStage1 != 1200 || captured.Stock != 10 {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ReleaseDate == nil || !captured.ReleaseDate.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected release date %v", captured.ReleaseDate)
	}
}

func TestAdminHandlersCreateProductRejectsBadDate(t *testing.T) {
	router := adminRouter(&stubOrderService{}, &stubCatalogService{}, &stubUserService{})

	req := adminRequest(http.MethodPost, "/admin/products/", []byte(`{"name": "X", "price_stage1": 1, "release_date": "June 1st"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminHandlersUpdateProduct(t *testing.T) {
	var captured services.UpdateProductCommand
	catalog := &stubCatalogService{
		updateFn: func(_ context.Context, cmd services.UpdateProductCommand) (services.Product, error) {
			captured = cmd
			return services.Product{ID: cmd.ProductID}, nil
		},
	}
	router := adminRouter(&stubOrderService{}, catalog, &stubUserService{})

	req := adminRequest(http.MethodPut, "/admin/products/prd_album", []byte(`{"stock": 0, "status": "closed"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ProductID != "prd_album" {
		t.Fatalf("unexpected product id %q", captured.ProductID)
	}
	if captured.Stock == nil || *captured.Stock != 0 {
		t.Fatalf("expected stock pointer to zero, got %v", captured.Stock)
	}
	if captured.Status == nil || *captured.Status != domain.ProductStatusClosed {
		t.Fatalf("unexpected status %v", captured.Status)
	}
	if captured.Name != nil {
		t.Fatalf("expected name untouched, got %v", captured.Name)
	}
}

func TestAdminHandlersDeleteProduct(t *testing.T) {
	deleted := ""
	catalog := &stubCatalogService{
		deleteFn: func(_ context.Context, cmd services.DeleteProductCommand) error {
			deleted = cmd.ProductID
			return nil
		},
	}
	router := adminRouter(&stubOrderService{}, catalog, &stubUserService{})

	req := adminRequest(http.MethodDelete, "/admin/products/prd_album", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if deleted != "prd_album" {
		t.Fatalf("unexpected deleted id %q", deleted)
	}
}

func TestAdminHandlersProductImageUploadURL(t *testing.T) {
	var captured services.ProductImageUploadCommand
	catalog := &stubCatalogService{
		uploadFn: func(_ context.Context, cmd services.ProductImageUploadCommand) (services.ProductImageUpload, error) {
			captured = cmd
			return services.ProductImageUpload{
				UploadURL:  "https://storage.example.com/signed",
				Method:     http.MethodPut,
				Headers:    map[string]string{"Content-Type": cmd.ContentType},
				ObjectPath: "assets/products/" + cmd.ProductID + "/images/" + cmd.FileName,
				ExpiresAt:  time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC),
			}, nil
		},
	}
	router := adminRouter(&stubOrderService{}, catalog, &stubUserService{})

	body := `{"file_name": "cover.png", "content_type": "image/png"}`
	req := adminRequest(http.MethodPost, "/admin/products/prd_album/images", []byte(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ProductID != "prd_album" || captured.FileName != "cover.png" || captured.ContentType != "image/png" {
		t.Fatalf("unexpected command %+v", captured)
	}

	var resp struct {
		Upload struct {
			UploadURL  string `json:"upload_url"`
			Method     string `json:"method"`
			ObjectPath string `json:"object_path"`
		} `json:"upload"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Upload.UploadURL != "https://storage.example.com/signed" || resp.Upload.Method != http.MethodPut {
		t.Fatalf("unexpected upload payload %+v", resp.Upload)
	}
	if resp.Upload.ObjectPath != "assets/products/prd_album/images/cover.png" {
		t.Fatalf("unexpected object path %q", resp.Upload.ObjectPath)
	}
}

func TestAdminHandlersProductImageUploadUnavailable(t *testing.T) {
	catalog := &stubCatalogService{
		uploadFn: func(_ context.Context, _ services.ProductImageUploadCommand) (services.ProductImageUpload, error) {
			return services.ProductImageUpload{}, services.ErrImageUploadsUnavailable
		},
	}
	router := adminRouter(&stubOrderService{}, catalog, &stubUserService{})

	req := adminRequest(http.MethodPost, "/admin/products/prd_album/images", []byte(`{"file_name": "cover.png", "content_type": "image/png"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestAdminHandlersSetRole(t *testing.T) {
	var captured services.SetRoleCommand
	users := &stubUserService{
		roleFn: func(_ context.Context, cmd services.SetRoleCommand) (services.UserProfile, error) {
			captured = cmd
			return services.UserProfile{ID: cmd.UserID, Role: cmd.Role}, nil
		},
	}
	router := adminRouter(&stubOrderService{}, &stubCatalogService{}, users)

	req := adminRequest(http.MethodPut, "/admin/users/user-2/role", []byte(`{"role": "admin"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-2" || captured.Role != "admin" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestAdminHandlersForbiddenSurfacesAs403(t *testing.T) {
	orders := &stubOrderService{
		arriveFn: func(context.Context, services.MarkArrivedCommand) (services.Order, error) {
			return services.Order{}, services.ErrForbidden
		},
	}
	router := adminRouter(orders, &stubCatalogService{}, &stubUserService{})

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/arrive", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestAdminHandlersListUsers(t *testing.T) {
	users := &stubUserService{
		listFn: func(_ context.Context, viewer services.Viewer, _ services.Pagination) (domain.CursorPage[services.UserProfile], error) {
			if !viewer.Admin {
				t.Fatalf("expected admin viewer, got %+v", viewer)
			}
			return domain.CursorPage[services.UserProfile]{
				Items: []services.UserProfile{{ID: "user-1", Role: "user"}},
			}, nil
		},
	}
	router := adminRouter(&stubOrderService{}, &stubCatalogService{}, users)

	req := adminRequest(http.MethodGet, "/admin/users/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Users) != 1 || resp.Users[0].ID != "user-1" {
		t.Fatalf("unexpected users: %+v", resp.Users)
	}
}
