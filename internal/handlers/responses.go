package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/twicebuy/api/internal/domain"
	"github.com/twicebuy/api/internal/platform/auth"
	"github.com/twicebuy/api/internal/platform/httpx"
	"github.com/twicebuy/api/internal/platform/pagination"
	"github.com/twicebuy/api/internal/repositories"
	"github.com/twicebuy/api/internal/services"
)

const maxRequestBodySize = 64 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxRequestBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func decodeJSONBody(r *http.Request, dst any) error {
	body, err := readLimitedBody(r, maxRequestBodySize)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

// viewerFromContext maps the authenticated identity to the access model used
// by the services layer.
func viewerFromContext(ctx context.Context) (services.Viewer, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		return services.Viewer{}, false
	}
	return services.Viewer{
		UserID: identity.UID,
		Email:  identity.Email,
		Admin:  identity.HasRole(auth.RoleAdmin),
	}, true
}

func requireViewer(ctx context.Context, w http.ResponseWriter) (services.Viewer, bool) {
	viewer, ok := viewerFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	}
	return viewer, ok
}

// pageFromRequest parses pageSize and pageToken, replying with a 400 envelope
// when either is malformed.
func pageFromRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (domain.Pagination, bool) {
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_pagination", err.Error(), http.StatusBadRequest))
		return domain.Pagination{}, false
	}
	return domain.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	}, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

type shippingPayload struct {
	ReceiverName   string `json:"receiver_name"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
	DeliveryMethod string `json:"delivery_method,omitempty"`
}

func buildShippingPayload(shipping domain.ShippingInfo) shippingPayload {
	return shippingPayload{
		ReceiverName:   shipping.ReceiverName,
		Phone:          shipping.Phone,
		Address:        shipping.Address,
		DeliveryMethod: shipping.DeliveryMethod,
	}
}

func (p shippingPayload) toDomain() domain.ShippingInfo {
	return domain.ShippingInfo{
		ReceiverName:   strings.TrimSpace(p.ReceiverName),
		Phone:          strings.TrimSpace(p.Phone),
		Address:        strings.TrimSpace(p.Address),
		DeliveryMethod: strings.TrimSpace(p.DeliveryMethod),
	}
}

type orderItemPayload struct {
	ProductRef string  `json:"product_ref"`
	Name       string  `json:"name"`
	UnitPrice  int64   `json:"unit_price"`
	Quantity   int     `json:"quantity"`
	Total      int64   `json:"total"`
	ImageRef   *string `json:"image_ref,omitempty"`
}

type paymentRecordPayload struct {
	MerchantTradeNo string `json:"merchant_trade_no"`
	GatewayTradeNo  string `json:"gateway_trade_no"`
	Amount          int64  `json:"amount"`
	PaymentType     string `json:"payment_type,omitempty"`
	PaidAt          string `json:"paid_at"`
}

type orderPaymentsPayload struct {
	Stage1Paid   bool                  `json:"stage1_paid"`
	Stage2Paid   bool                  `json:"stage2_paid"`
	Stage1Record *paymentRecordPayload `json:"stage1_record,omitempty"`
	Stage2Record *paymentRecordPayload `json:"stage2_record,omitempty"`
}

type orderPayload struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	Status       string               `json:"status"`
	Items        []orderItemPayload   `json:"items"`
	Stage1Total  int64                `json:"stage1_total"`
	Stage2Total  int64                `json:"stage2_total,omitempty"`
	Payments     orderPaymentsPayload `json:"payments"`
	Shipping     shippingPayload      `json:"shipping"`
	TrackingNo   string               `json:"tracking_no,omitempty"`
	ManualReview bool                 `json:"manual_review,omitempty"`
	CreatedAt    string               `json:"created_at"`
	UpdatedAt    string               `json:"updated_at"`
	PaidStage1At string               `json:"paid_stage1_at,omitempty"`
	ArrivedAt    string               `json:"arrived_at,omitempty"`
	PaidStage2At string               `json:"paid_stage2_at,omitempty"`
	ShippedAt    string               `json:"shipped_at,omitempty"`
	CompletedAt  string               `json:"completed_at,omitempty"`
	CanceledAt   string               `json:"canceled_at,omitempty"`
	CancelReason string               `json:"cancel_reason,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			Total:      item.Total,
			ImageRef:   item.ImageRef,
		})
	}

	payload := orderPayload{
		ID:          order.ID,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Items:       items,
		Stage1Total: order.Amounts.Stage1Total,
		Stage2Total: order.Amounts.Stage2Total,
		Payments: orderPaymentsPayload{
			Stage1Paid:   order.Payments.Stage1Paid,
			Stage2Paid:   order.Payments.Stage2Paid,
			Stage1Record: buildPaymentRecordPayload(order.Payments.Stage1Record),
			Stage2Record: buildPaymentRecordPayload(order.Payments.Stage2Record),
		},
		Shipping:     buildShippingPayload(order.Shipping),
		ManualReview: order.ManualReview,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		PaidStage1At: formatTimePtr(order.PaidStage1At),
		ArrivedAt:    formatTimePtr(order.ArrivedAt),
		PaidStage2At: formatTimePtr(order.PaidStage2At),
		ShippedAt:    formatTimePtr(order.ShippedAt),
		CompletedAt:  formatTimePtr(order.CompletedAt),
		CanceledAt:   formatTimePtr(order.CanceledAt),
	}
	if order.TrackingNo != nil {
		payload.TrackingNo = *order.TrackingNo
	}
	if order.CancelReason != nil {
		payload.CancelReason = *order.CancelReason
	}
	return payload
}

func buildPaymentRecordPayload(record *domain.PaymentRecord) *paymentRecordPayload {
	if record == nil {
		return nil
	}
	return &paymentRecordPayload{
		MerchantTradeNo: record.MerchantTradeNo,
		GatewayTradeNo:  record.GatewayTradeNo,
		Amount:          record.Amount,
		PaymentType:     record.PaymentType,
		PaidAt:          formatTime(record.PaidAt),
	}
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func buildOrderListResponse(page domain.CursorPage[domain.Order]) orderListResponse {
	orders := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		orders = append(orders, buildOrderPayload(order))
	}
	return orderListResponse{Orders: orders, NextPageToken: page.NextPageToken}
}

type productPayload struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	Images              []string `json:"images,omitempty"`
	PriceStage1         int64    `json:"price_stage1"`
	PriceStage2Estimate int64    `json:"price_stage2_estimate,omitempty"`
	Stock               int      `json:"stock"`
	Status              string   `json:"status"`
	ReleaseDate         string   `json:"release_date,omitempty"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`
}

func buildProductPayload(product domain.Product) productPayload {
	return productPayload{
		ID:                  product.ID,
		Name:                product.Name,
		Description:         product.Description,
		Images:              product.Images,
		PriceStage1:         product.PriceStage1,
		PriceStage2Estimate: product.PriceStage2Estimate,
		Stock:               product.Stock,
		Status:              string(product.Status),
		ReleaseDate:         formatTimePtr(product.ReleaseDate),
		CreatedAt:           formatTime(product.CreatedAt),
		UpdatedAt:           formatTime(product.UpdatedAt),
	}
}

type productImageUploadPayload struct {
	UploadURL  string            `json:"upload_url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	ObjectPath string            `json:"object_path"`
	PublicURL  string            `json:"public_url,omitempty"`
	ExpiresAt  string            `json:"expires_at"`
}

func buildProductImageUploadPayload(upload services.ProductImageUpload) productImageUploadPayload {
	return productImageUploadPayload{
		UploadURL:  upload.UploadURL,
		Method:     upload.Method,
		Headers:    upload.Headers,
		ObjectPath: upload.ObjectPath,
		PublicURL:  upload.PublicURL,
		ExpiresAt:  formatTime(upload.ExpiresAt),
	}
}

type productListResponse struct {
	Products      []productPayload `json:"products"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

func buildProductListResponse(page domain.CursorPage[domain.Product]) productListResponse {
	products := make([]productPayload, 0, len(page.Items))
	for _, product := range page.Items {
		products = append(products, buildProductPayload(product))
	}
	return productListResponse{Products: products, NextPageToken: page.NextPageToken}
}

type profilePayload struct {
	ID            string           `json:"id"`
	Email         string           `json:"email,omitempty"`
	DisplayName   string           `json:"display_name,omitempty"`
	PhotoURL      string           `json:"photo_url,omitempty"`
	Locale        string           `json:"locale,omitempty"`
	Role          string           `json:"role"`
	Points        int64            `json:"points"`
	SavedShipping *shippingPayload `json:"saved_shipping,omitempty"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
}

func buildProfilePayload(profile domain.UserProfile) profilePayload {
	payload := profilePayload{
		ID:          profile.ID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
		Locale:      profile.Locale,
		Role:        profile.Role,
		Points:      profile.Points,
		CreatedAt:   formatTime(profile.CreatedAt),
		UpdatedAt:   formatTime(profile.UpdatedAt),
	}
	if profile.SavedShipping != nil {
		shipping := buildShippingPayload(*profile.SavedShipping)
		payload.SavedShipping = &shipping
	}
	return payload
}

type userListResponse struct {
	Users         []profilePayload `json:"users"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

func buildUserListResponse(page domain.CursorPage[domain.UserProfile]) userListResponse {
	users := make([]profilePayload, 0, len(page.Items))
	for _, profile := range page.Items {
		users = append(users, buildProfilePayload(profile))
	}
	return userListResponse{Users: users, NextPageToken: page.NextPageToken}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "admin role required", http.StatusForbidden))
		return
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_state", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrOrderPaymentMismatch), errors.Is(err, services.ErrOrderPaymentConflict):
		httpx.WriteError(ctx, w, httpx.NewError("payment_conflict", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
		return
	}

	writeRepositoryError(ctx, w, err, "order")
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrProductInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_product_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "admin role required", http.StatusForbidden))
		return
	case errors.Is(err, services.ErrProductConflict):
		httpx.WriteError(ctx, w, httpx.NewError("product_conflict", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrImageUploadsUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("image_uploads_unavailable", "image uploads are not configured", http.StatusServiceUnavailable))
		return
	}

	writeRepositoryError(ctx, w, err, "product")
}

func writeUserError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrUserInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_user_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrUserNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("user_not_found", "user not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "admin role required", http.StatusForbidden))
		return
	case errors.Is(err, services.ErrUserConflict):
		httpx.WriteError(ctx, w, httpx.NewError("user_conflict", err.Error(), http.StatusConflict))
		return
	}

	writeRepositoryError(ctx, w, err, "user")
}

func writeRepositoryError(ctx context.Context, w http.ResponseWriter, err error, scope string) {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError(scope+"_not_found", scope+" not found", http.StatusNotFound))
			return
		case repoErr.IsUnavailable():
			httpx.WriteError(ctx, w, httpx.NewError(scope+"_service_unavailable", scope+" repository unavailable", http.StatusServiceUnavailable))
			return
		}
	}
	httpx.WriteError(ctx, w, httpx.NewError(scope+"_error", err.Error(), http.StatusInternalServerError))
}
