package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/twicebuy/api/internal/domain"
	pfirestore "github.com/twicebuy/api/internal/platform/firestore"
	"github.com/twicebuy/api/internal/platform/pagination"
	"github.com/twicebuy/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists orders in Firestore. Settlement writes run inside
// single-document transactions so concurrent gateway callbacks cannot record
// a stage twice.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection)
	return &OrderRepository{base: base, provider: provider}, nil
}

// Insert creates the order document. An existing document with the same ID is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}

	docRef, err := r.base.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, fromDomainOrder(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads one order by ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order := toDomainOrder(doc.Data)
	order.ID = doc.ID
	return order, nil
}

// ListByUser returns the user's orders newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("user id is required")
	}
	return r.list(ctx, repositories.OrderListFilter{UserID: uid, Pagination: pager})
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return r.list(ctx, filter)
}

func (r *OrderRepository) list(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := 0
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var tokenTime time.Time
	tokenID := ""
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		var err error
		tokenTime, tokenID, err = pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("orders.list: invalid page token: %w", err)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		switch len(filter.Status) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Status[0]))
		default:
			values := make([]string, 0, len(filter.Status))
			for _, st := range filter.Status {
				values = append(values, string(st))
			}
			q = q.Where("status", "in", values)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if tokenID != "" {
			q = q.StartAfter(tokenTime, tokenID)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	nextToken := ""
	if fetchLimit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		nextToken = pagination.EncodeToken(last.Data.CreatedAt, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order := toDomainOrder(doc.Data)
		order.ID = doc.ID
		items = append(items, order)
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: nextToken}, nil
}

// ApplyStatusTransition moves the order to the target status in a transaction.
//
// Only the status, the update timestamp, the state timestamp, and the optional
// tracking number or cancel reason are written, so a settlement recorded by a
// concurrent gateway callback is never overwritten. A current status outside
// the allowed set fails with a StateConflictError. With IdempotentReplay set,
// an order already in the target status commits nothing and reports Unchanged.
func (r *OrderRepository) ApplyStatusTransition(ctx context.Context, req repositories.ApplyStatusTransitionRequest) (repositories.ApplyStatusTransitionResult, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return repositories.ApplyStatusTransitionResult{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return repositories.ApplyStatusTransitionResult{}, errors.New("order id is required")
	}
	if req.Target == "" {
		return repositories.ApplyStatusTransitionResult{}, errors.New("target status is required")
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		result   repositories.ApplyStatusTransitionResult
		stateErr *repositories.StateConflictError
	)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.ApplyStatusTransitionResult{}
		stateErr = nil

		docRef, err := r.base.DocumentRef(ctx, req.OrderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", req.OrderID, err)
		}

		current := domain.OrderStatus(doc.Status)
		if req.IdempotentReplay && current == req.Target {
			order := toDomainOrder(doc)
			order.ID = snap.Ref.ID
			result = repositories.ApplyStatusTransitionResult{Order: order, PreviousStatus: current, Unchanged: true}
			return nil
		}
		if !statusAllowed(current, req.AllowedStatuses) {
			stateErr = &repositories.StateConflictError{OrderID: req.OrderID, Current: current}
			return status.Error(codes.FailedPrecondition, "order status transition not allowed")
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(req.Target)},
			{Path: "updatedAt", Value: now},
		}
		applyTransitionToDoc(&doc, req.Target, now)
		switch req.Target {
		case domain.OrderStatusArrivedTW:
			updates = append(updates, firestore.Update{Path: "arrivedAt", Value: now})
		case domain.OrderStatusShipped:
			updates = append(updates, firestore.Update{Path: "shippedAt", Value: now})
		case domain.OrderStatusCompleted:
			updates = append(updates, firestore.Update{Path: "completedAt", Value: now})
		case domain.OrderStatusCanceled:
			updates = append(updates, firestore.Update{Path: "canceledAt", Value: now})
		}
		if req.TrackingNo != nil {
			doc.TrackingNo = req.TrackingNo
			updates = append(updates, firestore.Update{Path: "trackingNo", Value: *req.TrackingNo})
		}
		if req.CancelReason != nil {
			doc.CancelReason = req.CancelReason
			updates = append(updates, firestore.Update{Path: "cancelReason", Value: *req.CancelReason})
		}

		if err := tx.Update(docRef, updates); err != nil {
			return err
		}
		order := toDomainOrder(doc)
		order.ID = snap.Ref.ID
		result = repositories.ApplyStatusTransitionResult{Order: order, PreviousStatus: current}
		return nil
	})
	if stateErr != nil {
		return repositories.ApplyStatusTransitionResult{}, stateErr
	}
	if err != nil {
		return repositories.ApplyStatusTransitionResult{}, err
	}
	return result, nil
}

// applyTransitionToDoc mirrors the field-level updates on the in-memory
// document so the committed state can be returned without a re-read.
func applyTransitionToDoc(doc *orderDocument, target domain.OrderStatus, now time.Time) {
	doc.Status = string(target)
	doc.UpdatedAt = now
	switch target {
	case domain.OrderStatusArrivedTW:
		doc.ArrivedAt = &now
	case domain.OrderStatusShipped:
		doc.ShippedAt = &now
	case domain.OrderStatusCompleted:
		doc.CompletedAt = &now
	case domain.OrderStatusCanceled:
		doc.CanceledAt = &now
	}
}

// ApplyStagePayment records a verified settlement in a transaction.
//
// An exact replay of the recorded trade number commits nothing and reports
// AlreadyApplied. A different trade number against an already settled stage
// flags the order for manual review, commits that flag, and fails with a
// PaymentConflictError. A settlement against an order that is not awaiting
// the stage fails with a StateConflictError.
func (r *OrderRepository) ApplyStagePayment(ctx context.Context, req repositories.ApplyStagePaymentRequest) (repositories.ApplyStagePaymentResult, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return repositories.ApplyStagePaymentResult{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return repositories.ApplyStagePaymentResult{}, errors.New("order id is required")
	}
	if req.Stage != domain.PaymentStage1 && req.Stage != domain.PaymentStage2 {
		return repositories.ApplyStagePaymentResult{}, fmt.Errorf("unsupported payment stage %d", req.Stage)
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		result      repositories.ApplyStagePaymentResult
		conflictErr *repositories.PaymentConflictError
		stateErr    *repositories.StateConflictError
	)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.ApplyStagePaymentResult{}
		conflictErr = nil
		stateErr = nil

		docRef, err := r.base.DocumentRef(ctx, req.OrderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", req.OrderID, err)
		}

		recorded := stageRecord(doc, req.Stage)
		if recorded != nil {
			if recorded.GatewayTradeNo == req.Record.GatewayTradeNo {
				order := toDomainOrder(doc)
				order.ID = snap.Ref.ID
				result = repositories.ApplyStagePaymentResult{Order: order, AlreadyApplied: true}
				return nil
			}
			conflictErr = &repositories.PaymentConflictError{
				OrderID:          req.OrderID,
				Stage:            req.Stage,
				RecordedTradeNo:  recorded.GatewayTradeNo,
				ConflictingTrade: req.Record.GatewayTradeNo,
			}
			// The review flag must commit, so the conflict is surfaced
			// after the transaction instead of aborting it.
			return tx.Update(docRef, []firestore.Update{
				{Path: "manualReview", Value: true},
				{Path: "updatedAt", Value: now},
			})
		}

		if !awaitingStage(domain.OrderStatus(doc.Status), req.Stage) {
			stateErr = &repositories.StateConflictError{
				OrderID: req.OrderID,
				Current: domain.OrderStatus(doc.Status),
			}
			return status.Error(codes.FailedPrecondition, "order not awaiting stage payment")
		}

		record := fromDomainPaymentRecord(req.Record)
		switch req.Stage {
		case domain.PaymentStage1:
			doc.Status = string(domain.OrderStatusPaidPayment1)
			doc.Payments.Stage1Paid = true
			doc.Payments.Stage1Record = &record
			doc.PaidStage1At = &now
		case domain.PaymentStage2:
			doc.Status = string(domain.OrderStatusPaidPayment2)
			doc.Payments.Stage2Paid = true
			doc.Payments.Stage2Record = &record
			doc.PaidStage2At = &now
		}
		doc.UpdatedAt = now

		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		order := toDomainOrder(doc)
		order.ID = snap.Ref.ID
		result = repositories.ApplyStagePaymentResult{Order: order}
		return nil
	})
	if stateErr != nil {
		return repositories.ApplyStagePaymentResult{}, stateErr
	}
	if err != nil {
		return repositories.ApplyStagePaymentResult{}, err
	}
	if conflictErr != nil {
		return repositories.ApplyStagePaymentResult{}, conflictErr
	}
	return result, nil
}

// SetStageTwoFee writes the shipping fee and moves the order to the pending
// stage-two state when the current status is one of the allowed states.
func (r *OrderRepository) SetStageTwoFee(ctx context.Context, req repositories.SetStageTwoFeeRequest) (domain.Order, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return domain.Order{}, errors.New("order id is required")
	}
	if req.Amount <= 0 {
		return domain.Order{}, errors.New("shipping fee must be positive")
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		updated  domain.Order
		stateErr *repositories.StateConflictError
	)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		updated = domain.Order{}
		stateErr = nil

		docRef, err := r.base.DocumentRef(ctx, req.OrderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", req.OrderID, err)
		}

		current := domain.OrderStatus(doc.Status)
		if !statusAllowed(current, req.AllowedStatuses) {
			stateErr = &repositories.StateConflictError{OrderID: req.OrderID, Current: current}
			return status.Error(codes.FailedPrecondition, "order not eligible for shipping fee")
		}

		doc.Amounts.Stage2Total = req.Amount
		doc.Status = string(domain.OrderStatusPendingPayment2)
		doc.UpdatedAt = now

		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		updated = toDomainOrder(doc)
		updated.ID = snap.Ref.ID
		return nil
	})
	if stateErr != nil {
		return domain.Order{}, stateErr
	}
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func stageRecord(doc orderDocument, stage domain.PaymentStage) *paymentRecordDocument {
	switch stage {
	case domain.PaymentStage1:
		return doc.Payments.Stage1Record
	case domain.PaymentStage2:
		return doc.Payments.Stage2Record
	}
	return nil
}

func awaitingStage(current domain.OrderStatus, stage domain.PaymentStage) bool {
	switch stage {
	case domain.PaymentStage1:
		return current == domain.OrderStatusPendingPayment1
	case domain.PaymentStage2:
		return current == domain.OrderStatusPendingPayment2
	}
	return false
}

func statusAllowed(current domain.OrderStatus, allowed []domain.OrderStatus) bool {
	for _, st := range allowed {
		if st == current {
			return true
		}
	}
	return false
}

type orderDocument struct {
	UserID       string                `firestore:"userId"`
	Status       string                `firestore:"status"`
	Items        []orderItemDocument   `firestore:"items"`
	Amounts      orderAmountsDocument  `firestore:"amounts"`
	Payments     orderPaymentsDocument `firestore:"payments"`
	Shipping     shippingDocument      `firestore:"shipping"`
	TrackingNo   *string               `firestore:"trackingNo,omitempty"`
	ManualReview bool                  `firestore:"manualReview"`
	Notes        map[string]any        `firestore:"notes,omitempty"`
	CreatedAt    time.Time             `firestore:"createdAt"`
	UpdatedAt    time.Time             `firestore:"updatedAt"`
	PaidStage1At *time.Time            `firestore:"paidStage1At,omitempty"`
	ArrivedAt    *time.Time            `firestore:"arrivedAt,omitempty"`
	PaidStage2At *time.Time            `firestore:"paidStage2At,omitempty"`
	ShippedAt    *time.Time            `firestore:"shippedAt,omitempty"`
	CompletedAt  *time.Time            `firestore:"completedAt,omitempty"`
	CanceledAt   *time.Time            `firestore:"canceledAt,omitempty"`
	CancelReason *string               `firestore:"cancelReason,omitempty"`
}

type orderItemDocument struct {
	ProductRef string  `firestore:"productRef"`
	Name       string  `firestore:"name"`
	UnitPrice  int64   `firestore:"unitPrice"`
	Quantity   int     `firestore:"quantity"`
	Total      int64   `firestore:"total"`
	ImageRef   *string `firestore:"imageRef,omitempty"`
}

type orderAmountsDocument struct {
	Stage1Total int64 `firestore:"stage1Total"`
	Stage2Total int64 `firestore:"stage2Total"`
}

type orderPaymentsDocument struct {
	Stage1Paid   bool                   `firestore:"stage1Paid"`
	Stage2Paid   bool                   `firestore:"stage2Paid"`
	Stage1Record *paymentRecordDocument `firestore:"stage1Record,omitempty"`
	Stage2Record *paymentRecordDocument `firestore:"stage2Record,omitempty"`
}

type paymentRecordDocument struct {
	MerchantTradeNo string    `firestore:"merchantTradeNo"`
	GatewayTradeNo  string    `firestore:"gatewayTradeNo"`
	Amount          int64     `firestore:"amount"`
	PaymentType     string    `firestore:"paymentType"`
	PaidAt          time.Time `firestore:"paidAt"`
}

type shippingDocument struct {
	ReceiverName   string `firestore:"receiverName"`
	Phone          string `firestore:"phone"`
	Address        string `firestore:"address"`
	DeliveryMethod string `firestore:"deliveryMethod"`
}

func toDomainOrder(doc orderDocument) domain.Order {
	order := domain.Order{
		UserID:       doc.UserID,
		Status:       domain.OrderStatus(doc.Status),
		Items:        toDomainItems(doc.Items),
		Amounts:      domain.OrderAmounts(doc.Amounts),
		Shipping:     domain.ShippingInfo(doc.Shipping),
		TrackingNo:   doc.TrackingNo,
		ManualReview: doc.ManualReview,
		Notes:        doc.Notes,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		PaidStage1At: doc.PaidStage1At,
		ArrivedAt:    doc.ArrivedAt,
		PaidStage2At: doc.PaidStage2At,
		ShippedAt:    doc.ShippedAt,
		CompletedAt:  doc.CompletedAt,
		CanceledAt:   doc.CanceledAt,
		CancelReason: doc.CancelReason,
	}
	order.Payments = domain.OrderPayments{
		Stage1Paid:   doc.Payments.Stage1Paid,
		Stage2Paid:   doc.Payments.Stage2Paid,
		Stage1Record: toDomainPaymentRecord(doc.Payments.Stage1Record),
		Stage2Record: toDomainPaymentRecord(doc.Payments.Stage2Record),
	}
	return order
}

func fromDomainOrder(order domain.Order) orderDocument {
	return orderDocument{
		UserID:       strings.TrimSpace(order.UserID),
		Status:       string(order.Status),
		Items:        fromDomainItems(order.Items),
		Amounts:      orderAmountsDocument(order.Amounts),
		Payments: orderPaymentsDocument{
			Stage1Paid:   order.Payments.Stage1Paid,
			Stage2Paid:   order.Payments.Stage2Paid,
			Stage1Record: fromDomainPaymentRecordPtr(order.Payments.Stage1Record),
			Stage2Record: fromDomainPaymentRecordPtr(order.Payments.Stage2Record),
		},
		Shipping:     shippingDocument(order.Shipping),
		TrackingNo:   order.TrackingNo,
		ManualReview: order.ManualReview,
		Notes:        order.Notes,
		CreatedAt:    order.CreatedAt,
		UpdatedAt:    order.UpdatedAt,
		PaidStage1At: order.PaidStage1At,
		ArrivedAt:    order.ArrivedAt,
		PaidStage2At: order.PaidStage2At,
		ShippedAt:    order.ShippedAt,
		CompletedAt:  order.CompletedAt,
		CanceledAt:   order.CanceledAt,
		CancelReason: order.CancelReason,
	}
}

func toDomainItems(items []orderItemDocument) []domain.OrderLineItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.OrderLineItem(item))
	}
	return out
}

func fromDomainItems(items []domain.OrderLineItem) []orderItemDocument {
	if len(items) == 0 {
		return nil
	}
	out := make([]orderItemDocument, 0, len(items))
	for _, item := range items {
		out = append(out, orderItemDocument(item))
	}
	return out
}

func toDomainPaymentRecord(doc *paymentRecordDocument) *domain.PaymentRecord {
	if doc == nil {
		return nil
	}
	record := domain.PaymentRecord(*doc)
	return &record
}

func fromDomainPaymentRecord(record domain.PaymentRecord) paymentRecordDocument {
	return paymentRecordDocument(record)
}

func fromDomainPaymentRecordPtr(record *domain.PaymentRecord) *paymentRecordDocument {
	if record == nil {
		return nil
	}
	doc := fromDomainPaymentRecord(*record)
	return &doc
}

// Ensure interface compliance.
var _ repositories.OrderRepository = (*OrderRepository)(nil)
