package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/twicebuy/api/internal/payments"
	"github.com/twicebuy/api/internal/services"
)

const (
	callbackAck = "1|OK"

	maxCallbackBodySize = 32 * 1024
)

// NotificationParser verifies and decodes gateway callbacks.
type NotificationParser interface {
	ParseNotification(values url.Values) (payments.Notification, error)
}

// PaymentHandlers exposes the unauthenticated gateway-facing endpoints. The
// gateway authenticates through the CheckMacValue signature instead of tokens.
type PaymentHandlers struct {
	parser    NotificationParser
	orders    services.OrderService
	limiter   RateLimiter
	resultURL string
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewPaymentHandlers constructs handlers for the payment callback and browser
// return endpoints. resultURL is the storefront page customers land on.
func NewPaymentHandlers(parser NotificationParser, orders services.OrderService, limiter RateLimiter, resultURL string, logger func(context.Context, string, map[string]any)) *PaymentHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaymentHandlers{
		parser:    parser,
		orders:    orders,
		limiter:   limiter,
		resultURL: strings.TrimSpace(resultURL),
		logger:    logger,
	}
}

// Routes wires the /payments endpoints onto the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/callback", h.callback)
	r.Post("/result", h.result)
	r.Get("/result", h.result)
}

// callback handles the server-to-server payment result. Success and
// idempotent replays acknowledge with "1|OK" at 200. Rejections answer
// "0|<reason>" with a 4xx for bad input and a 500 for server faults, so the
// gateway keeps retrying only what can still succeed.
func (h *PaymentHandlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		h.writeCallbackReply(w, http.StatusTooManyRequests, "0|rate limited")
		return
	}
	if h.parser == nil || h.orders == nil {
		h.writeCallbackReply(w, http.StatusInternalServerError, "0|service unavailable")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBodySize)
	if err := r.ParseForm(); err != nil {
		h.logger(ctx, "payments.callback.malformed", map[string]any{"error": err.Error()})
		h.writeCallbackReply(w, http.StatusBadRequest, "0|malformed request")
		return
	}

	notif, err := h.parser.ParseNotification(r.PostForm)
	if err != nil {
		h.logger(ctx, "payments.callback.rejected", map[string]any{"error": err.Error()})
		switch {
		case errors.Is(err, payments.ErrSignatureMismatch):
			h.writeCallbackReply(w, http.StatusBadRequest, "0|CheckMacValue verify fail")
		default:
			h.writeCallbackReply(w, http.StatusBadRequest, "0|invalid notification")
		}
		return
	}

	order, alreadyApplied, err := h.orders.ApplyGatewayNotification(ctx, services.GatewayNotificationCommand{
		Notification: notif,
	})
	if err != nil {
		h.logger(ctx, "payments.callback.failed", map[string]any{
			"order": notif.OrderID,
			"stage": int(notif.Stage),
			"error": err.Error(),
		})
		status, reason := callbackRejection(err)
		h.writeCallbackReply(w, status, "0|"+reason)
		return
	}

	h.logger(ctx, "payments.callback.applied", map[string]any{
		"order":   order.ID,
		"stage":   int(notif.Stage),
		"tradeNo": notif.GatewayTradeNo,
		"replay":  alreadyApplied,
	})
	h.writeCallbackReply(w, http.StatusOK, callbackAck)
}

// result handles the customer browser returning from the hosted payment page.
func (h *PaymentHandlers) result(w http.ResponseWriter, r *http.Request) {
	outcome := "failed"
	msg := ""
	if err := r.ParseForm(); err == nil {
		if strings.TrimSpace(r.Form.Get("RtnCode")) == "1" {
			outcome = "success"
		} else {
			msg = strings.TrimSpace(r.Form.Get("RtnMsg"))
		}
	}

	target := h.resultURL
	if target == "" {
		// No storefront configured; reply with a minimal page.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "payment %s\n", outcome)
		return
	}

	redirect, err := url.Parse(target)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "payment %s\n", outcome)
		return
	}
	query := redirect.Query()
	query.Set("payment", outcome)
	if msg != "" {
		query.Set("msg", msg)
	}
	if orderID := strings.TrimSpace(r.Form.Get("CustomField1")); orderID != "" {
		query.Set("order", orderID)
	}
	redirect.RawQuery = query.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusSeeOther)
}

func (h *PaymentHandlers) writeCallbackReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func callbackRejection(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		return http.StatusBadRequest, "order not found"
	case errors.Is(err, services.ErrOrderPaymentMismatch):
		return http.StatusBadRequest, "amount mismatch"
	case errors.Is(err, services.ErrOrderPaymentConflict):
		return http.StatusBadRequest, "conflicting trade"
	case errors.Is(err, services.ErrOrderInvalidState):
		return http.StatusBadRequest, "order not awaiting payment"
	case errors.Is(err, services.ErrOrderInvalidInput):
		return http.StatusBadRequest, "invalid notification"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
