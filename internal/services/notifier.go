package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twicebuy/api/internal/platform/mail"
)

// NotificationKind identifies the lifecycle moments customers are told about.
type NotificationKind string

const (
	// NotificationOrderReceived confirms the order was accepted.
	NotificationOrderReceived NotificationKind = "order_received"
	// NotificationStageOnePaid confirms the product payment settled.
	NotificationStageOnePaid NotificationKind = "stage_one_paid"
	// NotificationShippingFeeDue tells the customer the shipping fee is payable.
	NotificationShippingFeeDue NotificationKind = "shipping_fee_due"
	// NotificationStageTwoPaid confirms the shipping fee settled.
	NotificationStageTwoPaid NotificationKind = "stage_two_paid"
	// NotificationOrderShipped announces the carrier handoff.
	NotificationOrderShipped NotificationKind = "order_shipped"
)

// Notifier delivers customer-facing order notifications. Implementations must
// never fail the calling operation; delivery problems are logged and dropped.
type Notifier interface {
	NotifyOrderEvent(ctx context.Context, kind NotificationKind, order Order)
}

// RecipientResolver maps a user id to a deliverable email address.
type RecipientResolver func(ctx context.Context, userID string) (string, error)

// MailNotifierDeps bundles collaborators for the SMTP-backed notifier.
type MailNotifierDeps struct {
	Sender    mail.Sender
	Recipient RecipientResolver
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type mailNotifier struct {
	sender    mail.Sender
	recipient RecipientResolver
	logger    func(context.Context, string, map[string]any)
}

// NewMailNotifier builds a notifier that emails customers about order progress.
func NewMailNotifier(deps MailNotifierDeps) (Notifier, error) {
	if deps.Sender == nil {
		return nil, errors.New("notifier: mail sender is required")
	}
	if deps.Recipient == nil {
		return nil, errors.New("notifier: recipient resolver is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &mailNotifier{
		sender:    deps.Sender,
		recipient: deps.Recipient,
		logger:    logger,
	}, nil
}

func (n *mailNotifier) NotifyOrderEvent(ctx context.Context, kind NotificationKind, order Order) {
	subject, body, ok := renderNotification(kind, order)
	if !ok {
		n.logger(ctx, "notify.kind.unknown", map[string]any{"kind": string(kind), "order": order.ID})
		return
	}

	to, err := n.recipient(ctx, order.UserID)
	if err != nil || strings.TrimSpace(to) == "" {
		fields := map[string]any{"kind": string(kind), "order": order.ID, "user": order.UserID}
		if err != nil {
			fields["error"] = err.Error()
		}
		n.logger(ctx, "notify.recipient.unresolved", fields)
		return
	}

	if err := n.sender.Send(ctx, mail.Message{To: to, Subject: subject, TextBody: body}); err != nil {
		n.logger(ctx, "notify.send.failed", map[string]any{
			"kind":  string(kind),
			"order": order.ID,
			"error": err.Error(),
		})
		return
	}
	n.logger(ctx, "notify.sent", map[string]any{"kind": string(kind), "order": order.ID})
}

func renderNotification(kind NotificationKind, order Order) (subject, body string, ok bool) {
	switch kind {
	case NotificationOrderReceived:
		subject = fmt.Sprintf("Order %s received", order.ID)
		body = fmt.Sprintf("We received your order %s.\nProduct total: %d.\nPlease complete the payment to start the proxy purchase.",
			order.ID, order.Amounts.Stage1Total)
	case NotificationStageOnePaid:
		subject = fmt.Sprintf("Payment confirmed for order %s", order.ID)
		body = fmt.Sprintf("Your product payment of %d for order %s has been confirmed.\nWe will purchase the items and let you know when they arrive.",
			order.Amounts.Stage1Total, order.ID)
	case NotificationShippingFeeDue:
		subject = fmt.Sprintf("Shipping fee ready for order %s", order.ID)
		body = fmt.Sprintf("The international shipping fee for order %s is %d.\nPlease pay it so we can ship your items.",
			order.ID, order.Amounts.Stage2Total)
	case NotificationStageTwoPaid:
		subject = fmt.Sprintf("Shipping fee confirmed for order %s", order.ID)
		body = fmt.Sprintf("Your shipping fee payment of %d for order %s has been confirmed.\nYour items will be shipped shortly.",
			order.Amounts.Stage2Total, order.ID)
	case NotificationOrderShipped:
		subject = fmt.Sprintf("Order %s shipped", order.ID)
		tracking := "not available yet"
		if order.TrackingNo != nil && *order.TrackingNo != "" {
			tracking = *order.TrackingNo
		}
		body = fmt.Sprintf("Order %s has been handed to the carrier.\nTracking number: %s.", order.ID, tracking)
	default:
		return "", "", false
	}
	return subject, body, true
}
