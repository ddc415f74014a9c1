package payments

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	domain "github.com/twicebuy/api/internal/domain"
)

const (
	checkMacField   = "CheckMacValue"
	tradeDateLayout = "2006/01/02 15:04:05"

	// merchantTradeNoLimit is the gateway's hard cap on MerchantTradeNo length.
	merchantTradeNoLimit = 20

	// RtnCodeSuccess is the gateway's return code for a captured payment.
	RtnCodeSuccess = "1"
)

var (
	// ErrSignatureMismatch indicates the notification's CheckMacValue did not verify.
	ErrSignatureMismatch = errors.New("payments: check mac value mismatch")
	// ErrInvalidNotification indicates the callback payload was missing or malformed.
	ErrInvalidNotification = errors.New("payments: invalid notification")
)

// Config carries the merchant credentials and endpoints for the hosted gateway.
type Config struct {
	MerchantID string
	HashKey    string
	HashIV     string
	// GatewayBaseURL is the hosted checkout endpoint the browser form posts to.
	GatewayBaseURL string
	// CallbackURL receives the server-to-server payment result.
	CallbackURL string
	// ResultURL receives the customer browser after payment.
	ResultURL string
}

// CheckoutRequest describes one stage payment to collect through the gateway.
type CheckoutRequest struct {
	OrderID   string
	Stage     domain.PaymentStage
	Amount    int64
	ItemName  string
	TradeDesc string
	Now       time.Time
}

// CheckoutForm is the signed parameter set rendered as an auto-submitting form POST.
type CheckoutForm struct {
	Action string
	Fields map[string]string
}

// Notification is the strictly typed server-to-server payment result.
type Notification struct {
	MerchantID      string
	MerchantTradeNo string
	GatewayTradeNo  string
	RtnCode         string
	RtnMsg          string
	TradeAmt        int64
	PaymentDate     time.Time
	PaymentType     string
	OrderID         string
	Stage           domain.PaymentStage
}

// Succeeded reports whether the gateway captured the payment.
func (n Notification) Succeeded() bool {
	return n.RtnCode == RtnCodeSuccess
}

// Gateway signs outbound checkout requests and verifies inbound notifications.
type Gateway struct {
	cfg Config
}

// NewGateway validates the merchant configuration and constructs a Gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return nil, errors.New("payments: merchant id is required")
	}
	if strings.TrimSpace(cfg.HashKey) == "" || strings.TrimSpace(cfg.HashIV) == "" {
		return nil, errors.New("payments: hash key and hash iv are required")
	}
	if strings.TrimSpace(cfg.GatewayBaseURL) == "" {
		return nil, errors.New("payments: gateway base url is required")
	}
	return &Gateway{cfg: cfg}, nil
}

// BuildCheckoutForm assembles and signs the parameter set for one stage payment.
func (g *Gateway) BuildCheckoutForm(req CheckoutRequest) (CheckoutForm, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return CheckoutForm{}, errors.New("payments: order id is required")
	}
	if req.Stage != domain.PaymentStage1 && req.Stage != domain.PaymentStage2 {
		return CheckoutForm{}, fmt.Errorf("payments: unsupported stage %d", req.Stage)
	}
	if req.Amount <= 0 {
		return CheckoutForm{}, fmt.Errorf("payments: amount must be positive, got %d", req.Amount)
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	itemName := strings.TrimSpace(req.ItemName)
	if itemName == "" {
		itemName = "TWICE-Buy order"
	}
	tradeDesc := strings.TrimSpace(req.TradeDesc)
	if tradeDesc == "" {
		tradeDesc = "twicebuy"
	}

	fields := map[string]string{
		"MerchantID":        g.cfg.MerchantID,
		"MerchantTradeNo":   NewMerchantTradeNo(orderID, req.Stage, now),
		"MerchantTradeDate": now.Format(tradeDateLayout),
		"PaymentType":       "aio",
		"TotalAmount":       strconv.FormatInt(req.Amount, 10),
		"TradeDesc":         tradeDesc,
		"ItemName":          itemName,
		"ReturnURL":         g.cfg.CallbackURL,
		"OrderResultURL":    g.cfg.ResultURL,
		"ChoosePayment":     "ALL",
		"EncryptType":       "1",
		"CustomField1":      orderID,
		"CustomField2":      strconv.Itoa(int(req.Stage)),
	}
	fields[checkMacField] = g.checkMacValue(fields)

	return CheckoutForm{
		Action: g.cfg.GatewayBaseURL,
		Fields: fields,
	}, nil
}

// ParseNotification validates and decodes the form-encoded callback payload.
// The CheckMacValue is verified in constant time before any field is trusted.
func (g *Gateway) ParseNotification(values url.Values) (Notification, error) {
	if len(values) == 0 {
		return Notification{}, fmt.Errorf("%w: empty payload", ErrInvalidNotification)
	}

	params := make(map[string]string, len(values))
	for key := range values {
		params[key] = values.Get(key)
	}

	provided := strings.TrimSpace(params[checkMacField])
	if provided == "" {
		return Notification{}, fmt.Errorf("%w: missing %s", ErrInvalidNotification, checkMacField)
	}
	delete(params, checkMacField)

	expected := g.checkMacValue(params)
	if subtle.ConstantTimeCompare([]byte(strings.ToUpper(provided)), []byte(expected)) != 1 {
		return Notification{}, ErrSignatureMismatch
	}

	required := []string{"MerchantID", "MerchantTradeNo", "RtnCode", "RtnMsg", "TradeNo", "TradeAmt", "PaymentDate", "PaymentType", "CustomField1", "CustomField2"}
	for _, field := range required {
		if strings.TrimSpace(params[field]) == "" {
			return Notification{}, fmt.Errorf("%w: missing %s", ErrInvalidNotification, field)
		}
	}

	amount, err := strconv.ParseInt(strings.TrimSpace(params["TradeAmt"]), 10, 64)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: TradeAmt is not an integer", ErrInvalidNotification)
	}
	paidAt, err := time.ParseInLocation(tradeDateLayout, strings.TrimSpace(params["PaymentDate"]), time.Local)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: PaymentDate is malformed", ErrInvalidNotification)
	}

	stage, err := parseStage(params["CustomField2"])
	if err != nil {
		return Notification{}, err
	}

	return Notification{
		MerchantID:      params["MerchantID"],
		MerchantTradeNo: params["MerchantTradeNo"],
		GatewayTradeNo:  params["TradeNo"],
		RtnCode:         strings.TrimSpace(params["RtnCode"]),
		RtnMsg:          params["RtnMsg"],
		TradeAmt:        amount,
		PaymentDate:     paidAt,
		PaymentType:     params["PaymentType"],
		OrderID:         strings.TrimSpace(params["CustomField1"]),
		Stage:           stage,
	}, nil
}

// checkMacValue signs the parameter set: sorted params wrapped with the hash
// key and IV, URL-encoded with space as '+' and -_.!*() kept literal,
// lowercased, SHA-256 digested and upper-hexed.
func (g *Gateway) checkMacValue(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		if key == checkMacField {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(g.cfg.HashKey)
	for _, key := range keys {
		b.WriteByte('&')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(params[key])
	}
	b.WriteString("&HashIV=")
	b.WriteString(g.cfg.HashIV)

	encoded := gatewayEncode(b.String())
	sum := sha256.Sum256([]byte(encoded))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// gatewayEncode reproduces the gateway's expected URL encoding byte for byte.
var gatewayEncodeReverts = strings.NewReplacer(
	"%21", "!",
	"%2a", "*",
	"%28", "(",
	"%29", ")",
)

func gatewayEncode(raw string) string {
	encoded := strings.ToLower(url.QueryEscape(raw))
	return gatewayEncodeReverts.Replace(encoded)
}

// NewMerchantTradeNo derives a unique trade number within the gateway's 20
// character limit from an order id fragment, the stage and a timestamp.
func NewMerchantTradeNo(orderID string, stage domain.PaymentStage, now time.Time) string {
	fragment := sanitizeTradeFragment(orderID)
	if len(fragment) > 8 {
		fragment = fragment[len(fragment)-8:]
	}
	suffix := strconv.FormatInt(now.UnixMilli(), 36)
	no := fmt.Sprintf("TB%s%d%s", fragment, stage, strings.ToUpper(suffix))
	if len(no) > merchantTradeNoLimit {
		no = no[:merchantTradeNoLimit]
	}
	return no
}

func sanitizeTradeFragment(orderID string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(orderID), "ord_")
	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		}
	}
	return b.String()
}

func parseStage(raw string) (domain.PaymentStage, error) {
	switch strings.TrimSpace(raw) {
	case "1":
		return domain.PaymentStage1, nil
	case "2":
		return domain.PaymentStage2, nil
	default:
		return 0, fmt.Errorf("%w: CustomField2 must identify the payment stage", ErrInvalidNotification)
	}
}
