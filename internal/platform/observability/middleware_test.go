package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/twicebuy/api/internal/platform/requestctx"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestRequestLoggerMiddlewareLogsCompletion(t *testing.T) {
	logger, logs := observedLogger()

	handler := InjectLoggerMiddleware(logger)(RequestLoggerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order":{"id":"ord_1"}}`))
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/checkout", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusCreated) {
		t.Fatalf("expected status field 201, got %v", fields["status"])
	}
	if fields["route"] != "/v1/orders/checkout" {
		t.Fatalf("unexpected route field: %v", fields["route"])
	}
	if fields["method"] != http.MethodPost {
		t.Fatalf("unexpected method field: %v", fields["method"])
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for success, got %s", entries[0].Level)
	}
}

func TestRequestLoggerMiddlewareWarnsOnClientError(t *testing.T) {
	logger, logs := observedLogger()

	handler := InjectLoggerMiddleware(logger)(RequestLoggerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/callback", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 400, got %s", entries[0].Level)
	}
}

func TestRecoveryMiddlewareAnswersJSON500(t *testing.T) {
	logger, logs := observedLogger()

	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("settlement exploded")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/ord_1", nil)
	req = req.WithContext(requestctx.WithLogger(req.Context(), logger))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != "internal_server_error" {
		t.Fatalf("unexpected error code: %v", body["error"])
	}

	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestResponseRecorderDefaultsTo200(t *testing.T) {
	rec := newResponseRecorder(httptest.NewRecorder())
	if rec.Status() != http.StatusOK {
		t.Fatalf("expected default 200, got %d", rec.Status())
	}
	if _, err := rec.Write([]byte("1|OK")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if rec.BytesWritten() != 4 {
		t.Fatalf("expected 4 bytes recorded, got %d", rec.BytesWritten())
	}
}
