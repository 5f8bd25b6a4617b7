package line

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/security"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type captureHandler struct{ requests []gateway.CommandRequest }

func (h *captureHandler) Handle(ctx context.Context, req gateway.CommandRequest) (*gateway.CommandResponse, error) {
	h.requests = append(h.requests, req)
	return nil, nil
}

func postWebhook(t *testing.T, e *echo.Echo, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/line/webhook", strings.NewReader(body))
	req.Header.Set("X-Line-Signature", signature)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhookSignature(t *testing.T) {
	t.Parallel()
	handler := &captureHandler{}
	a := New(nil, handler, nil, nil, Config{ChannelSecret: "secret"})
	e := echo.New()
	a.Register(e)

	body := `{"events":[{"type":"message","replyToken":"","timestamp":1700000000000,"source":{"type":"user","userId":"U1"},"message":{"id":"m1","type":"text","text":"/status"}}]}`

	if rec := postWebhook(t, e, body, sign("wrong", []byte(body))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", rec.Code)
	}
	if rec := postWebhook(t, e, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("empty signature status = %d, want 401", rec.Code)
	}
	mutated := strings.Replace(body, "/status", "/statux", 1)
	if rec := postWebhook(t, e, mutated, sign("secret", []byte(body))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("mutated body status = %d, want 401", rec.Code)
	}
	if len(handler.requests) != 0 {
		t.Fatalf("unauthenticated event reached the router")
	}

	if rec := postWebhook(t, e, body, sign("secret", []byte(body))); rec.Code != http.StatusOK {
		t.Fatalf("valid signature status = %d, want 200", rec.Code)
	}
	if len(handler.requests) != 1 {
		t.Fatalf("router calls = %d, want 1", len(handler.requests))
	}
	req := handler.requests[0]
	if req.Platform != "line" || req.SenderID != "U1" || req.Text != "/status" {
		t.Fatalf("routed request = %+v", req)
	}
}

func TestWebhookGroupChannelAndReplayDedup(t *testing.T) {
	t.Parallel()
	handler := &captureHandler{}
	a := New(nil, handler, nil, security.NewReplayGuard(10*time.Minute, 100), Config{ChannelSecret: "secret"})
	e := echo.New()
	a.Register(e)

	body := `{"events":[{"type":"message","replyToken":"","timestamp":1700000000000,"source":{"type":"group","userId":"U1","groupId":"G1"},"message":{"id":"m2","type":"text","text":"/help"}}]}`
	postWebhook(t, e, body, sign("secret", []byte(body)))
	postWebhook(t, e, body, sign("secret", []byte(body)))

	if len(handler.requests) != 1 {
		t.Fatalf("router calls = %d, want 1 (duplicate dropped)", len(handler.requests))
	}
	if got := handler.requests[0].ChannelID; got != "G1" {
		t.Fatalf("channel = %q, want group id", got)
	}
}

func TestWebhookIgnoresNonTextEvents(t *testing.T) {
	t.Parallel()
	handler := &captureHandler{}
	a := New(nil, handler, nil, nil, Config{ChannelSecret: "secret"})
	e := echo.New()
	a.Register(e)

	body := `{"events":[{"type":"message","source":{"type":"user","userId":"U1"},"message":{"id":"m3","type":"sticker"}}]}`
	rec := postWebhook(t, e, body, sign("secret", []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(handler.requests) != 0 {
		t.Fatalf("non-text event reached the router")
	}
}
