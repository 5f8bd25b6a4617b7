package kakao

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/security"
)

type replyHandler struct {
	requests []gateway.CommandRequest
	reply    string
	err      error
}

func (h *replyHandler) Handle(ctx context.Context, req gateway.CommandRequest) (*gateway.CommandResponse, error) {
	h.requests = append(h.requests, req)
	if h.err != nil {
		return nil, h.err
	}
	return &gateway.CommandResponse{Text: h.reply}, nil
}

func postSkill(t *testing.T, e *echo.Echo, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/kakao/webhook", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeSkillText(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp skillResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal skill response: %v", err)
	}
	if resp.Version != "2.0" || len(resp.Template.Outputs) != 1 || resp.Template.Outputs[0].SimpleText == nil {
		t.Fatalf("skill response shape = %s", rec.Body.String())
	}
	return resp.Template.Outputs[0].SimpleText.Text
}

func TestSkillRepliesSynchronously(t *testing.T) {
	t.Parallel()
	handler := &replyHandler{reply: "backend healthy"}
	a := New(nil, handler, security.NewReplayGuard(10*time.Minute, 100), Config{})
	e := echo.New()
	a.Register(e)

	body := `{"userRequest":{"utterance":"/status","user":{"id":"kakao-user-1"}}}`
	rec := postSkill(t, e, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeSkillText(t, rec); got != "backend healthy" {
		t.Fatalf("skill text = %q, want router reply", got)
	}
	if len(handler.requests) != 1 {
		t.Fatalf("router calls = %d, want 1", len(handler.requests))
	}
	req := handler.requests[0]
	if req.Platform != "kakao" || req.SenderID != "kakao-user-1" || req.Text != "/status" {
		t.Fatalf("routed request = %+v", req)
	}
}

func TestSkillDedupsByBodyHash(t *testing.T) {
	t.Parallel()
	handler := &replyHandler{reply: "ok"}
	a := New(nil, handler, security.NewReplayGuard(10*time.Minute, 100), Config{})
	e := echo.New()
	a.Register(e)

	body := `{"userRequest":{"utterance":"/status","user":{"id":"kakao-user-1"}}}`
	postSkill(t, e, body)
	rec := postSkill(t, e, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rec.Code)
	}
	if len(handler.requests) != 1 {
		t.Fatalf("router calls = %d, want 1 (duplicate dropped)", len(handler.requests))
	}

	// A different utterance is a different payload, not a replay.
	postSkill(t, e, `{"userRequest":{"utterance":"/help","user":{"id":"kakao-user-1"}}}`)
	if len(handler.requests) != 2 {
		t.Fatalf("router calls = %d, want 2", len(handler.requests))
	}
}

func TestSkillHandlerErrorStaysInBand(t *testing.T) {
	t.Parallel()
	handler := &replyHandler{err: context.DeadlineExceeded}
	a := New(nil, handler, nil, Config{})
	e := echo.New()
	a.Register(e)

	rec := postSkill(t, e, `{"userRequest":{"utterance":"/status","user":{"id":"u1"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeSkillText(t, rec); got != "Command failed." {
		t.Fatalf("skill text = %q", got)
	}
}

func TestSkillRejectsInvalidPayload(t *testing.T) {
	t.Parallel()
	a := New(nil, &replyHandler{}, nil, Config{})
	e := echo.New()
	a.Register(e)

	rec := postSkill(t, e, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSkillPushUnsupported(t *testing.T) {
	t.Parallel()
	a := New(nil, nil, nil, Config{})
	if err := a.SendMessage(context.Background(), "u1", "hi"); err == nil {
		t.Fatalf("SendMessage should fail on a synchronous-only channel")
	}
	if err := a.SendImage(context.Background(), "u1", "/tmp/x.png"); err == nil {
		t.Fatalf("SendImage should fail on a synchronous-only channel")
	}
}
