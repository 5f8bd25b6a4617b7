// Package kakao serves the Kakao i Open Builder skill webhook. Replies are
// synchronous: the router's response is rendered into the skill JSON payload
// of the webhook response itself.
package kakao

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/le-si/openclaw-gateway/internal/adapters/common"
	"github.com/le-si/openclaw-gateway/internal/contract"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/security"
)

const (
	maxMessageLength = 1000
	maxBodyBytes     = 256 << 10
)

// Config configures the Kakao adapter.
type Config struct {
	AllowFrom []string
}

// Adapter handles skill requests. The platform supplies no per-message id,
// so replay dedup keys on a hash of the raw payload body.
type Adapter struct {
	logger  *slog.Logger
	handler gateway.Handler
	allow   *security.AllowlistPolicy
	gate    *security.IngressGate
}

// New creates the adapter.
func New(log *slog.Logger, handler gateway.Handler, replay *security.ReplayGuard, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		logger:  log.With(slog.String("adapter", "kakao")),
		handler: handler,
		allow:   security.NewAllowlistPolicy(cfg.AllowFrom, false),
	}
	if replay != nil {
		a.gate = security.NewIngressGate(log, nil, replay, nil)
	}
	return a
}

// Name returns the platform name.
func (a *Adapter) Name() string { return "kakao" }

// Start is a no-op: inbound traffic arrives through the webhook route.
func (a *Adapter) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Register registers the skill webhook route.
func (a *Adapter) Register(e *echo.Echo) {
	e.POST("/kakao/webhook", a.handleSkill)
}

type skillRequest struct {
	UserRequest struct {
		Utterance string `json:"utterance"`
		User      struct {
			ID string `json:"id"`
		} `json:"user"`
		Block struct {
			ID string `json:"id"`
		} `json:"block"`
	} `json:"userRequest"`
}

type skillResponse struct {
	Version  string        `json:"version"`
	Template skillTemplate `json:"template"`
}

type skillTemplate struct {
	Outputs []skillOutput `json:"outputs"`
}

type skillOutput struct {
	SimpleText *simpleText `json:"simpleText,omitempty"`
}

type simpleText struct {
	Text string `json:"text"`
}

func (a *Adapter) handleSkill(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	if a.gate != nil {
		digest := sha256.Sum256(body)
		if err := a.gate.Check(security.GateRequest{RequestID: hex.EncodeToString(digest[:])}); err != nil {
			if contract.CodeOf(err) == "replay_detected" {
				a.logger.Warn("duplicate payload dropped")
				return c.JSON(http.StatusOK, textResponse("Already handled."))
			}
			return echo.NewHTTPError(http.StatusBadRequest, "rejected")
		}
	}

	var payload skillRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	text := strings.TrimSpace(payload.UserRequest.Utterance)
	userID := payload.UserRequest.User.ID
	if text == "" || userID == "" {
		return c.JSON(http.StatusOK, textResponse(""))
	}
	if a.allow.Evaluate(userID) == security.DecisionDeny {
		a.logger.Warn("sender not in allowlist", slog.String("user_id", userID))
	}

	req := gateway.CommandRequest{
		Platform:  a.Name(),
		SenderID:  userID,
		ChannelID: userID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	a.logger.Info("inbound received",
		slog.String("user_id", userID),
		slog.String("text", common.Summarize(text)))

	resp, err := a.handler.Handle(context.WithoutCancel(c.Request().Context()), req)
	if err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
		return c.JSON(http.StatusOK, textResponse("Command failed."))
	}
	reply := ""
	if resp != nil {
		reply = resp.Text
	}
	return c.JSON(http.StatusOK, textResponse(common.Truncate(reply, maxMessageLength)))
}

func textResponse(text string) skillResponse {
	if text == "" {
		text = "OK"
	}
	return skillResponse{
		Version: "2.0",
		Template: skillTemplate{
			Outputs: []skillOutput{{SimpleText: &simpleText{Text: text}}},
		},
	}
}

// SendMessage implements gateway.Messenger. The skill channel is strictly
// request/response, so asynchronous pushes cannot be delivered.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	return fmt.Errorf("kakao skill channel cannot push messages")
}

// SendImage implements gateway.Messenger.
func (a *Adapter) SendImage(ctx context.Context, channelID, imagePath string) error {
	return fmt.Errorf("kakao skill channel cannot push images")
}
