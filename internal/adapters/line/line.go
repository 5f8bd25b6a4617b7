// Package line receives LINE Messaging API webhooks and replies through the
// reply and push endpoints.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/le-si/openclaw-gateway/internal/adapters/common"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/media"
	"github.com/le-si/openclaw-gateway/internal/security"
)

const (
	maxMessageLength  = 5000
	maxBodyBytes      = 1 << 20
	replyEndpoint     = "https://api.line.me/v2/bot/message/reply"
	pushEndpoint      = "https://api.line.me/v2/bot/message/push"
	defaultSendWindow = 15 * time.Second
)

// Config configures the LINE adapter.
type Config struct {
	ChannelSecret string
	ChannelToken  string
	AllowFrom     []string
	// PublicURL is the gateway's external base URL for signed media links.
	PublicURL string
}

// Adapter verifies X-Line-Signature and routes message events.
type Adapter struct {
	logger     *slog.Logger
	handler    gateway.Handler
	cfg        Config
	auth       security.AuthVerifier
	allow      *security.AllowlistPolicy
	replay     *security.ReplayGuard
	store      *media.Store
	httpClient *http.Client
}

// New creates the adapter.
func New(log *slog.Logger, handler gateway.Handler, store *media.Store, replay *security.ReplayGuard, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "line")),
		handler:    handler,
		cfg:        cfg,
		auth:       security.NewHMACVerifier([]byte(cfg.ChannelSecret), security.EncodingBase64, ""),
		allow:      security.NewAllowlistPolicy(cfg.AllowFrom, false),
		replay:     replay,
		store:      store,
		httpClient: &http.Client{Timeout: defaultSendWindow},
	}
}

// Name returns the platform name.
func (a *Adapter) Name() string { return "line" }

// Start is a no-op: inbound traffic arrives through the webhook route.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.ChannelSecret == "" {
		return fmt.Errorf("line channel secret is required")
	}
	return nil
}

// Stop is a no-op.
func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Register registers the webhook route.
func (a *Adapter) Register(e *echo.Echo) {
	e.POST("/line/webhook", a.handleWebhook)
}

type webhookBody struct {
	Events []struct {
		Type       string `json:"type"`
		ReplyToken string `json:"replyToken"`
		Timestamp  int64  `json:"timestamp"`
		Source     struct {
			Type    string `json:"type"`
			UserID  string `json:"userId"`
			GroupID string `json:"groupId"`
			RoomID  string `json:"roomId"`
		} `json:"source"`
		Message struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
	} `json:"events"`
}

func (a *Adapter) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	if err := a.auth.Verify(security.Credentials{
		Signature: c.Request().Header.Get("X-Line-Signature"),
		Body:      body,
	}); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	ctx := context.WithoutCancel(c.Request().Context())
	for _, event := range payload.Events {
		if event.Type != "message" || event.Message.Type != "text" {
			continue
		}
		if a.replay != nil && event.Message.ID != "" && !a.replay.CheckAndRecord(event.Message.ID) {
			a.logger.Warn("duplicate event dropped", slog.String("message_id", event.Message.ID))
			continue
		}
		channelID := event.Source.UserID
		if event.Source.GroupID != "" {
			channelID = event.Source.GroupID
		} else if event.Source.RoomID != "" {
			channelID = event.Source.RoomID
		}
		if a.allow.Evaluate(event.Source.UserID) == security.DecisionDeny {
			a.logger.Warn("sender not in allowlist", slog.String("user_id", event.Source.UserID))
		}
		req := gateway.CommandRequest{
			Platform:  a.Name(),
			SenderID:  event.Source.UserID,
			ChannelID: channelID,
			MessageID: event.Message.ID,
			Text:      strings.TrimSpace(event.Message.Text),
			Timestamp: time.UnixMilli(event.Timestamp).UTC(),
		}
		a.logger.Info("inbound received",
			slog.String("user_id", req.SenderID),
			slog.String("text", common.Summarize(req.Text)))
		resp, err := a.handler.Handle(ctx, req)
		if err != nil {
			a.logger.Error("handle inbound failed", slog.Any("error", err))
			continue
		}
		if resp == nil {
			continue
		}
		if err := a.reply(ctx, event.ReplyToken, channelID, resp); err != nil {
			a.logger.Error("send reply failed", slog.Any("error", err))
		}
	}
	return c.NoContent(http.StatusOK)
}

type outMessage struct {
	Type               string `json:"type"`
	Text               string `json:"text,omitempty"`
	OriginalContentURL string `json:"originalContentUrl,omitempty"`
	PreviewImageURL    string `json:"previewImageUrl,omitempty"`
}

func (a *Adapter) reply(ctx context.Context, replyToken, channelID string, resp *gateway.CommandResponse) error {
	messages := a.buildMessages(channelID, resp)
	if len(messages) == 0 {
		return nil
	}
	if replyToken != "" {
		body := map[string]any{"replyToken": replyToken, "messages": messages}
		if err := a.post(ctx, replyEndpoint, body); err == nil {
			return nil
		}
		// Reply tokens are single-use and short-lived; fall through to push.
	}
	return a.post(ctx, pushEndpoint, map[string]any{"to": channelID, "messages": messages})
}

func (a *Adapter) buildMessages(channelID string, resp *gateway.CommandResponse) []outMessage {
	var messages []outMessage
	if resp.Text != "" {
		messages = append(messages, outMessage{Type: "text", Text: common.Truncate(resp.Text, maxMessageLength)})
	}
	for _, file := range resp.Files {
		url, err := a.publishImage(channelID, file)
		if err != nil {
			a.logger.Warn("publish image failed", slog.String("path", file), slog.Any("error", err))
			messages = append(messages, outMessage{Type: "text", Text: "Could not deliver an image."})
			continue
		}
		messages = append(messages, outMessage{Type: "image", OriginalContentURL: url, PreviewImageURL: url})
	}
	// LINE caps a single reply at five messages.
	if len(messages) > 5 {
		messages = messages[:5]
	}
	return messages
}

// SendMessage implements gateway.Messenger via the push endpoint.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	return a.post(ctx, pushEndpoint, map[string]any{
		"to":       channelID,
		"messages": []outMessage{{Type: "text", Text: common.Truncate(text, maxMessageLength)}},
	})
}

// SendImage implements gateway.Messenger. LINE fetches images by URL, so the
// file is published through the signed media store first.
func (a *Adapter) SendImage(ctx context.Context, channelID, imagePath string) error {
	url, err := a.publishImage(channelID, imagePath)
	if err != nil {
		return err
	}
	return a.post(ctx, pushEndpoint, map[string]any{
		"to":       channelID,
		"messages": []outMessage{{Type: "image", OriginalContentURL: url, PreviewImageURL: url}},
	})
}

func (a *Adapter) publishImage(channelID, imagePath string) (string, error) {
	if a.store == nil || a.cfg.PublicURL == "" {
		return "", fmt.Errorf("media publishing not configured")
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	signed, err := a.store.Put(channelID, data, filepath.Ext(imagePath))
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return strings.TrimRight(a.cfg.PublicURL, "/") + "/media/" + signed.Token, nil
}

func (a *Adapter) post(ctx context.Context, endpoint string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.ChannelToken)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line api: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("line api status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
