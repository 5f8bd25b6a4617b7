// Package whatsapp receives WhatsApp Cloud API webhooks and sends replies
// through the Graph API.
package whatsapp

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
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/le-si/openclaw-gateway/internal/adapters/common"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/media"
	"github.com/le-si/openclaw-gateway/internal/security"
)

const (
	maxMessageLength = 4096
	maxBodyBytes     = 1 << 20
	graphBaseURL     = "https://graph.facebook.com/v18.0"
)

// Config configures the WhatsApp adapter.
type Config struct {
	AppSecret     string
	VerifyToken   string
	AccessToken   string
	PhoneNumberID string
	// Freshness bounds |now - event timestamp| in both directions.
	Freshness time.Duration
	AllowFrom []string
	PublicURL string
}

// Adapter handles the Cloud API webhook pair: GET verification handshake and
// signed POST events.
type Adapter struct {
	logger     *slog.Logger
	handler    gateway.Handler
	cfg        Config
	auth       security.AuthVerifier
	allow      *security.AllowlistPolicy
	replay     *security.ReplayGuard
	store      *media.Store
	httpClient *http.Client
	graphURL   string
	now        func() time.Time
}

// New creates the adapter.
func New(log *slog.Logger, handler gateway.Handler, store *media.Store, replay *security.ReplayGuard, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = 5 * time.Minute
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "whatsapp")),
		handler:    handler,
		cfg:        cfg,
		auth: security.NewAuthVerifier(security.AuthConfig{
			Required:     true,
			HMACSecret:   []byte(cfg.AppSecret),
			HMACEncoding: security.EncodingHex,
			HMACPrefix:   "sha256=",
		}),
		allow:      security.NewAllowlistPolicy(cfg.AllowFrom, false),
		replay:     replay,
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		graphURL:   graphBaseURL,
		now:        time.Now,
	}
}

// Name returns the platform name.
func (a *Adapter) Name() string { return "whatsapp" }

// Start validates credentials; inbound traffic arrives through the webhook.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.AppSecret == "" {
		return fmt.Errorf("whatsapp app secret is required")
	}
	return nil
}

// Stop is a no-op.
func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Register registers the webhook routes.
func (a *Adapter) Register(e *echo.Echo) {
	e.GET("/whatsapp/webhook", a.handleVerify)
	e.POST("/whatsapp/webhook", a.handleWebhook)
}

// handleVerify answers the subscription handshake.
func (a *Adapter) handleVerify(c echo.Context) error {
	if c.QueryParam("hub.mode") != "subscribe" {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported mode")
	}
	if a.cfg.VerifyToken == "" || c.QueryParam("hub.verify_token") != a.cfg.VerifyToken {
		return echo.NewHTTPError(http.StatusForbidden, "verify token mismatch")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

type webhookBody struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
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
		Signature: c.Request().Header.Get("X-Hub-Signature-256"),
		Body:      body,
	}); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	ctx := context.WithoutCancel(c.Request().Context())
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				a.handleMessage(ctx, msg.ID, msg.From, names[msg.From], msg.Type, msg.Text.Body, msg.Timestamp)
			}
		}
	}
	// The platform retries on anything but 200.
	return c.NoContent(http.StatusOK)
}

func (a *Adapter) handleMessage(ctx context.Context, id, from, name, msgType, text, rawTS string) {
	if msgType != "text" || strings.TrimSpace(text) == "" {
		return
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		a.logger.Warn("bad event timestamp", slog.String("message_id", id))
		return
	}
	eventTime := time.Unix(ts, 0)
	if drift := a.now().Sub(eventTime); drift > a.cfg.Freshness || drift < -a.cfg.Freshness {
		a.logger.Warn("stale event dropped", slog.String("message_id", id), slog.Duration("drift", drift))
		return
	}
	if a.replay != nil && id != "" && !a.replay.CheckAndRecord(id) {
		a.logger.Warn("duplicate event dropped", slog.String("message_id", id))
		return
	}
	if a.allow.Evaluate(from) == security.DecisionDeny {
		a.logger.Warn("sender not in allowlist", slog.String("from", from))
	}

	req := gateway.CommandRequest{
		Platform:  a.Name(),
		SenderID:  from,
		ChannelID: from,
		Username:  name,
		MessageID: id,
		Text:      strings.TrimSpace(text),
		Timestamp: eventTime.UTC(),
	}
	a.logger.Info("inbound received",
		slog.String("from", from),
		slog.String("text", common.Summarize(req.Text)))

	resp, err := a.handler.Handle(ctx, req)
	if err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
		return
	}
	if resp == nil {
		return
	}
	if resp.Text != "" {
		if err := a.SendMessage(ctx, from, resp.Text); err != nil {
			a.logger.Error("send reply failed", slog.Any("error", err))
		}
	}
	for _, file := range resp.Files {
		if err := a.SendImage(ctx, from, file); err != nil {
			a.logger.Error("send image failed", slog.String("path", file), slog.Any("error", err))
		}
	}
}

// SendMessage implements gateway.Messenger via the Cloud API send path.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	return a.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                channelID,
		"type":              "text",
		"text":              map[string]string{"body": common.Truncate(text, maxMessageLength)},
	})
}

// SendImage implements gateway.Messenger. The Cloud API fetches images by
// link, so the file goes through the signed media store.
func (a *Adapter) SendImage(ctx context.Context, channelID, imagePath string) error {
	if a.store == nil || a.cfg.PublicURL == "" {
		return fmt.Errorf("media publishing not configured")
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	signed, err := a.store.Put(channelID, data, filepath.Ext(imagePath))
	if err != nil {
		return fmt.Errorf("store image: %w", err)
	}
	link := strings.TrimRight(a.cfg.PublicURL, "/") + "/media/" + signed.Token
	return a.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                channelID,
		"type":              "image",
		"image":             map[string]string{"link": link},
	})
}

func (a *Adapter) send(ctx context.Context, body map[string]any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	endpoint := a.graphURL + "/" + a.cfg.PhoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp api: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp api status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
