// Package wechat serves the WeChat official-account webhook: a GET signature
// handshake and POST message pushes answered with passive XML replies.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/le-si/openclaw-gateway/internal/adapters/common"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/media"
	"github.com/le-si/openclaw-gateway/internal/security"
)

const (
	maxMessageLength = 2048
	freshnessWindow  = 5 * time.Minute
	apiBaseURL       = "https://api.weixin.qq.com"
)

// Config configures the WeChat adapter.
type Config struct {
	Token string
	// AppID and AppSecret enable the customer-service send API used for
	// asynchronous deliveries. Without them only passive replies work.
	AppID     string
	AppSecret string
	AllowFrom []string
	PublicURL string
}

// Adapter handles signature verification, replay and freshness checks, and
// budgeted XML decoding before routing.
type Adapter struct {
	logger     *slog.Logger
	handler    gateway.Handler
	cfg        Config
	allow      *security.AllowlistPolicy
	replay     *security.ReplayGuard
	store      *media.Store
	httpClient *http.Client
	apiURL     string
	now        func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates the adapter.
func New(log *slog.Logger, handler gateway.Handler, store *media.Store, replay *security.ReplayGuard, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "wechat")),
		handler:    handler,
		cfg:        cfg,
		allow:      security.NewAllowlistPolicy(cfg.AllowFrom, false),
		replay:     replay,
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiURL:     apiBaseURL,
		now:        time.Now,
	}
}

// Name returns the platform name.
func (a *Adapter) Name() string { return "wechat" }

// Start validates credentials; inbound traffic arrives through the webhook.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("wechat token is required")
	}
	return nil
}

// Stop is a no-op.
func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Register registers the webhook routes.
func (a *Adapter) Register(e *echo.Echo) {
	e.GET("/wechat/webhook", a.handleHandshake)
	e.POST("/wechat/webhook", a.handlePush)
}

// handleHandshake answers the URL-ownership probe by echoing echostr.
func (a *Adapter) handleHandshake(c echo.Context) error {
	if !verifySignature(a.cfg.Token, c.QueryParam("timestamp"), c.QueryParam("nonce"), c.QueryParam("signature")) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}
	return c.String(http.StatusOK, c.QueryParam("echostr"))
}

func (a *Adapter) handlePush(c echo.Context) error {
	timestamp := c.QueryParam("timestamp")
	nonce := c.QueryParam("nonce")
	if !verifySignature(a.cfg.Token, timestamp, nonce, c.QueryParam("signature")) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}
	if ts, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad timestamp")
	} else if drift := a.now().Sub(time.Unix(ts, 0)); drift > freshnessWindow || drift < -freshnessWindow {
		return echo.NewHTTPError(http.StatusForbidden, "stale timestamp")
	}
	if a.replay != nil && nonce != "" && !a.replay.CheckAndRecord("nonce:"+nonce) {
		a.logger.Warn("duplicate nonce dropped", slog.String("nonce", nonce))
		return c.String(http.StatusOK, "success")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxXMLBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	msg, err := decodeInbound(body)
	if err != nil {
		var derr *decodeError
		if errors.As(err, &derr) && derr.budget {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, derr.msg)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Unsupported message types degrade to a no-op acknowledgement; the
	// platform treats anything else as a delivery failure and retries.
	if msg.MsgType != "text" || strings.TrimSpace(msg.Content) == "" {
		return c.String(http.StatusOK, "success")
	}
	if msg.MsgID != "" && a.replay != nil && !a.replay.CheckAndRecord("msg:"+msg.MsgID) {
		return c.String(http.StatusOK, "success")
	}
	if a.allow.Evaluate(msg.FromUserName) == security.DecisionDeny {
		// Soft deny: trust is enforced in the router.
		a.logger.Warn("sender not in allowlist", slog.String("from", msg.FromUserName))
	}

	req := gateway.CommandRequest{
		Platform:  a.Name(),
		SenderID:  msg.FromUserName,
		ChannelID: msg.FromUserName,
		MessageID: msg.MsgID,
		Text:      strings.TrimSpace(msg.Content),
		Timestamp: time.Unix(msg.CreateTime, 0).UTC(),
	}
	a.logger.Info("inbound received",
		slog.String("from", msg.FromUserName),
		slog.String("text", common.Summarize(req.Text)))

	resp, err := a.handler.Handle(context.WithoutCancel(c.Request().Context()), req)
	if err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
		return c.String(http.StatusOK, "success")
	}
	if resp == nil || resp.Text == "" {
		return c.String(http.StatusOK, "success")
	}
	reply := passiveReply(msg.FromUserName, msg.ToUserName, a.now().Unix(), common.Truncate(resp.Text, maxMessageLength))
	return c.XMLBlob(http.StatusOK, []byte(reply))
}

// SendMessage implements gateway.Messenger through the customer-service API.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	token, err := a.accessTokenValue(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{
		"touser":  channelID,
		"msgtype": "text",
		"text":    map[string]string{"content": common.Truncate(text, maxMessageLength)},
	}
	return a.post(ctx, "/cgi-bin/message/custom/send?access_token="+token, body)
}

// SendImage implements gateway.Messenger. Images are delivered as a signed
// link; uploading temporary media needs a separate asset pipeline.
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
	return a.SendMessage(ctx, channelID, "Image ready: "+link)
}

// accessTokenValue returns a cached client_credential token, refreshing when
// it is within a minute of expiry.
func (a *Adapter) accessTokenValue(ctx context.Context) (string, error) {
	if a.cfg.AppID == "" || a.cfg.AppSecret == "" {
		return "", fmt.Errorf("wechat app credentials not configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && a.now().Before(a.tokenExpiry.Add(-time.Minute)) {
		return a.accessToken, nil
	}
	url := a.apiURL + "/cgi-bin/token?grant_type=client_credential&appid=" + a.cfg.AppID + "&secret=" + a.cfg.AppSecret
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("wechat token error %d: %s", out.ErrCode, out.ErrMsg)
	}
	a.accessToken = out.AccessToken
	a.tokenExpiry = a.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return a.accessToken, nil
}

func (a *Adapter) post(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wechat api: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.ErrCode != 0 {
		return fmt.Errorf("wechat api error %d: %s", out.ErrCode, out.ErrMsg)
	}
	return nil
}
