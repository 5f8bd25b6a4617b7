// Package slack serves the Slack Events API endpoint and sends replies
// through the Web API.
package slack

import (
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
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/le-si/openclaw-gateway/internal/adapters/common"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/security"
)

const (
	maxMessageLength = 4000
	maxBodyBytes     = 1 << 20
)

// Config configures the Slack adapter.
type Config struct {
	SigningSecret string
	BotToken      string
	// BotUserID is this bot's own user id, used for loop prevention and
	// mention stripping.
	BotUserID string
	// RequireMention drops non-DM message events that do not mention the
	// bot. app_mention events bypass the check by definition.
	RequireMention bool
	AllowFrom      []string
}

// Adapter verifies event signatures and routes message and app_mention
// events.
type Adapter struct {
	logger  *slog.Logger
	handler gateway.Handler
	cfg     Config
	allow   *security.AllowlistPolicy
	replay  *security.ReplayGuard
	client  *slackapi.Client
	now     func() time.Time
}

// New creates the adapter.
func New(log *slog.Logger, handler gateway.Handler, replay *security.ReplayGuard, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:  log.With(slog.String("adapter", "slack")),
		handler: handler,
		cfg:     cfg,
		allow:   security.NewAllowlistPolicy(cfg.AllowFrom, false),
		replay:  replay,
		client:  slackapi.New(cfg.BotToken),
		now:     time.Now,
	}
}

// Name returns the platform name.
func (a *Adapter) Name() string { return "slack" }

// Start validates credentials; inbound traffic arrives through the events
// endpoint.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.SigningSecret == "" {
		return fmt.Errorf("slack signing secret is required")
	}
	return nil
}

// Stop is a no-op.
func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Register registers the events route.
func (a *Adapter) Register(e *echo.Echo) {
	e.POST("/slack/events", a.handleEvents)
}

func (a *Adapter) handleEvents(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	if !verifySignature(a.cfg.SigningSecret,
		c.Request().Header.Get("X-Slack-Request-Timestamp"),
		body,
		c.Request().Header.Get("X-Slack-Signature"),
		a.now()) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	event, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid challenge")
		}
		return c.String(http.StatusOK, challenge.Challenge)
	case slackevents.CallbackEvent:
		if cb, ok := event.Data.(*slackevents.EventsAPICallbackEvent); ok && cb.EventID != "" {
			if a.replay != nil && !a.replay.CheckAndRecord(cb.EventID) {
				a.logger.Warn("duplicate event dropped", slog.String("event_id", cb.EventID))
				return c.NoContent(http.StatusOK)
			}
		}
		a.handleCallback(context.WithoutCancel(c.Request().Context()), event.InnerEvent)
	}
	return c.NoContent(http.StatusOK)
}

func (a *Adapter) handleCallback(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		// Mentions carry intent by definition; the mention-required policy
		// never applies here.
		a.route(ctx, ev.User, ev.Channel, ev.TimeStamp, ev.Text)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.User == "" || ev.User == a.cfg.BotUserID {
			return
		}
		// Edits, deletions, and bot messages are noise; file_share still
		// carries the user's text.
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		isDM := strings.HasPrefix(ev.Channel, "D")
		mentioned := a.cfg.BotUserID != "" && strings.Contains(ev.Text, "<@"+a.cfg.BotUserID+">")
		if a.cfg.RequireMention && !isDM && !mentioned {
			return
		}
		a.route(ctx, ev.User, ev.Channel, ev.TimeStamp, ev.Text)
	}
}

func (a *Adapter) route(ctx context.Context, user, channel, timestamp, text string) {
	text = a.stripMention(text)
	if text == "" {
		return
	}
	if a.allow.Evaluate(user) == security.DecisionDeny {
		a.logger.Warn("sender not in allowlist", slog.String("user_id", user))
	}
	req := gateway.CommandRequest{
		Platform:  a.Name(),
		SenderID:  user,
		ChannelID: channel,
		MessageID: timestamp,
		Text:      text,
		Timestamp: parseSlackTimestamp(timestamp, a.now()),
	}
	a.logger.Info("inbound received",
		slog.String("channel_id", channel),
		slog.String("user_id", user),
		slog.String("text", common.Summarize(text)))

	resp, err := a.handler.Handle(ctx, req)
	if err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
		return
	}
	if resp == nil {
		return
	}
	if resp.Text != "" {
		if err := a.SendMessage(ctx, channel, resp.Text); err != nil {
			a.logger.Error("send reply failed", slog.Any("error", err))
		}
	}
	for _, file := range resp.Files {
		if err := a.SendImage(ctx, channel, file); err != nil {
			a.logger.Error("send image failed", slog.String("path", file), slog.Any("error", err))
		}
	}
}

// stripMention removes the bot's literal <@BOT_ID> mention from the text.
func (a *Adapter) stripMention(text string) string {
	if a.cfg.BotUserID != "" {
		text = strings.ReplaceAll(text, "<@"+a.cfg.BotUserID+">", "")
	}
	return strings.TrimSpace(text)
}

// SendMessage implements gateway.Messenger.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	_, _, err := a.client.PostMessageContext(ctx, channelID,
		slackapi.MsgOptionText(common.Truncate(text, maxMessageLength), false))
	return err
}

// SendImage implements gateway.Messenger.
func (a *Adapter) SendImage(ctx context.Context, channelID, imagePath string) error {
	info, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}
	_, err = a.client.UploadFileV2Context(ctx, slackapi.UploadFileV2Parameters{
		Channel:  channelID,
		File:     imagePath,
		Filename: filepath.Base(imagePath),
		FileSize: int(info.Size()),
	})
	return err
}

func parseSlackTimestamp(raw string, fallback time.Time) time.Time {
	seconds, _, found := strings.Cut(raw, ".")
	if !found && seconds == "" {
		return fallback
	}
	ts, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Unix(ts, 0).UTC()
}
