// Package discord connects to the Discord gateway and relays commands to the
// router.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/le-si/openclaw-gateway/internal/adapters/common"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/security"
)

const (
	maxMessageLength = 2000
	maxSendRetries   = 3
)

// Config configures the Discord adapter.
type Config struct {
	BotToken  string
	AllowFrom []string
}

// Adapter holds one gateway WebSocket session.
type Adapter struct {
	logger  *slog.Logger
	handler gateway.Handler
	cfg     Config
	allow   *security.AllowlistPolicy

	session *discordgo.Session
	remove  func()
}

// New creates the adapter.
func New(log *slog.Logger, handler gateway.Handler, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:  log.With(slog.String("adapter", "discord")),
		handler: handler,
		cfg:     cfg,
		allow:   security.NewAllowlistPolicy(cfg.AllowFrom, false),
	}
}

// Name returns the platform name.
func (a *Adapter) Name() string { return "discord" }

// Start opens the gateway session. DMs silently produce empty-content events
// unless both the direct-messages and message-content intents are declared.
func (a *Adapter) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	a.remove = session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(context.WithoutCancel(ctx), s, m)
	})
	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	a.session = session
	a.logger.Info("connected", slog.String("username", session.State.User.Username))
	return nil
}

// Stop closes the gateway session.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.remove != nil {
		a.remove()
	}
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

func (a *Adapter) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}
	if a.allow.Evaluate(m.Author.ID) == security.DecisionDeny {
		// Soft deny: authorization happens in the router, the allowlist
		// only affects trust.
		a.logger.Warn("sender not in allowlist", slog.String("user_id", m.Author.ID))
	}

	req := gateway.CommandRequest{
		Platform:  a.Name(),
		SenderID:  m.Author.ID,
		ChannelID: m.ChannelID,
		Username:  m.Author.Username,
		MessageID: m.ID,
		Text:      text,
		Timestamp: m.Timestamp.UTC(),
	}
	a.logger.Info("inbound received",
		slog.String("channel_id", m.ChannelID),
		slog.String("user_id", m.Author.ID),
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
		if err := a.SendMessage(ctx, m.ChannelID, resp.Text); err != nil {
			a.logger.Error("send reply failed", slog.Any("error", err))
		}
	}
	for _, file := range resp.Files {
		if err := a.SendImage(ctx, m.ChannelID, file); err != nil {
			a.logger.Error("send image failed", slog.String("path", file), slog.Any("error", err))
		}
	}
}

// SendMessage implements gateway.Messenger. 429 responses are retried a
// bounded number of times honoring the platform's retry hint.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	return a.withRetry(ctx, func() error {
		_, err := a.session.ChannelMessageSend(channelID, common.Truncate(text, maxMessageLength))
		return err
	})
}

// SendImage implements gateway.Messenger.
func (a *Adapter) SendImage(ctx context.Context, channelID, imagePath string) error {
	return a.withRetry(ctx, func() error {
		file, err := os.Open(imagePath)
		if err != nil {
			return fmt.Errorf("open image: %w", err)
		}
		defer func() {
			_ = file.Close()
		}()
		_, err = a.session.ChannelFileSend(channelID, filepath.Base(imagePath), file)
		return err
	})
}

func (a *Adapter) withRetry(ctx context.Context, send func() error) error {
	var err error
	for attempt := 0; attempt < maxSendRetries; attempt++ {
		err = send()
		if err == nil {
			return nil
		}
		wait, ok := retryAfter(err)
		if !ok {
			return err
		}
		a.logger.Warn("rate limited by discord", slog.Duration("retry_after", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// retryAfter extracts the retry hint from a 429 response.
func retryAfter(err error) (time.Duration, bool) {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
		return wait, true
	}
	return 0, false
}
