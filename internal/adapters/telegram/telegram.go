// Package telegram connects to the Telegram Bot API over long polling and
// relays commands to the router.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/le-si/openclaw-gateway/internal/adapters/common"
	"github.com/le-si/openclaw-gateway/internal/contract"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/security"
)

const maxMessageLength = 4096

// Config configures the Telegram adapter.
type Config struct {
	BotToken string
	// OffsetFile persists the getUpdates offset across restarts. The offset
	// is stored when it advances, so a crash between processing and
	// persisting replays at most one batch.
	OffsetFile string
	AllowFrom  []string
}

// Adapter long-polls getUpdates and sends replies through the Bot API.
type Adapter struct {
	logger    *slog.Logger
	handler   gateway.Handler
	cfg       Config
	allow     *security.AllowlistPolicy
	reconnect contract.ReconnectPolicy

	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the adapter.
func New(log *slog.Logger, handler gateway.Handler, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:    log.With(slog.String("adapter", "telegram")),
		handler:   handler,
		cfg:       cfg,
		allow:     security.NewAllowlistPolicy(cfg.AllowFrom, false),
		reconnect: contract.DefaultReconnectPolicy(),
	}
}

// Name returns the platform name.
func (a *Adapter) Name() string { return "telegram" }

// Start connects the bot and begins the polling loop.
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("connect telegram: %w", err)
	}
	a.bot = bot
	a.logger.Info("connected", slog.String("username", bot.Self.UserName))

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.pollLoop(pollCtx)
	return nil
}

// Stop ends the polling loop.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.done)
	offset := a.loadOffset()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := a.bot.GetUpdates(tgbotapi.UpdateConfig{Offset: offset, Timeout: 30})
		if err != nil {
			delay := a.reconnect.Delay(attempt)
			if delay == contract.StopRetrying {
				a.logger.Error("giving up on getUpdates", slog.Any("error", err))
				return
			}
			attempt++
			a.logger.Warn("getUpdates failed", slog.Any("error", err), slog.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		for _, update := range updates {
			a.handleUpdate(ctx, update)
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
				a.storeOffset(offset)
			}
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		a.handleCallback(ctx, update.CallbackQuery)
		return
	}
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.From.IsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	// Soft deny: the router still enforces command authorization, and the
	// deny only lowers the sender's trust level.
	if a.allow.Evaluate(senderID) == security.DecisionDeny {
		a.logger.Warn("sender not in allowlist", slog.String("user_id", senderID))
	}

	req := gateway.CommandRequest{
		Platform:  a.Name(),
		SenderID:  senderID,
		ChannelID: chatID,
		Username:  msg.From.UserName,
		MessageID: strconv.Itoa(msg.MessageID),
		Text:      text,
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
	}
	a.logger.Info("inbound received",
		slog.String("chat_id", chatID),
		slog.String("user_id", senderID),
		slog.String("text", common.Summarize(text)))
	a.respond(ctx, chatID, req)
}

func (a *Adapter) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	ack := tgbotapi.NewCallback(cb.ID, "")
	if _, err := a.bot.Request(ack); err != nil {
		a.logger.Warn("callback ack failed", slog.Any("error", err))
	}
	chatID := strconv.FormatInt(cb.Message.Chat.ID, 10)
	req := gateway.CommandRequest{
		Platform:  a.Name(),
		SenderID:  strconv.FormatInt(cb.From.ID, 10),
		ChannelID: chatID,
		Username:  cb.From.UserName,
		MessageID: cb.ID,
		Text:      cb.Data,
		Timestamp: time.Now().UTC(),
	}
	a.respond(ctx, chatID, req)
}

func (a *Adapter) respond(ctx context.Context, chatID string, req gateway.CommandRequest) {
	resp, err := a.handler.Handle(ctx, req)
	if err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
		return
	}
	if resp == nil {
		return
	}
	if resp.Text != "" {
		if err := a.sendText(chatID, resp.Text, resp.Buttons); err != nil {
			a.logger.Error("send reply failed", slog.Any("error", err))
		}
	}
	for _, file := range resp.Files {
		if err := a.SendImage(ctx, chatID, file); err != nil {
			a.logger.Error("send image failed", slog.String("path", file), slog.Any("error", err))
		}
	}
}

// SendMessage implements gateway.Messenger.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	return a.sendText(channelID, text, nil)
}

func (a *Adapter) sendText(channelID, text string, buttons []gateway.Button) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram channel id must be numeric: %q", channelID)
	}
	msg := tgbotapi.NewMessage(chatID, common.Truncate(text, maxMessageLength))
	if len(buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for _, b := range buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Value)))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	_, err = a.bot.Send(msg)
	return err
}

// SendImage implements gateway.Messenger.
func (a *Adapter) SendImage(ctx context.Context, channelID, imagePath string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram channel id must be numeric: %q", channelID)
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(imagePath))
	_, err = a.bot.Send(photo)
	return err
}

func (a *Adapter) loadOffset() int {
	if a.cfg.OffsetFile == "" {
		return 0
	}
	data, err := os.ReadFile(a.cfg.OffsetFile)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		a.logger.Warn("bad offset file, starting from zero", slog.String("path", a.cfg.OffsetFile))
		return 0
	}
	return offset
}

func (a *Adapter) storeOffset(offset int) {
	if a.cfg.OffsetFile == "" {
		return
	}
	if err := os.WriteFile(a.cfg.OffsetFile, []byte(strconv.Itoa(offset)), 0o600); err != nil {
		a.logger.Warn("persist offset failed", slog.Any("error", err))
	}
}
