package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/le-si/openclaw-gateway/internal/adapters/discord"
	"github.com/le-si/openclaw-gateway/internal/adapters/kakao"
	"github.com/le-si/openclaw-gateway/internal/adapters/line"
	"github.com/le-si/openclaw-gateway/internal/adapters/slack"
	"github.com/le-si/openclaw-gateway/internal/adapters/telegram"
	"github.com/le-si/openclaw-gateway/internal/adapters/wechat"
	"github.com/le-si/openclaw-gateway/internal/adapters/whatsapp"
	"github.com/le-si/openclaw-gateway/internal/backend"
	"github.com/le-si/openclaw-gateway/internal/config"
	"github.com/le-si/openclaw-gateway/internal/contract"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/logger"
	"github.com/le-si/openclaw-gateway/internal/media"
	"github.com/le-si/openclaw-gateway/internal/poller"
	"github.com/le-si/openclaw-gateway/internal/ratelimit"
	"github.com/le-si/openclaw-gateway/internal/router"
	"github.com/le-si/openclaw-gateway/internal/security"
	"github.com/le-si/openclaw-gateway/internal/server"
)

func runServe(cfgPath string) error {
	app := fx.New(
		fx.Provide(
			func() (config.Config, error) { return provideConfig(cfgPath) },
			provideLogger,
			provideBackendClient,
			provideMediaStore,
			media.NewHandler,
			provideLimiter,
			gateway.NewRegistry,
			gateway.NewManager,
			providePoller,
			provideRouter,
			provideDispatcher,
			provideAdapters,
			provideServer,
		),
		fx.Invoke(
			startManager,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideConfig(path string) (config.Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideBackendClient(log *slog.Logger, cfg config.Config) *backend.Client {
	// The environment wins over the config file for the admin credential.
	token := contract.NewTokenContract(false,
		contract.TokenSource{Name: "env", Precedence: 0, Lookup: func() string { return os.Getenv("BACKEND_ADMIN_TOKEN") }},
		contract.TokenSource{Name: "config", Precedence: 1, Lookup: func() string { return cfg.Backend.AdminToken }},
	)
	result := token.Resolve()
	if result.Validity == contract.TokenValid {
		log.Info("backend admin token resolved",
			slog.String("source", result.SourceName),
			slog.String("token", result.MaskedValue))
	}
	timeout := config.Duration(cfg.Backend.RequestTimeout, 15*time.Second)
	return backend.NewClient(log, cfg.Backend.URL, result.Raw(), timeout)
}

func provideMediaStore(log *slog.Logger, cfg config.Config) (*media.Store, error) {
	secret := cfg.Media.Secret
	if secret == "" {
		// Ephemeral secret: signed links stop working after a restart.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate media secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		log.Warn("media secret not configured, using an ephemeral one")
	}
	ttl := config.Duration(cfg.Media.TTL, time.Hour)
	return media.NewStore(log, cfg.Media.Dir, []byte(secret), ttl, cfg.Media.MaxBytes)
}

func provideLimiter(cfg config.Config) *ratelimit.PairLimiter {
	return ratelimit.NewPair(cfg.Limits.RatePerMinute, cfg.Limits.Burst)
}

func providePoller(log *slog.Logger, client *backend.Client, registry *gateway.Registry, cfg config.Config) *poller.Poller {
	return poller.New(log, client, registry, poller.Options{
		Timeout:   config.Duration(cfg.Poller.Timeout, 10*time.Minute),
		MaxImages: cfg.Poller.MaxImages,
		WorkDir:   cfg.Poller.WorkDir,
	})
}

func provideRouter(log *slog.Logger, client *backend.Client, limits *ratelimit.PairLimiter, watcher *poller.Poller, cfg config.Config) (*router.Router, error) {
	return router.New(log, client, limits, watcher, router.Options{
		BotName: cfg.Commands.BotName,
		Admins:  cfg.Commands.Admins,
		AllowFrom: map[router.CommandClass][]string{
			router.ClassRun: cfg.Commands.RunAllow,
		},
		PlatformTrust: map[string][]string{
			"telegram": cfg.Telegram.AllowFrom,
			"discord":  cfg.Discord.AllowFrom,
			"line":     cfg.Line.AllowFrom,
			"whatsapp": cfg.WhatsApp.AllowFrom,
			"wechat":   cfg.WeChat.AllowFrom,
			"slack":    cfg.Slack.AllowFrom,
			"kakao":    cfg.Kakao.AllowFrom,
		},
		MaxChatPromptLen: cfg.Commands.ChatLimit,
	})
}

func provideDispatcher(r *router.Router, manager *gateway.Manager) *gateway.Dispatcher {
	return gateway.NewDispatcher(r, manager)
}

// webhookHandlers groups the HTTP-facing adapters for the server.
type webhookHandlers struct {
	fx.Out
	Handlers []server.Handler
}

func newReplayGuard(cfg config.Config) *security.ReplayGuard {
	window := config.Duration(cfg.Limits.ReplayWindow, 10*time.Minute)
	return security.NewReplayGuard(window, 4096)
}

func provideAdapters(log *slog.Logger, cfg config.Config, registry *gateway.Registry, dispatcher *gateway.Dispatcher, store *media.Store) (webhookHandlers, error) {
	var hooks []server.Handler

	if cfg.Telegram.BotToken != "" {
		registry.MustRegister(telegram.New(log, dispatcher, telegram.Config{
			BotToken:   cfg.Telegram.BotToken,
			OffsetFile: cfg.Telegram.OffsetFile,
			AllowFrom:  cfg.Telegram.AllowFrom,
		}))
	}
	if cfg.Discord.BotToken != "" {
		registry.MustRegister(discord.New(log, dispatcher, discord.Config{
			BotToken:  cfg.Discord.BotToken,
			AllowFrom: cfg.Discord.AllowFrom,
		}))
	}
	if cfg.Line.ChannelSecret != "" {
		a := line.New(log, dispatcher, store, newReplayGuard(cfg), line.Config{
			ChannelSecret: cfg.Line.ChannelSecret,
			ChannelToken:  cfg.Line.ChannelToken,
			AllowFrom:     cfg.Line.AllowFrom,
			PublicURL:     cfg.Server.PublicURL,
		})
		registry.MustRegister(a)
		hooks = append(hooks, a)
	}
	if cfg.WhatsApp.AppSecret != "" {
		a := whatsapp.New(log, dispatcher, store, newReplayGuard(cfg), whatsapp.Config{
			AppSecret:     cfg.WhatsApp.AppSecret,
			VerifyToken:   cfg.WhatsApp.VerifyToken,
			AccessToken:   cfg.WhatsApp.AccessToken,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			Freshness:     config.Duration(cfg.WhatsApp.Freshness, 5*time.Minute),
			AllowFrom:     cfg.WhatsApp.AllowFrom,
			PublicURL:     cfg.Server.PublicURL,
		})
		registry.MustRegister(a)
		hooks = append(hooks, a)
	}
	if cfg.WeChat.Token != "" {
		a := wechat.New(log, dispatcher, store, newReplayGuard(cfg), wechat.Config{
			Token:     cfg.WeChat.Token,
			AppID:     cfg.WeChat.AppID,
			AppSecret: cfg.WeChat.AppSecret,
			AllowFrom: cfg.WeChat.AllowFrom,
			PublicURL: cfg.Server.PublicURL,
		})
		registry.MustRegister(a)
		hooks = append(hooks, a)
	}
	if cfg.Slack.SigningSecret != "" {
		a := slack.New(log, dispatcher, newReplayGuard(cfg), slack.Config{
			SigningSecret:  cfg.Slack.SigningSecret,
			BotToken:       cfg.Slack.BotToken,
			BotUserID:      cfg.Slack.BotUserID,
			RequireMention: cfg.Slack.RequireMention,
			AllowFrom:      cfg.Slack.AllowFrom,
		})
		registry.MustRegister(a)
		hooks = append(hooks, a)
	}
	if cfg.Kakao.Enabled {
		a := kakao.New(log, dispatcher, newReplayGuard(cfg), kakao.Config{
			AllowFrom: cfg.Kakao.AllowFrom,
		})
		registry.MustRegister(a)
		hooks = append(hooks, a)
	}

	if len(registry.Names()) == 0 {
		return webhookHandlers{}, fmt.Errorf("no platform adapters configured")
	}
	log.Info("adapters configured", slog.Any("platforms", registry.Names()))
	return webhookHandlers{Handlers: hooks}, nil
}

// statusHandler exposes liveness and adapter session state.
type statusHandler struct {
	manager *gateway.Manager
}

func (h *statusHandler) Register(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, h.manager.Status())
	})
}

func provideServer(log *slog.Logger, cfg config.Config, manager *gateway.Manager, mediaHandler *media.Handler, hooks []server.Handler) *server.Server {
	handlers := make([]server.Handler, 0, len(hooks)+2)
	handlers = append(handlers, &statusHandler{manager: manager}, mediaHandler)
	handlers = append(handlers, hooks...)
	return server.New(log, cfg.Server.Addr, handlers...)
}

func startManager(lc fx.Lifecycle, manager *gateway.Manager, watcher *poller.Poller) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return manager.StartAll(ctx) },
		OnStop: func(ctx context.Context) error {
			if err := watcher.Shutdown(ctx); err != nil {
				return err
			}
			return manager.Shutdown(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error { return srv.Stop(ctx) },
	})
}
