// Package config loads the gateway configuration from a TOML file with
// environment variable overrides. Secrets (tokens, signing keys) are usually
// supplied through the environment; the file carries the structural settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultBackendURL     = "http://127.0.0.1:8188"
	DefaultRatePerMinute  = 20.0
	DefaultRateBurst      = 5
	DefaultMediaTTL       = "1h"
	DefaultMediaMaxBytes  = 25 << 20
	DefaultPollTimeout    = "10m"
	DefaultMaxImages      = 4
	DefaultReplayWindow   = "10m"
	DefaultRequestTimeout = "15s"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Backend  BackendConfig  `toml:"backend"`
	Commands CommandsConfig `toml:"commands"`
	Limits   LimitsConfig   `toml:"limits"`
	Media    MediaConfig    `toml:"media"`
	Poller   PollerConfig   `toml:"poller"`

	Telegram TelegramConfig `toml:"telegram"`
	Discord  DiscordConfig  `toml:"discord"`
	Line     LineConfig     `toml:"line"`
	WhatsApp WhatsAppConfig `toml:"whatsapp"`
	WeChat   WeChatConfig   `toml:"wechat"`
	Slack    SlackConfig    `toml:"slack"`
	Kakao    KakaoConfig    `toml:"kakao"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"`
}

type ServerConfig struct {
	Addr string `toml:"addr" env:"SERVER_ADDR"`
	// PublicURL is the externally reachable base URL of this gateway, used
	// to build signed media links for platforms that fetch images by URL.
	PublicURL string `toml:"public_url" env:"SERVER_PUBLIC_URL"`
}

type BackendConfig struct {
	URL            string `toml:"url" env:"BACKEND_URL"`
	AdminToken     string `toml:"admin_token" env:"BACKEND_ADMIN_TOKEN"`
	RequestTimeout string `toml:"request_timeout" env:"BACKEND_REQUEST_TIMEOUT"`
}

type CommandsConfig struct {
	BotName   string   `toml:"bot_name" env:"BOT_NAME"`
	Admins    []string `toml:"admins" env:"ADMINS" envSeparator:","`
	RunAllow  []string `toml:"run_allow" env:"RUN_ALLOW" envSeparator:","`
	ChatLimit int      `toml:"chat_prompt_limit"`
}

type LimitsConfig struct {
	RatePerMinute float64 `toml:"rate_per_minute" env:"RATE_PER_MINUTE"`
	Burst         int     `toml:"burst" env:"RATE_BURST"`
	ReplayWindow  string  `toml:"replay_window" env:"REPLAY_WINDOW"`
}

type MediaConfig struct {
	Dir      string `toml:"dir" env:"MEDIA_DIR"`
	Secret   string `toml:"secret" env:"MEDIA_SECRET"`
	TTL      string `toml:"ttl" env:"MEDIA_TTL"`
	MaxBytes int64  `toml:"max_bytes" env:"MEDIA_MAX_BYTES"`
}

type PollerConfig struct {
	Timeout   string `toml:"timeout" env:"POLL_TIMEOUT"`
	MaxImages int    `toml:"max_images" env:"POLL_MAX_IMAGES"`
	WorkDir   string `toml:"work_dir"`
}

type TelegramConfig struct {
	BotToken   string   `toml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	OffsetFile string   `toml:"offset_file" env:"TELEGRAM_OFFSET_FILE"`
	AllowFrom  []string `toml:"allow_from" env:"TELEGRAM_ALLOW_FROM" envSeparator:","`
}

type DiscordConfig struct {
	BotToken  string   `toml:"bot_token" env:"DISCORD_BOT_TOKEN"`
	AllowFrom []string `toml:"allow_from" env:"DISCORD_ALLOW_FROM" envSeparator:","`
}

type LineConfig struct {
	ChannelSecret string   `toml:"channel_secret" env:"LINE_CHANNEL_SECRET"`
	ChannelToken  string   `toml:"channel_token" env:"LINE_CHANNEL_TOKEN"`
	AllowFrom     []string `toml:"allow_from" env:"LINE_ALLOW_FROM" envSeparator:","`
}

type WhatsAppConfig struct {
	AppSecret     string   `toml:"app_secret" env:"WHATSAPP_APP_SECRET"`
	VerifyToken   string   `toml:"verify_token" env:"WHATSAPP_VERIFY_TOKEN"`
	AccessToken   string   `toml:"access_token" env:"WHATSAPP_ACCESS_TOKEN"`
	PhoneNumberID string   `toml:"phone_number_id" env:"WHATSAPP_PHONE_NUMBER_ID"`
	Freshness     string   `toml:"freshness_window" env:"WHATSAPP_FRESHNESS_WINDOW"`
	AllowFrom     []string `toml:"allow_from" env:"WHATSAPP_ALLOW_FROM" envSeparator:","`
}

type WeChatConfig struct {
	Token     string   `toml:"token" env:"WECHAT_TOKEN"`
	AppID     string   `toml:"app_id" env:"WECHAT_APP_ID"`
	AppSecret string   `toml:"app_secret" env:"WECHAT_APP_SECRET"`
	AllowFrom []string `toml:"allow_from" env:"WECHAT_ALLOW_FROM" envSeparator:","`
}

type SlackConfig struct {
	SigningSecret  string   `toml:"signing_secret" env:"SLACK_SIGNING_SECRET"`
	BotToken       string   `toml:"bot_token" env:"SLACK_BOT_TOKEN"`
	BotUserID      string   `toml:"bot_user_id" env:"SLACK_BOT_USER_ID"`
	RequireMention bool     `toml:"require_mention" env:"SLACK_REQUIRE_MENTION"`
	AllowFrom      []string `toml:"allow_from" env:"SLACK_ALLOW_FROM" envSeparator:","`
}

type KakaoConfig struct {
	AllowFrom []string `toml:"allow_from" env:"KAKAO_ALLOW_FROM" envSeparator:","`
	Enabled   bool     `toml:"enabled" env:"KAKAO_ENABLED"`
}

// Load reads the TOML file (missing file means defaults), then applies
// environment overrides on top. A .env file in the working directory is
// loaded first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Backend: BackendConfig{
			URL:            DefaultBackendURL,
			RequestTimeout: DefaultRequestTimeout,
		},
		Commands: CommandsConfig{
			ChatLimit: 2000,
		},
		Limits: LimitsConfig{
			RatePerMinute: DefaultRatePerMinute,
			Burst:         DefaultRateBurst,
			ReplayWindow:  DefaultReplayWindow,
		},
		Media: MediaConfig{
			Dir:      "media",
			TTL:      DefaultMediaTTL,
			MaxBytes: DefaultMediaMaxBytes,
		},
		Poller: PollerConfig{
			Timeout:   DefaultPollTimeout,
			MaxImages: DefaultMaxImages,
		},
		WhatsApp: WhatsAppConfig{
			Freshness: "5m",
		},
		Slack: SlackConfig{
			RequireMention: true,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Duration parses a config duration string, falling back when empty or bad.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// EnabledPlatforms lists the platforms with credentials configured.
func (c Config) EnabledPlatforms() []string {
	var names []string
	if c.Telegram.BotToken != "" {
		names = append(names, "telegram")
	}
	if c.Discord.BotToken != "" {
		names = append(names, "discord")
	}
	if c.Line.ChannelSecret != "" {
		names = append(names, "line")
	}
	if c.WhatsApp.AppSecret != "" {
		names = append(names, "whatsapp")
	}
	if c.WeChat.Token != "" {
		names = append(names, "wechat")
	}
	if c.Slack.SigningSecret != "" {
		names = append(names, "slack")
	}
	if c.Kakao.Enabled {
		names = append(names, "kakao")
	}
	return names
}
