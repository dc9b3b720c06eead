package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adhocore/gronx"
)

// Config is the root configuration for the cadence service.
// Values come from Default(), then the JSON5 config file, then flat
// environment overrides (see config_load.go). The struct is shared across
// goroutines; read through the getter helpers or under the mutex.
type Config struct {
	App        AppConfig        `json:"app"`
	Telegram   TelegramConfig   `json:"telegram"`
	Userbot    UserbotConfig    `json:"userbot,omitempty"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Upstream   UpstreamConfig   `json:"upstream"`
	Turn       TurnConfig       `json:"turn"`
	ReplyDelay ReplyDelayConfig `json:"reply_delay"`
	Proactive  ProactiveConfig  `json:"proactive"`
	Moderation ModerationConfig `json:"moderation"`
	Queue      QueueConfig      `json:"queue"`
	Humanize   HumanizeConfig   `json:"humanize,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// AppConfig holds the HTTP listener and general process settings.
type AppConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	LogLevel      string `json:"log_level"`
	PublicBaseURL string `json:"public_base_url"` // external URL for /files links and webhook registration
	UploadDir     string `json:"upload_dir"`
}

// TelegramConfig configures the Bot API transport.
// Token and webhook secret are secrets: env only, never persisted.
type TelegramConfig struct {
	Token         string `json:"-"`              // from env TELEGRAM_BOT_TOKEN only
	WebhookSecret string `json:"-"`              // from env WEBHOOK_SECRET only
	Mode          string `json:"mode,omitempty"` // "polling" (default) or "webhook"
}

// UserbotConfig configures the MTProto user-session transport.
// All credentials come from env only.
type UserbotConfig struct {
	APIID         int    `json:"-"`                       // TG_API_ID
	APIHash       string `json:"-"`                       // TG_API_HASH
	SessionString string `json:"-"`                       // TG_SESSION_STRING (Telethon string session)
	SessionFile   string `json:"session_file,omitempty"` // fallback session storage path
}

// DatabaseConfig carries the Postgres DSN. Env only (DB_DSN), never in the
// config file.
type DatabaseConfig struct {
	DSN string `json:"-"`
}

// UpstreamConfig points at the n8n workflow webhook.
type UpstreamConfig struct {
	URL            string `json:"url"`
	Referrer       string `json:"referrer,omitempty"` // optional Referer header (ASCII URL)
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// TurnConfig tunes per-turn input handling.
type TurnConfig struct {
	MinSecondsBetweenMsg int  `json:"min_seconds_between_msg"`
	MaxUserTextLen       int  `json:"max_user_text_len"`
	CancelOnNewMessage   bool `json:"cancel_on_new_message,omitempty"`
}

// ReplyDelayConfig tunes the humanized reply-delay policy.
type ReplyDelayConfig struct {
	MinSeconds int `json:"min_seconds"`
	MaxSeconds int `json:"max_seconds"`

	RareLongProb       float64 `json:"rare_long_prob"`
	RareLongMinSeconds int     `json:"rare_long_min_seconds"`
	RareLongMaxSeconds int     `json:"rare_long_max_seconds"`

	InactivityLongThresholdMinutes int `json:"inactivity_long_threshold_minutes"`
	InactivityLongMinSeconds       int `json:"inactivity_long_min_seconds"`
	InactivityLongMaxSeconds       int `json:"inactivity_long_max_seconds"`

	PhotoMinSeconds      int `json:"photo_min_seconds"`
	PhotoMaxSeconds      int `json:"photo_max_seconds"`
	VoiceExtraMinSeconds int `json:"voice_extra_min_seconds"`
	VoiceExtraMaxSeconds int `json:"voice_extra_max_seconds"`
}

// ProactiveConfig tunes scheduler windows and cadence. Windows are local-time
// intervals "HH:MM-HH:MM"; overnight spans are allowed.
type ProactiveConfig struct {
	DefaultAuto                  bool   `json:"default_auto"`
	MinSeconds                   int    `json:"min_seconds"`
	MaxSeconds                   int    `json:"max_seconds"`
	MorningWindow                string `json:"morning_window"`
	EveningWindow                string `json:"evening_window"`
	QuietWindow                  string `json:"quiet_window"`
	ReengageMinHours             int    `json:"reengage_min_hours"`
	ReengageCooldownHours        int    `json:"reengage_cooldown_hours"`
	DefaultTimezoneOffsetMinutes int    `json:"default_timezone_offset_minutes"`
	GenericEnabled               bool   `json:"generic_enabled"`
	ViaUserbotDefault            bool   `json:"via_userbot_default,omitempty"` // new chats route proactives through the outbox
	SweepCron                    string `json:"sweep_cron"`                    // cron expression gating the sweep
}

// ModerationConfig tunes the abuse auto-block policy.
type ModerationConfig struct {
	AbuseWindowMinutes  int `json:"abuse_window_minutes"`
	AbuseMaxInWindow    int `json:"abuse_max_in_window"`
	AbuseAutoBlockHours int `json:"abuse_auto_block_hours"`
}

// QueueConfig tunes the durable task queue and recovery backfill.
type QueueConfig struct {
	LeaseSeconds            int `json:"lease_seconds"`
	HeartbeatSeconds        int `json:"heartbeat_seconds"`
	WatchdogIntervalSeconds int `json:"watchdog_interval_seconds"`
	WorkerCount             int `json:"worker_count"`
	RecoveryHistoryLimit    int `json:"recovery_history_limit"`
}

// HumanizeConfig tunes optional human-like sending behaviours.
type HumanizeConfig struct {
	QuoteEveryMin          int  `json:"quote_every_min"`
	QuoteEveryMax          int  `json:"quote_every_max"`
	ReadBeforeTyping       bool `json:"read_before_typing,omitempty"`
	TypingStartJitterMsMax int  `json:"typing_start_jitter_ms_max,omitempty"`
	MinTypingMs            int  `json:"min_typing_ms,omitempty"`
	PreProcessDelayMsMax   int  `json:"pre_process_delay_ms_max,omitempty"`
}

// TelemetryConfig configures optional OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			LogLevel:  "info",
			UploadDir: "/tmp/uploads",
		},
		Telegram: TelegramConfig{
			Mode: "polling",
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds: 60,
		},
		Turn: TurnConfig{
			MinSecondsBetweenMsg: 5,
			MaxUserTextLen:       4000,
		},
		ReplyDelay: ReplyDelayConfig{
			MinSeconds:                     5,
			MaxSeconds:                     10,
			RareLongProb:                   0,
			RareLongMinSeconds:             180,
			RareLongMaxSeconds:             360,
			InactivityLongThresholdMinutes: 120,
			InactivityLongMinSeconds:       180,
			InactivityLongMaxSeconds:       300,
			PhotoMinSeconds:                5,
			PhotoMaxSeconds:                6,
			VoiceExtraMinSeconds:           2,
			VoiceExtraMaxSeconds:           4,
		},
		Proactive: ProactiveConfig{
			DefaultAuto:                  true,
			MinSeconds:                   3600,
			MaxSeconds:                   7200,
			MorningWindow:                "08:00-11:00",
			EveningWindow:                "21:00-23:00",
			QuietWindow:                  "00:30-07:00",
			ReengageMinHours:             6,
			ReengageCooldownHours:        12,
			DefaultTimezoneOffsetMinutes: 180,
			GenericEnabled:               true,
			SweepCron:                    "* * * * *",
		},
		Moderation: ModerationConfig{
			AbuseWindowMinutes:  30,
			AbuseMaxInWindow:    10,
			AbuseAutoBlockHours: 24,
		},
		Queue: QueueConfig{
			LeaseSeconds:            60,
			HeartbeatSeconds:        30,
			WatchdogIntervalSeconds: 10,
			WorkerCount:             4,
			RecoveryHistoryLimit:    500,
		},
		Humanize: HumanizeConfig{
			QuoteEveryMin: 10,
			QuoteEveryMax: 15,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "cadence",
		},
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream url is not set (N8N_WEBHOOK_URL)")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is not set (DB_DSN)")
	}
	gron := gronx.New()
	if !gron.IsValid(c.Proactive.SweepCron) {
		return fmt.Errorf("invalid proactive sweep cron %q", c.Proactive.SweepCron)
	}
	for _, w := range []struct{ name, val string }{
		{"morning_window", c.Proactive.MorningWindow},
		{"evening_window", c.Proactive.EveningWindow},
		{"quiet_window", c.Proactive.QuietWindow},
	} {
		if w.val == "" {
			continue
		}
		if _, err := parseWindowBounds(w.val); err != nil {
			return fmt.Errorf("invalid %s: %w", w.name, err)
		}
	}
	if c.Telegram.Mode != "polling" && c.Telegram.Mode != "webhook" {
		return fmt.Errorf("telegram mode must be polling or webhook, got %q", c.Telegram.Mode)
	}
	if c.Telegram.Mode == "webhook" && c.Telegram.WebhookSecret == "" {
		return fmt.Errorf("webhook mode requires WEBHOOK_SECRET")
	}
	return nil
}

// parseWindowBounds checks "HH:MM-HH:MM" shape. Window semantics live in the
// turn package; config only validates the format.
func parseWindowBounds(s string) ([2]int, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return [2]int{}, fmt.Errorf("window %q must be HH:MM-HH:MM", s)
	}
	var out [2]int
	for i, p := range parts {
		var h, m int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d:%d", &h, &m); err != nil {
			return [2]int{}, fmt.Errorf("window bound %q: %w", p, err)
		}
		if h < 0 || h > 23 || m < 0 || m > 59 {
			return [2]int{}, fmt.Errorf("window bound %q out of range", p)
		}
		out[i] = h*60 + m
	}
	return out, nil
}

// ReplaceFrom swaps the receiver's contents with src under the write lock.
// Used by the config watcher for hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.App = src.App
	c.Telegram = src.Telegram
	c.Userbot = src.Userbot
	c.Database = src.Database
	c.Upstream = src.Upstream
	c.Turn = src.Turn
	c.ReplyDelay = src.ReplyDelay
	c.Proactive = src.Proactive
	c.Moderation = src.Moderation
	c.Queue = src.Queue
	c.Humanize = src.Humanize
	c.Telemetry = src.Telemetry
}

// ExpandHome expands a leading ~ in a path.
func ExpandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
