package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads configuration: defaults, then the JSON5 file at path (missing
// file is fine), then flat environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	path = ExpandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if len(data) > 0 {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the configuration as indented JSON. Secrets (json:"-") are
// never written.
func Save(cfg *Config, path string) error {
	path = ExpandHome(path)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies the flat environment variable surface on top of
// whatever the file provided. Env always wins.
func applyEnvOverrides(cfg *Config) {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = ParseBool(v)
		}
	}

	envStr("TELEGRAM_BOT_TOKEN", &cfg.Telegram.Token)
	envStr("WEBHOOK_SECRET", &cfg.Telegram.WebhookSecret)
	envStr("TELEGRAM_MODE", &cfg.Telegram.Mode)

	envInt("TG_API_ID", &cfg.Userbot.APIID)
	envStr("TG_API_HASH", &cfg.Userbot.APIHash)
	envStr("TG_SESSION_STRING", &cfg.Userbot.SessionString)
	envStr("TG_SESSION_FILE", &cfg.Userbot.SessionFile)

	envStr("DB_DSN", &cfg.Database.DSN)

	envStr("N8N_WEBHOOK_URL", &cfg.Upstream.URL)
	envStr("OPENROUTER_REFERRER", &cfg.Upstream.Referrer)
	envInt("N8N_TIMEOUT_SECONDS", &cfg.Upstream.TimeoutSeconds)

	envStr("APP_HOST", &cfg.App.Host)
	envInt("APP_PORT", &cfg.App.Port)
	envStr("LOG_LEVEL", &cfg.App.LogLevel)
	envStr("PUBLIC_BASE_URL", &cfg.App.PublicBaseURL)
	envStr("UPLOAD_DIR", &cfg.App.UploadDir)

	envInt("USER_MIN_SECONDS_BETWEEN_MSG", &cfg.Turn.MinSecondsBetweenMsg)
	envInt("MAX_USER_TEXT_LEN", &cfg.Turn.MaxUserTextLen)
	envBool("CANCEL_ON_NEW_MESSAGE", &cfg.Turn.CancelOnNewMessage)

	envInt("REPLY_DELAY_MIN_SECONDS", &cfg.ReplyDelay.MinSeconds)
	envInt("REPLY_DELAY_MAX_SECONDS", &cfg.ReplyDelay.MaxSeconds)
	envFloat("REPLY_RARE_LONG_PROB", &cfg.ReplyDelay.RareLongProb)
	envInt("REPLY_RARE_LONG_MIN_SECONDS", &cfg.ReplyDelay.RareLongMinSeconds)
	envInt("REPLY_RARE_LONG_MAX_SECONDS", &cfg.ReplyDelay.RareLongMaxSeconds)
	envInt("REPLY_INACTIVITY_LONG_THRESHOLD_MINUTES", &cfg.ReplyDelay.InactivityLongThresholdMinutes)
	envInt("REPLY_INACTIVITY_LONG_MIN_SECONDS", &cfg.ReplyDelay.InactivityLongMinSeconds)
	envInt("REPLY_INACTIVITY_LONG_MAX_SECONDS", &cfg.ReplyDelay.InactivityLongMaxSeconds)
	envInt("PHOTO_REPLY_DELAY_MIN_SECONDS", &cfg.ReplyDelay.PhotoMinSeconds)
	envInt("PHOTO_REPLY_DELAY_MAX_SECONDS", &cfg.ReplyDelay.PhotoMaxSeconds)
	envInt("VOICE_DELAY_EXTRA_MIN_SECONDS", &cfg.ReplyDelay.VoiceExtraMinSeconds)
	envInt("VOICE_DELAY_EXTRA_MAX_SECONDS", &cfg.ReplyDelay.VoiceExtraMaxSeconds)

	envBool("AUTO_MESSAGES_DEFAULT", &cfg.Proactive.DefaultAuto)
	envInt("PROACTIVE_MIN_SECONDS", &cfg.Proactive.MinSeconds)
	envInt("PROACTIVE_MAX_SECONDS", &cfg.Proactive.MaxSeconds)
	envStr("PROACTIVE_MORNING_WINDOW", &cfg.Proactive.MorningWindow)
	envStr("PROACTIVE_EVENING_WINDOW", &cfg.Proactive.EveningWindow)
	envStr("PROACTIVE_QUIET_WINDOW", &cfg.Proactive.QuietWindow)
	envInt("REENGAGE_MIN_HOURS", &cfg.Proactive.ReengageMinHours)
	envInt("REENGAGE_COOLDOWN_HOURS", &cfg.Proactive.ReengageCooldownHours)
	envInt("DEFAULT_TIMEZONE_OFFSET_MINUTES", &cfg.Proactive.DefaultTimezoneOffsetMinutes)
	envBool("PROACTIVE_GENERIC_ENABLED", &cfg.Proactive.GenericEnabled)
	envBool("PROACTIVE_VIA_USERBOT_DEFAULT", &cfg.Proactive.ViaUserbotDefault)
	envStr("PROACTIVE_SWEEP_CRON", &cfg.Proactive.SweepCron)

	envInt("ABUSE_WINDOW_MINUTES", &cfg.Moderation.AbuseWindowMinutes)
	envInt("ABUSE_MAX_IN_WINDOW", &cfg.Moderation.AbuseMaxInWindow)
	envInt("ABUSE_AUTO_BLOCK_HOURS", &cfg.Moderation.AbuseAutoBlockHours)

	envInt("TASK_LEASE_SECONDS", &cfg.Queue.LeaseSeconds)
	envInt("TASK_HEARTBEAT_SECONDS", &cfg.Queue.HeartbeatSeconds)
	envInt("TASK_WATCHDOG_INTERVAL", &cfg.Queue.WatchdogIntervalSeconds)
	envInt("TASK_WORKER_COUNT", &cfg.Queue.WorkerCount)
	envInt("RECOVERY_HISTORY_LIMIT", &cfg.Queue.RecoveryHistoryLimit)

	envBool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	envStr("TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	envStr("TELEMETRY_PROTOCOL", &cfg.Telemetry.Protocol)
	envBool("TELEMETRY_INSECURE", &cfg.Telemetry.Insecure)
}

// ParseBool accepts the 1/true/yes/y/on family (case-insensitive); anything
// else is false.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
