package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cadence/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("cadence doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND, running on defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if vErr := cfg.Validate(); vErr != nil {
		fmt.Printf("  Validation: FAILED (%s)\n", vErr)
	} else {
		fmt.Println("  Validation: OK")
	}

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.DSN == "" {
		fmt.Printf("    %-12s DB_DSN not set\n", "Status:")
	} else {
		checkDatabase(cfg.Database.DSN)
	}

	// Telegram bot
	fmt.Println()
	fmt.Println("  Telegram bot:")
	if cfg.Telegram.Token == "" {
		fmt.Printf("    %-12s TELEGRAM_BOT_TOKEN not set\n", "Token:")
	} else {
		fmt.Printf("    %-12s %s\n", "Token:", masked(cfg.Telegram.Token))
		fmt.Printf("    %-12s %s\n", "Mode:", cfg.Telegram.Mode)
		checkBotAPI(cfg.Telegram.Token)
		if cfg.Telegram.Mode == "webhook" {
			if cfg.Telegram.WebhookSecret == "" {
				fmt.Printf("    %-12s WEBHOOK_SECRET not set\n", "Webhook:")
			} else if cfg.App.PublicBaseURL == "" {
				fmt.Printf("    %-12s PUBLIC_BASE_URL not set\n", "Webhook:")
			} else {
				fmt.Printf("    %-12s %s/tg/webhook\n", "Webhook:", strings.TrimRight(cfg.App.PublicBaseURL, "/"))
			}
		}
	}

	// Userbot
	fmt.Println()
	fmt.Println("  Userbot:")
	if cfg.Userbot.APIID == 0 || cfg.Userbot.APIHash == "" {
		fmt.Printf("    %-12s not configured (TG_API_ID, TG_API_HASH)\n", "Status:")
	} else if cfg.Userbot.SessionString != "" {
		fmt.Printf("    %-12s TG_SESSION_STRING\n", "Session:")
	} else {
		path := sessionFilePath(cfg)
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("    %-12s %s (NOT FOUND — run: cadence userbot import)\n", "Session:", path)
		} else {
			fmt.Printf("    %-12s %s\n", "Session:", path)
		}
	}

	// Upstream workflow
	fmt.Println()
	fmt.Println("  Upstream:")
	if cfg.Upstream.URL == "" {
		fmt.Printf("    %-12s N8N_WEBHOOK_URL not set\n", "URL:")
	} else {
		fmt.Printf("    %-12s %s\n", "URL:", cfg.Upstream.URL)
		checkUpstream(cfg.Upstream.URL)
	}
	fmt.Printf("    %-12s %ds\n", "Timeout:", cfg.Upstream.TimeoutSeconds)

	// Uploads
	fmt.Println()
	dir := config.ExpandHome(cfg.App.UploadDir)
	fmt.Printf("  Uploads:  %s", dir)
	if err := checkWritable(dir); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s connected\n", "Status:")

	var version uint64
	var dirty bool
	err = db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations").Scan(&version, &dirty)
	switch {
	case err != nil:
		fmt.Printf("    %-12s none applied (run: cadence migrate up)\n", "Schema:")
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY — run: cadence migrate force %d)\n", "Schema:", version, version-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", version)
	}
}

func checkBotAPI(token string) {
	bot, err := telego.NewBot(token)
	if err != nil {
		fmt.Printf("    %-12s INIT FAILED (%s)\n", "API:", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	me, err := bot.GetMe(ctx)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "API:", err)
		return
	}
	fmt.Printf("    %-12s @%s (id %d)\n", "API:", me.Username, me.ID)
}

// checkUpstream probes the workflow URL with HEAD. n8n webhooks answer 404 or
// 405 to anything but their trigger method, so any HTTP status counts as
// reachable.
func checkUpstream(rawURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		fmt.Printf("    %-12s INVALID URL (%s)\n", "Probe:", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Probe:", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("    %-12s reachable (HTTP %d)\n", "Probe:", resp.StatusCode)
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}

func masked(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
