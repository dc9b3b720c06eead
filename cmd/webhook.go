package cmd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cadence/internal/config"
)

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the Telegram webhook registration",
	}
	cmd.AddCommand(webhookSetCmd())
	cmd.AddCommand(webhookDeleteCmd())
	cmd.AddCommand(webhookInfoCmd())
	return cmd
}

// webhookURL builds the ingress URL Telegram will push to. The secret rides
// as a query parameter and is checked by the webhook handler.
func webhookURL(base, secret string) string {
	return strings.TrimRight(base, "/") + "/tg/webhook?secret=" + url.QueryEscape(secret)
}

func newBotClient() (*telego.Bot, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN environment variable is not set")
	}
	bot, err := telego.NewBot(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

func webhookSetCmd() *cobra.Command {
	var dropPending bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Register PUBLIC_BASE_URL/tg/webhook with Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.App.PublicBaseURL == "" {
				return fmt.Errorf("PUBLIC_BASE_URL is not set")
			}
			if cfg.Telegram.WebhookSecret == "" {
				return fmt.Errorf("WEBHOOK_SECRET environment variable is not set")
			}
			bot, err := newBotClient()
			if err != nil {
				return err
			}

			target := webhookURL(cfg.App.PublicBaseURL, cfg.Telegram.WebhookSecret)
			err = bot.SetWebhook(cmd.Context(), &telego.SetWebhookParams{
				URL:                target,
				AllowedUpdates:     []string{"message", "callback_query"},
				DropPendingUpdates: dropPending,
			})
			if err != nil {
				return fmt.Errorf("set webhook: %w", err)
			}
			fmt.Printf("webhook set: %s/tg/webhook\n", strings.TrimRight(cfg.App.PublicBaseURL, "/"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates queued on Telegram's side")
	return cmd
}

func webhookDeleteCmd() *cobra.Command {
	var dropPending bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the webhook (switches the bot back to polling)",
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := newBotClient()
			if err != nil {
				return err
			}
			err = bot.DeleteWebhook(cmd.Context(), &telego.DeleteWebhookParams{
				DropPendingUpdates: dropPending,
			})
			if err != nil {
				return fmt.Errorf("delete webhook: %w", err)
			}
			fmt.Println("webhook deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates queued on Telegram's side")
	return cmd
}

func webhookInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the current webhook registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := newBotClient()
			if err != nil {
				return err
			}
			info, err := bot.GetWebhookInfo(cmd.Context())
			if err != nil {
				return fmt.Errorf("get webhook info: %w", err)
			}

			if info.URL == "" {
				fmt.Println("no webhook set (polling mode)")
			} else {
				// Strip the secret query before printing.
				shown := info.URL
				if i := strings.IndexByte(shown, '?'); i >= 0 {
					shown = shown[:i] + "?secret=***"
				}
				fmt.Printf("url:             %s\n", shown)
			}
			fmt.Printf("pending updates: %d\n", info.PendingUpdateCount)
			if info.LastErrorMessage != "" {
				at := time.Unix(info.LastErrorDate, 0).UTC().Format(time.RFC3339)
				fmt.Printf("last error:      %s (%s)\n", info.LastErrorMessage, at)
			}
			return nil
		},
	}
}
