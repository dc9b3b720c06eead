package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/proactive"
	"github.com/nextlevelbuilder/cadence/internal/queue"
	"github.com/nextlevelbuilder/cadence/internal/store/pg"
	"github.com/nextlevelbuilder/cadence/internal/transport"
	"github.com/nextlevelbuilder/cadence/internal/transport/telegrambot"
	"github.com/nextlevelbuilder/cadence/internal/turn"
	"github.com/nextlevelbuilder/cadence/internal/upstream"
)

func proactiveCmd() *cobra.Command {
	var (
		chatID int64
		intent string
	)
	cmd := &cobra.Command{
		Use:   "proactive",
		Short: "Proactive messaging utilities",
		Long: `Force one proactive message for a chat, bypassing windows and due
timestamps. The stamp-before-send rule still applies, so a forced
morning greeting counts as today's. Useful for testing personas and
upstream prompts without waiting for the scheduler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chatID == 0 {
				return fmt.Errorf("pass --chat and --intent, or run: cadence proactive sweep")
			}
			kit, err := proactiveSetup(cmd.Context())
			if err != nil {
				return err
			}
			defer kit.close()

			if err := kit.sched.ForceSend(cmd.Context(), chatID, intent); err != nil {
				return err
			}
			fmt.Printf("forced %s for chat %d\n", intent, chatID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat id to send to")
	cmd.Flags().StringVar(&intent, "intent", upstream.IntentGeneric, "intent: morning, evening, reengage or generic")
	cmd.AddCommand(proactiveSweepCmd())
	return cmd
}

// proactiveSweepCmd runs one scheduler sweep outside the serve loop, useful
// for testing window settings without waiting for the cron tick. Sends go
// through the bot; rows for userbot chats land in the outbox as usual.
func proactiveSweepCmd() *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one proactive sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			kit, err := proactiveSetup(cmd.Context())
			if err != nil {
				return err
			}
			defer kit.close()

			n, err := kit.sched.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Printf("sweep complete: %d proactive actions\n", n)

			if drain {
				box := proactive.NewOutbox(kit.store, kit.sender, "bot", kit.clk, kit.metrics)
				sent, err := box.Drain(cmd.Context())
				if err != nil {
					return fmt.Errorf("outbox drain: %w", err)
				}
				fmt.Printf("outbox drained: %d messages sent\n", sent)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "also drain the proactive outbox through the bot")
	return cmd
}

// proactiveKit is the wiring a one-shot proactive command needs: the store, a
// scheduler and a send-only bot behind the humanizer.
type proactiveKit struct {
	store   *pg.Store
	sched   *proactive.Scheduler
	sender  turn.Sender
	clk     clock.Clock
	metrics *metrics.Metrics
	close   func()
}

func proactiveSetup(ctx context.Context) (*proactiveKit, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.App.LogLevel)
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN environment variable is not set")
	}

	st, err := pg.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	m := metrics.New()
	clk := clock.NewSystem()
	ingest := queue.NewIngest(st.Tasks(), m)
	buffer := turn.NewBuffer(st, ingest, clk, cfg, m)
	up := upstream.New(cfg.Upstream.URL, cfg.Upstream.Referrer, cfg.Upstream.TimeoutSeconds, m)

	// Send-only bot: never started, so the inbound side stays unused.
	inb := &transport.Inbound{Ingest: ingest, Sup: turn.NewSupervisor(clk), Cfg: cfg}
	bot, err := telegrambot.New(cfg, st, inb, nil, nil, clk)
	if err != nil {
		st.Close()
		buffer.Stop()
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	sender := transport.NewHumanizer(bot, cfg, clk)

	return &proactiveKit{
		store:   st,
		sched:   proactive.NewScheduler(st, up, sender, buffer, clk, cfg, m),
		sender:  sender,
		clk:     clk,
		metrics: m,
		close: func() {
			buffer.Stop()
			st.Close()
		},
	}, nil
}
