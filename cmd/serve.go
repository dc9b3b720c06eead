package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/files"
	"github.com/nextlevelbuilder/cadence/internal/gateway"
	httpapi "github.com/nextlevelbuilder/cadence/internal/http"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/proactive"
	"github.com/nextlevelbuilder/cadence/internal/queue"
	"github.com/nextlevelbuilder/cadence/internal/store/pg"
	"github.com/nextlevelbuilder/cadence/internal/telemetry"
	"github.com/nextlevelbuilder/cadence/internal/transport"
	"github.com/nextlevelbuilder/cadence/internal/transport/telegrambot"
	"github.com/nextlevelbuilder/cadence/internal/transport/userbot"
	"github.com/nextlevelbuilder/cadence/internal/turn"
	"github.com/nextlevelbuilder/cadence/internal/upstream"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation engine (transports, queue workers, scheduler, HTTP)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// runServe hosts the whole engine in one process: both transports, the task
// queue workers, the watchdog, the proactive scheduler, the outbox
// dispatcher, the HTTP surface and the config watcher, all supervised by one
// errgroup. Losing any of them stops the process.
func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		setupLogging("")
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	m := metrics.New()
	clk := clock.NewSystem()

	st, err := pg.Open(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tasks := st.Tasks()
	ingest := queue.NewIngest(tasks, m)
	sup := turn.NewSupervisor(clk)
	buffer := turn.NewBuffer(st, ingest, clk, cfg, m)
	defer buffer.Stop()

	up := upstream.New(cfg.Upstream.URL, cfg.Upstream.Referrer, cfg.Upstream.TimeoutSeconds, m)

	uploads, err := files.NewStore(cfg.App.UploadDir, cfg.App.PublicBaseURL)
	if err != nil {
		slog.Error("upload store init failed", "dir", cfg.App.UploadDir, "error", err)
		os.Exit(1)
	}

	// Replies leave through the transport the chat last wrote on; the router
	// learns bindings from the inbound hooks below.
	router := transport.NewRouter()
	proc := turn.NewProcessor(st, up, router, sup, clk, cfg, m)

	var bot *telegrambot.Bot
	var botHuman *transport.Humanizer
	if cfg.Telegram.Token != "" {
		inb := &transport.Inbound{Ingest: ingest, Sup: sup, Cfg: cfg, Bind: router.BindBot}
		b, err := telegrambot.New(cfg, st, inb, proc, uploads, clk)
		if err != nil {
			slog.Error("telegram bot init failed", "error", err)
			os.Exit(1)
		}
		botHuman = transport.NewHumanizer(b, cfg, clk)
		inb.Human = botHuman
		router.SetBot(botHuman)
		bot = b
	} else {
		slog.Warn("TELEGRAM_BOT_TOKEN is not set, bot transport disabled")
	}

	var ub *userbot.Userbot
	var ubHuman *transport.Humanizer
	if cfg.Userbot.APIID != 0 && cfg.Userbot.APIHash != "" {
		inb := &transport.Inbound{Ingest: ingest, Sup: sup, Cfg: cfg, Bind: router.BindUserbot}
		u, err := userbot.New(cfg, st, inb, m)
		if err != nil {
			slog.Error("userbot init failed", "error", err)
			os.Exit(1)
		}
		ubHuman = transport.NewHumanizer(u, cfg, clk)
		inb.Human = ubHuman
		router.SetUserbot(ubHuman)
		ub = u
	} else {
		slog.Info("userbot credentials not set, userbot transport disabled")
	}

	if bot == nil && ub == nil {
		slog.Error("no transport configured: set TELEGRAM_BOT_TOKEN or TG_API_ID/TG_API_HASH")
		os.Exit(1)
	}

	pool := queue.NewPool(tasks, st, buffer, proc, clk, cfg, m)
	wd := queue.NewWatchdog(tasks, cfg, m)
	sched := proactive.NewScheduler(st, up, router, buffer, clk, cfg, m)

	// Outbox rows want the user-account path; without one they still drain
	// through the bot rather than rot.
	var outSender turn.Sender = botHuman
	outVia := "bot"
	if ubHuman != nil {
		outSender = ubHuman
		outVia = "userbot"
	}
	box := proactive.NewOutbox(st, outSender, outVia, clk, m)

	var sink httpapi.UpdateSink
	if bot != nil && cfg.Telegram.Mode == "webhook" {
		sink = bot
	}
	srv := gateway.NewServer(cfg, uploads, m, sink, clk, tracing.Tracer())

	slog.Info("cadence starting",
		"version", Version,
		"telegram_mode", cfg.Telegram.Mode,
		"bot", bot != nil,
		"userbot", ub != nil,
		"workers", cfg.Queue.WorkerCount,
		"addr", cfg.App.Host, "port", cfg.App.Port)

	g, gctx := errgroup.WithContext(ctx)

	if bot != nil {
		g.Go(func() error {
			if err := bot.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return bot.Stop(stopCtx)
		})
	}
	if ub != nil {
		g.Go(func() error { return ub.Run(gctx) })
	}
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return wd.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return box.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx) })

	if _, statErr := os.Stat(config.ExpandHome(cfgPath)); statErr == nil {
		g.Go(func() error { return config.Watch(gctx, cfgPath, cfg) })
	} else {
		slog.Info("config file not present, hot reload disabled", "path", cfgPath)
	}

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if derr := sup.Shutdown(drainCtx); derr != nil {
		slog.Warn("in-flight sends not drained", "error", derr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("engine stopped")
}
