package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
)

// Watchdog reclaims tasks whose worker died mid-lease: expired processing
// rows go back to pending, or to failed once their attempts are spent.
type Watchdog struct {
	tasks   store.TaskStore
	cfg     *config.Config
	metrics *metrics.Metrics
}

func NewWatchdog(tasks store.TaskStore, cfg *config.Config, m *metrics.Metrics) *Watchdog {
	return &Watchdog{tasks: tasks, cfg: cfg, metrics: m}
}

// Run sweeps on the configured interval until ctx ends.
func (w *Watchdog) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.Queue.WatchdogIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	requeued, failed, err := w.tasks.SweepExpired(ctx, MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("task watchdog sweep", "error", err)
		}
		return
	}
	if requeued > 0 {
		w.metrics.TasksRequeued.Add(float64(requeued))
	}
	if failed > 0 {
		w.metrics.TasksFailed.Add(float64(failed))
	}
	if requeued+failed > 0 {
		slog.Info("task watchdog reclaimed leases", "requeued", requeued, "failed", failed)
	}
}
