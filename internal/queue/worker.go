package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
	"github.com/nextlevelbuilder/cadence/internal/store"
	"github.com/nextlevelbuilder/cadence/internal/turn"
	"github.com/nextlevelbuilder/cadence/internal/upstream"
)

const (
	idlePoll   = time.Second
	leaseBatch = 8
)

// Runner executes one turn; satisfied by *turn.Processor.
type Runner interface {
	Process(ctx context.Context, ev turn.Event) (turn.Outcome, error)
}

// Appender is the debounce surface live events pass through; satisfied by
// *turn.Buffer.
type Appender interface {
	Append(ctx context.Context, ev turn.Event) (string, error)
}

// Pool leases incoming_user_message tasks and drives them through the buffer
// and the turn processor. Retries follow the upstream taxonomy: server-class
// failures return to pending until the attempt budget runs out.
type Pool struct {
	tasks   store.TaskStore
	conn    store.Conn
	buffer  Appender
	proc    Runner
	clk     clock.Clock
	cfg     *config.Config
	metrics *metrics.Metrics
}

func NewPool(tasks store.TaskStore, conn store.Conn, buffer Appender, proc Runner, clk clock.Clock, cfg *config.Config, m *metrics.Metrics) *Pool {
	return &Pool{tasks: tasks, conn: conn, buffer: buffer, proc: proc, clk: clk, cfg: cfg, metrics: m}
}

// Run blocks until ctx is cancelled, keeping cfg.Queue.WorkerCount workers
// leasing.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.Queue.WorkerCount
	if n < 1 {
		n = 1
	}
	slog.Info("task workers starting", "count", n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		leased, err := p.tasks.Lease(ctx, []string{TaskIncomingMessage}, leaseBatch, p.cfg.Queue.LeaseSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("lease tasks", "worker", id, "error", err)
		}
		if len(leased) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		for _, t := range leased {
			p.runTask(ctx, t)
		}
	}
}

// runTask executes one leased task end to end and settles its status.
func (p *Pool) runTask(ctx context.Context, t *store.Task) {
	var payload turnPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		slog.Error("undecodable task payload", "task_id", t.ID, "error", err)
		p.complete(t, store.TaskFailed, fmt.Sprintf("decode payload: %v", err))
		return
	}
	ev := eventFromPayload(payload)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, t.ID)
	defer stopHeartbeat()

	out, err := p.runEvent(ctx, payload.Source, ev)
	switch {
	case err == nil:
		status := store.TaskDone
		if out.Kind == turn.OutcomeCancelled {
			status = store.TaskCancelled
		}
		p.complete(t, status, "")

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Shutdown mid-turn: leave the lease to expire so the task is
		// retried after restart instead of being settled half-done.
		slog.Info("task interrupted by shutdown", "task_id", t.ID, "chat_id", ev.ChatID)

	case retryable(err) && t.Attempts < MaxAttempts:
		slog.Warn("task returned for retry", "task_id", t.ID, "chat_id", ev.ChatID, "attempt", t.Attempts, "error", err)
		if rErr := p.tasks.ReturnToPending(context.WithoutCancel(ctx), []int64{t.ID}); rErr != nil {
			slog.Error("return task to pending", "task_id", t.ID, "error", rErr)
			return
		}
		p.metrics.TasksRequeued.Inc()

	default:
		slog.Error("task failed", "task_id", t.ID, "chat_id", ev.ChatID, "attempt", t.Attempts, "error", err)
		p.complete(t, store.TaskFailed, err.Error())
		p.metrics.TasksFailed.Inc()
		p.recordTaskFailure(ev.ChatID, t, err)
	}
}

// runEvent routes live deliveries through the debounce buffer; buffer
// aggregates and recovery backfill go straight to the processor.
func (p *Pool) runEvent(ctx context.Context, source string, ev turn.Event) (turn.Outcome, error) {
	if source == turn.SourceLive {
		res, err := p.buffer.Append(ctx, ev)
		if err != nil {
			return turn.Outcome{}, err
		}
		if res != turn.BufferDirect {
			return turn.Outcome{Kind: turn.OutcomeBuffered}, nil
		}
	}
	return p.proc.Process(ctx, ev)
}

// complete settles a task on a fresh context so a shutdown race cannot strand
// a finished turn in processing (the watchdog would replay it).
func (p *Pool) complete(t *store.Task, status, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.tasks.Complete(ctx, t.ID, status, errMsg); err != nil {
		slog.Error("complete task", "task_id", t.ID, "status", status, "error", err)
		return
	}
	p.metrics.TasksCompleted.WithLabelValues(t.Kind, status).Inc()
}

func (p *Pool) heartbeat(ctx context.Context, id int64) {
	interval := time.Duration(p.cfg.Queue.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.tasks.Heartbeat(hctx, id, p.cfg.Queue.LeaseSeconds); err != nil {
				slog.Warn("task heartbeat", "task_id", id, "error", err)
			}
			cancel()
		}
	}
}

// recordTaskFailure writes the audit row for a terminally failed task.
func (p *Pool) recordTaskFailure(chatID int64, t *store.Task, taskErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		slog.Error("record task failure", "task_id", t.ID, "error", err)
		return
	}
	defer tx.Rollback()

	payload, err := json.Marshal(map[string]any{
		"task_id":  t.ID,
		"kind":     t.Kind,
		"attempts": t.Attempts,
		"error":    taskErr.Error(),
	})
	if err != nil {
		payload = []byte("{}")
	}
	if err := tx.InsertEvent(ctx, &store.Event{
		Kind:      store.EventTaskFailed,
		ChatID:    &chatID,
		Payload:   payload,
		CreatedAt: p.clk.Now(),
	}); err != nil {
		slog.Error("record task failure", "task_id", t.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("record task failure", "task_id", t.ID, "error", err)
	}
}

// retryable matches server-class upstream failures; client errors and send
// failures are settled on the first pass.
func retryable(err error) bool {
	var se *upstream.ServerError
	var oe *upstream.OtherError
	return errors.As(err, &se) || errors.As(err, &oe)
}
