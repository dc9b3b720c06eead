package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/cadence/internal/store"
)

// TaskStore is the Postgres-backed durable queue. It runs its own short
// statements outside the chat transaction; leasing relies on
// FOR UPDATE SKIP LOCKED so competing workers never double-claim a row.
type TaskStore struct {
	db *sql.DB
}

const taskCols = `id, kind, payload_json, status, priority, attempts,
	COALESCE(dedup_key, ''), COALESCE(last_error, ''),
	created_at, started_at, finished_at, heartbeat_at, lease_expires_at`

func (s *TaskStore) Enqueue(ctx context.Context, kind string, payload []byte, priority int, dedupKey string) (bool, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (kind, payload_json, status, priority, dedup_key, created_at)
		 VALUES ($1, $2, 'pending', $3, NULLIF($4, ''), now())
		 ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`,
		kind, payload, priority, dedupKey)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Lease claims up to limit pending tasks, oldest and most urgent first. The
// claim, attempt bump and lease stamp happen in one statement so a crash
// between them is impossible.
func (s *TaskStore) Lease(ctx context.Context, kinds []string, limit, leaseSeconds int) ([]*store.Task, error) {
	query := `
		UPDATE tasks SET
			status = 'processing',
			attempts = attempts + 1,
			started_at = COALESCE(started_at, now()),
			heartbeat_at = now(),
			lease_expires_at = now() + make_interval(secs => $1)
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'pending'`
	args := []any{leaseSeconds}
	if len(kinds) > 0 {
		query += ` AND kind = ANY($3)`
	}
	query += `
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskCols
	args = append(args, limit)
	if len(kinds) > 0 {
		args = append(args, pq.Array(kinds))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lease tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) Heartbeat(ctx context.Context, id int64, leaseSeconds int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			heartbeat_at = now(),
			lease_expires_at = now() + make_interval(secs => $2)
		 WHERE id = $1 AND status = 'processing'`,
		id, leaseSeconds)
	return err
}

func (s *TaskStore) Complete(ctx context.Context, id int64, status, errMsg string) error {
	switch status {
	case store.TaskDone, store.TaskFailed, store.TaskCancelled:
	default:
		return fmt.Errorf("complete task %d: invalid status %q", id, status)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = $2,
			last_error = NULLIF($3, ''),
			finished_at = now(),
			lease_expires_at = NULL,
			heartbeat_at = NULL
		 WHERE id = $1`,
		id, status, errMsg)
	return err
}

func (s *TaskStore) ReturnToPending(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = 'pending',
			lease_expires_at = NULL,
			heartbeat_at = NULL
		 WHERE id = ANY($1) AND status = 'processing'`,
		pq.Array(ids))
	return err
}

// SweepExpired handles crashed workers: processing tasks whose lease has
// lapsed are failed once out of attempts, otherwise put back in line.
func (s *TaskStore) SweepExpired(ctx context.Context, maxAttempts int) (requeued, failed int, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = 'failed',
			last_error = 'max attempts exceeded',
			finished_at = now(),
			lease_expires_at = NULL,
			heartbeat_at = NULL
		 WHERE status = 'processing' AND lease_expires_at < now() AND attempts >= $1`,
		maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep expired (fail): %w", err)
	}
	f, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = 'pending',
			lease_expires_at = NULL,
			heartbeat_at = NULL
		 WHERE status = 'processing' AND lease_expires_at < now()`)
	if err != nil {
		return 0, int(f), fmt.Errorf("sweep expired (requeue): %w", err)
	}
	r, err := res.RowsAffected()
	if err != nil {
		return 0, int(f), err
	}
	return int(r), int(f), nil
}

func scanTask(rows *sql.Rows) (*store.Task, error) {
	var t store.Task
	if err := rows.Scan(
		&t.ID, &t.Kind, &t.Payload, &t.Status, &t.Priority, &t.Attempts,
		&t.DedupKey, &t.LastError,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt, &t.HeartbeatAt, &t.LeaseExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}
