package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/opsforge/fleetd/internal/inventory/model"
)

const taskColumns = `id, kind, status, params, server_id, group_id, instance_ids, created_at,
	started_at, completed_at, result, error, progress, runner_pid, cancelled`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var params []byte
	var progress []byte
	var instanceIDs pq.Int64Array
	if err := row.Scan(&t.ID, &t.Kind, &t.Status, &params, &t.ServerID, &t.GroupID, &instanceIDs,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.Result, &t.Error, &progress,
		&t.RunnerPID, &t.Cancelled); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return nil, err
		}
	}
	t.Progress = progress
	t.InstanceIDs = instanceIDs
	return &t, nil
}

// CreateTask inserts one pending task of a plan.
func (d *Database) CreateTask(ctx context.Context, t *model.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return model.WrapError(model.ErrInternal, err, "marshal task params")
	}
	var idemKey any
	if t.Params.IdempotencyKey != "" {
		idemKey = t.Params.IdempotencyKey
	}
	const q = `INSERT INTO tasks (id, kind, status, params, server_id, group_id, instance_ids, idempotency_key)
	           VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7) RETURNING created_at`
	err = d.db.QueryRowContext(ctx, q, t.ID, t.Kind, params, t.ServerID, t.GroupID,
		pq.Array(t.InstanceIDs), idemKey).Scan(&t.CreatedAt)
	if err != nil {
		return translateErr("create task", err)
	}
	t.Status = model.TaskPending
	return nil
}

// FindTasksByIdempotencyKey returns the tasks an earlier identical submit
// already created.
func (d *Database) FindTasksByIdempotencyKey(ctx context.Context, key string) ([]model.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks WHERE idempotency_key = $1 ORDER BY created_at`
	rows, err := d.db.QueryContext(ctx, q, key)
	if err != nil {
		return nil, translateErr("find tasks by idempotency key", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]model.Task, error) {
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, translateErr("scan task", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (d *Database) GetTask(ctx context.Context, id string) (*model.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(d.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, translateErr("get task", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks; zero values are ignored.
type TaskFilter struct {
	Status model.TaskStatus
	Kind   model.TaskKind
	Limit  int
}

func (d *Database) ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		q += ` AND status = $` + strconv.Itoa(len(args)+1)
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		q += ` AND kind = $` + strconv.Itoa(len(args)+1)
		args = append(args, f.Kind)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT $` + strconv.Itoa(len(args)+1)
		args = append(args, f.Limit)
	}
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translateErr("list tasks", err)
	}
	return collectTasks(rows)
}

// ListPendingTasks returns dispatchable tasks FIFO by created_at.
func (d *Database) ListPendingTasks(ctx context.Context, limit int) ([]model.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks
	           WHERE status = 'pending' AND NOT cancelled
	           ORDER BY created_at ASC LIMIT $1`
	rows, err := d.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, translateErr("list pending tasks", err)
	}
	return collectTasks(rows)
}

// CountRunningTasks returns the global and per-server running counts the
// dispatcher enforces its caps against.
func (d *Database) CountRunningTasks(ctx context.Context) (total int, perServer map[int64]int, err error) {
	const q = `SELECT COALESCE(server_id, 0), COUNT(*) FROM tasks WHERE status = 'running' GROUP BY server_id`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return 0, nil, translateErr("count running tasks", err)
	}
	defer rows.Close()
	perServer = map[int64]int{}
	for rows.Next() {
		var serverID int64
		var n int
		if err := rows.Scan(&serverID, &n); err != nil {
			return 0, nil, translateErr("scan running count", err)
		}
		total += n
		if serverID != 0 {
			perServer[serverID] = n
		}
	}
	return total, perServer, rows.Err()
}

// MarkTaskRunning transitions pending -> running. The guard keeps the
// transition monotone: a cancelled pending task never starts.
func (d *Database) MarkTaskRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	const q = `UPDATE tasks SET status = 'running', started_at = $2
	           WHERE id = $1 AND status = 'pending' AND NOT cancelled`
	res, err := d.db.ExecContext(ctx, q, id, at)
	if err != nil {
		return false, translateErr("mark task running", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteTask transitions running -> completed|failed. Terminal states are
// never overwritten.
func (d *Database) CompleteTask(ctx context.Context, id string, success bool, result, errMsg string, at time.Time) (bool, error) {
	status := model.TaskCompleted
	if !success {
		status = model.TaskFailed
	}
	const q = `UPDATE tasks SET status = $2, result = $3, error = $4, completed_at = $5
	           WHERE id = $1 AND status = 'running'`
	res, err := d.db.ExecContext(ctx, q, id, status, result, errMsg, at)
	if err != nil {
		return false, translateErr("complete task", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequestCancel flags the task cooperative-cancelled and returns its current
// state so the caller can signal the runner.
func (d *Database) RequestCancel(ctx context.Context, id string) (*model.Task, error) {
	const q = `UPDATE tasks SET cancelled = TRUE WHERE id = $1 RETURNING ` + taskColumns
	t, err := scanTask(d.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewError(model.ErrNotFound, "task %s not found", id)
		}
		return nil, translateErr("request cancel", err)
	}
	return t, nil
}

// FinalizeCancel moves a cancelled task to its terminal state from either
// pending or running.
func (d *Database) FinalizeCancel(ctx context.Context, id string, at time.Time) (bool, error) {
	const q = `UPDATE tasks SET status = 'cancelled', completed_at = $2
	           WHERE id = $1 AND status IN ('pending', 'running')`
	res, err := d.db.ExecContext(ctx, q, id, at)
	if err != nil {
		return false, translateErr("finalize cancel", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateTaskProgress stores the latest progress payload. Progress on a
// terminal task is dropped, which makes late runner events harmless.
func (d *Database) UpdateTaskProgress(ctx context.Context, id string, p *model.Progress) (bool, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return false, model.WrapError(model.ErrInternal, err, "marshal progress")
	}
	const q = `UPDATE tasks SET progress = $2 WHERE id = $1 AND status = 'running'`
	res, err := d.db.ExecContext(ctx, q, id, payload)
	if err != nil {
		return false, translateErr("update task progress", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetTaskRunnerPID records the OS process executing the task for best-effort
// cancellation signalling.
func (d *Database) SetTaskRunnerPID(ctx context.Context, id string, pid int) error {
	_, err := d.db.ExecContext(ctx, `UPDATE tasks SET runner_pid = $2 WHERE id = $1`, id, pid)
	return translateErr("set runner pid", err)
}
