package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"

	"zimfarm/internal/domain"
)

var requestedColumns = []string{
	"id", "schedule_name", "queue", "priority", "worker", "requested_by", "config", "upload", "timestamps", "created_at",
}

var taskColumns = []string{
	"id", "schedule_name", "status", "worker_name", "queue", "priority", "requested_by", "canceled_by",
	"config", "upload", "container", "timestamps", "created_at", "updated_at",
}

func scanRequested(row scanner) (domain.RequestedTask, error) {
	var (
		rt                  domain.RequestedTask
		cfg, upload, stamps string
		created             string
	)
	if err := row.Scan(&rt.ID, &rt.ScheduleName, &rt.Queue, &rt.Priority, &rt.Worker, &rt.RequestedBy,
		&cfg, &upload, &stamps, &created); err != nil {
		return domain.RequestedTask{}, err
	}
	if err := decode(cfg, &rt.Config); err != nil {
		return domain.RequestedTask{}, fmt.Errorf("requested task %s config: %w", rt.ID, err)
	}
	if err := decode(upload, &rt.Upload); err != nil {
		return domain.RequestedTask{}, fmt.Errorf("requested task %s upload: %w", rt.ID, err)
	}
	if err := decode(stamps, &rt.Timestamps); err != nil {
		return domain.RequestedTask{}, fmt.Errorf("requested task %s timestamps: %w", rt.ID, err)
	}
	var err error
	if rt.CreatedAt, err = parseTime(created); err != nil {
		return domain.RequestedTask{}, err
	}
	return rt, nil
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                              domain.Task
		status                         string
		cfg, upload, container, stamps string
		created, updated               string
	)
	if err := row.Scan(&t.ID, &t.ScheduleName, &status, &t.WorkerName, &t.Queue, &t.Priority, &t.RequestedBy,
		&t.CanceledBy, &cfg, &upload, &container, &stamps, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	if err := decode(cfg, &t.Config); err != nil {
		return domain.Task{}, fmt.Errorf("task %s config: %w", t.ID, err)
	}
	if err := decode(upload, &t.Upload); err != nil {
		return domain.Task{}, fmt.Errorf("task %s upload: %w", t.ID, err)
	}
	if err := decode(container, &t.Container); err != nil {
		return domain.Task{}, fmt.Errorf("task %s container: %w", t.ID, err)
	}
	if err := decode(stamps, &t.Timestamps); err != nil {
		return domain.Task{}, fmt.Errorf("task %s timestamps: %w", t.ID, err)
	}
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r *sqliteRepo) RequestTask(ctx context.Context, rt domain.RequestedTask) error {
	cfg, err := encode(rt.Config)
	if err != nil {
		return err
	}
	upload, err := encode(rt.Upload)
	if err != nil {
		return err
	}
	stamps, err := encode(rt.Timestamps)
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO inflight (schedule_name, task_id, since) VALUES (?,?,?)`,
			rt.ScheduleName, rt.ID, formatTime(rt.CreatedAt))
		if err != nil {
			return fmt.Errorf("take inflight slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.AlreadyQueuedf("schedule %q already has a task in flight", rt.ScheduleName)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO requested_tasks (id,schedule_name,queue,priority,worker,requested_by,config,upload,timestamps,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			rt.ID, rt.ScheduleName, rt.Queue, rt.Priority, rt.Worker, rt.RequestedBy, cfg, upload, stamps,
			formatTime(rt.CreatedAt))
		return err
	})
}

func (r *sqliteRepo) GetRequestedTask(ctx context.Context, id string) (domain.RequestedTask, error) {
	query, args, err := r.qb.Select(requestedColumns...).From("requested_tasks").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.RequestedTask{}, err
	}
	rt, err := scanRequested(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RequestedTask{}, domain.NotFoundf("requested task %s", id)
	}
	return rt, err
}

func (r *sqliteRepo) ListRequestedTasks(ctx context.Context, f domain.RequestedTaskFilter) ([]domain.RequestedTask, int, error) {
	where := squirrel.And{}
	if f.ScheduleName != "" {
		where = append(where, squirrel.Eq{"schedule_name": f.ScheduleName})
	}
	if f.Queue != "" {
		where = append(where, squirrel.Eq{"queue": f.Queue})
	}
	total, err := r.count(ctx, r.qb.Select("COUNT(*)").From("requested_tasks").Where(where))
	if err != nil {
		return nil, 0, fmt.Errorf("count requested tasks: %w", err)
	}
	skip, limit := domain.ClampPage(f.Skip, f.Limit, 20)
	query, args, err := r.qb.Select(requestedColumns...).From("requested_tasks").Where(where).
		OrderBy("priority DESC", "created_at ASC").Limit(uint64(limit)).Offset(uint64(skip)).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.RequestedTask
	for rows.Next() {
		rt, err := scanRequested(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rt)
	}
	return out, total, rows.Err()
}

// DeleteRequestedTask removes a task that no worker has claimed yet and
// frees its schedule's slot. A claimed task gives ErrInvalidState.
func (r *sqliteRepo) DeleteRequestedTask(ctx context.Context, id string) (domain.RequestedTask, error) {
	var rt domain.RequestedTask
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := r.qb.Select(requestedColumns...).From("requested_tasks").Where(squirrel.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		rt, err = scanRequested(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			var status string
			switch err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id=?", id).Scan(&status); {
			case err == nil:
				return domain.InvalidStatef("task %s is already %s", id, status)
			case errors.Is(err, sql.ErrNoRows):
				return domain.NotFoundf("requested task %s", id)
			default:
				return err
			}
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM requested_tasks WHERE id=?", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM inflight WHERE task_id=?", id)
		return err
	})
	return rt, err
}

// ClaimTask turns a requested task into a reserved task for req.Worker. The
// task keeps its id and its in-flight slot.
func (r *sqliteRepo) ClaimTask(ctx context.Context, req ClaimRequest) (domain.Task, error) {
	var t domain.Task
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		sel := r.qb.Select(requestedColumns...).From("requested_tasks")
		if req.ID != "" {
			sel = sel.Where(squirrel.Eq{"id": req.ID})
		} else {
			sel = sel.Where(squirrel.Eq{"queue": req.Queues}).
				Where(squirrel.Or{squirrel.Eq{"worker": ""}, squirrel.Eq{"worker": req.Worker}}).
				OrderBy("priority DESC", "created_at ASC").Limit(1)
		}
		query, args, err := sel.ToSql()
		if err != nil {
			return err
		}
		rt, err := scanRequested(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			if req.ID != "" {
				return domain.NotFoundf("requested task %s", req.ID)
			}
			return ErrEmpty
		}
		if err != nil {
			return err
		}
		if rt.Worker != "" && rt.Worker != req.Worker {
			return domain.InvalidStatef("requested task %s is reserved for worker %s", rt.ID, rt.Worker)
		}

		at := req.At.UTC()
		stamps := append([]domain.Timestamp(nil), rt.Timestamps...)
		if n := len(stamps); n > 0 && at.Before(stamps[n-1].At) {
			at = stamps[n-1].At
		}
		stamps = append(stamps, domain.Timestamp{Status: domain.StatusReserved, At: at})
		t = domain.Task{
			ID:           rt.ID,
			ScheduleName: rt.ScheduleName,
			Status:       domain.StatusReserved,
			WorkerName:   req.Worker,
			Queue:        rt.Queue,
			Priority:     rt.Priority,
			RequestedBy:  rt.RequestedBy,
			Config:       rt.Config,
			Upload:       rt.Upload,
			Timestamps:   stamps,
			CreatedAt:    rt.CreatedAt,
			UpdatedAt:    at,
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM requested_tasks WHERE id=?", rt.ID); err != nil {
			return err
		}
		return insertTask(ctx, tx, t)
	})
	return t, err
}

func insertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	cfg, err := encode(t.Config)
	if err != nil {
		return err
	}
	upload, err := encode(t.Upload)
	if err != nil {
		return err
	}
	container, err := encode(t.Container)
	if err != nil {
		return err
	}
	stamps, err := encode(t.Timestamps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (id,schedule_name,status,worker_name,queue,priority,requested_by,canceled_by,config,upload,container,timestamps,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ScheduleName, string(t.Status), t.WorkerName, t.Queue, t.Priority, t.RequestedBy, t.CanceledBy,
		cfg, upload, container, stamps, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sqliteRepo) getTask(ctx context.Context, q queryRower, id string) (domain.Task, error) {
	query, args, err := r.qb.Select(taskColumns...).From("tasks").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Task{}, err
	}
	t, err := scanTask(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFoundf("task %s", id)
	}
	return t, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, int, error) {
	where := squirrel.And{}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, squirrel.Eq{"status": statuses})
	}
	if f.ScheduleName != "" {
		where = append(where, squirrel.Eq{"schedule_name": f.ScheduleName})
	}
	total, err := r.count(ctx, r.qb.Select("COUNT(*)").From("tasks").Where(where))
	if err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	skip, limit := domain.ClampPage(f.Skip, f.Limit, 20)
	tasks, err := r.queryTasks(ctx, r.qb.Select(taskColumns...).From("tasks").Where(where).
		OrderBy("updated_at DESC").Limit(uint64(limit)).Offset(uint64(skip)))
	return tasks, total, err
}

func (r *sqliteRepo) RecentTasks(ctx context.Context, scheduleName string, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, r.qb.Select(taskColumns...).From("tasks").
		Where(squirrel.Eq{"schedule_name": scheduleName}).OrderBy("updated_at DESC").Limit(uint64(limit)))
}

func (r *sqliteRepo) SucceededTasks(ctx context.Context, scheduleName string) ([]domain.Task, error) {
	return r.queryTasks(ctx, r.qb.Select(taskColumns...).From("tasks").
		Where(squirrel.Eq{"schedule_name": scheduleName, "status": string(domain.StatusSucceeded)}).
		OrderBy("updated_at DESC"))
}

func (r *sqliteRepo) queryTasks(ctx context.Context, q squirrel.SelectBuilder) ([]domain.Task, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) UpdateTask(ctx context.Context, id string, fn func(*domain.Task) error) (domain.Task, error) {
	var t domain.Task
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = r.getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		before := t.Status
		if err := fn(&t); err != nil {
			return err
		}
		container, err := encode(t.Container)
		if err != nil {
			return err
		}
		stamps, err := encode(t.Timestamps)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status=?,worker_name=?,canceled_by=?,container=?,timestamps=?,updated_at=? WHERE id=?`,
			string(t.Status), t.WorkerName, t.CanceledBy, container, stamps, formatTime(t.UpdatedAt), t.ID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if !t.Status.IsTerminal() || before.IsTerminal() {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM inflight WHERE task_id=?", t.ID); err != nil {
			return fmt.Errorf("release inflight: %w", err)
		}
		if t.Status == domain.StatusSucceeded {
			return recordDuration(ctx, tx, t)
		}
		return nil
	})
	return t, err
}

// recordDuration stores the run time of a succeeded task as the latest
// observation for its worker on the schedule.
func recordDuration(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	started, ok := t.Latest(domain.StatusStarted)
	if !ok {
		return nil
	}
	succeeded, _ := t.Latest(domain.StatusSucceeded)
	var raw string
	err := tx.QueryRowContext(ctx, "SELECT duration FROM schedules WHERE name=?", t.ScheduleName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	var d domain.ScheduleDuration
	if err := decode(raw, &d); err != nil {
		return err
	}
	if d.Workers == nil {
		d.Workers = map[string]domain.ObservedDuration{}
	}
	d.Workers[t.WorkerName] = domain.ObservedDuration{Value: succeeded.Sub(started), Worker: t.WorkerName, On: succeeded}
	enc, err := encode(d)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE schedules SET duration=? WHERE name=?", enc, t.ScheduleName)
	return err
}

func (r *sqliteRepo) InFlight(ctx context.Context, scheduleName string) (string, bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, "SELECT task_id FROM inflight WHERE schedule_name=?", scheduleName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (r *sqliteRepo) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	out := map[domain.TaskStatus]int{}
	var requested int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requested_tasks").Scan(&requested); err != nil {
		return nil, err
	}
	out[domain.StatusRequested] = requested

	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.TaskStatus(status)] = n
	}
	return out, rows.Err()
}
