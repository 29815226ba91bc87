package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"

	"zimfarm/internal/domain"
)

var scheduleColumns = []string{
	"name", "category", "language", "tags", "enabled", "periodicity", "queue", "beat", "config",
	"warehouse_path", "duration", "next_fire_at", "last_fire_at", "created_at", "updated_at",
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s                        domain.Schedule
		tags, beat, cfg, dur     string
		next, last               sql.NullString
		created, updated         string
		category, periodicity, l string
	)
	if err := row.Scan(&s.Name, &category, &l, &tags, &s.Enabled, &periodicity, &s.Queue, &beat, &cfg,
		&s.WarehousePath, &dur, &next, &last, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	s.Category = domain.Category(category)
	s.Periodicity = domain.Periodicity(periodicity)
	s.Language = domain.Language{Code: l}
	if err := decode(tags, &s.Tags); err != nil {
		return domain.Schedule{}, fmt.Errorf("schedule %s tags: %w", s.Name, err)
	}
	if err := decode(beat, &s.Beat); err != nil {
		return domain.Schedule{}, fmt.Errorf("schedule %s beat: %w", s.Name, err)
	}
	if err := decode(cfg, &s.Config); err != nil {
		return domain.Schedule{}, fmt.Errorf("schedule %s config: %w", s.Name, err)
	}
	if err := decode(dur, &s.Duration); err != nil {
		return domain.Schedule{}, fmt.Errorf("schedule %s duration: %w", s.Name, err)
	}
	var err error
	if s.NextFireAt, err = parseTimePtr(next); err != nil {
		return domain.Schedule{}, err
	}
	if s.LastFireAt, err = parseTimePtr(last); err != nil {
		return domain.Schedule{}, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return domain.Schedule{}, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

type scheduleRow struct {
	tags, beat, cfg, dur string
}

func encodeSchedule(s domain.Schedule) (scheduleRow, error) {
	var (
		r   scheduleRow
		err error
	)
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	if r.tags, err = encode(tags); err != nil {
		return r, err
	}
	if r.beat, err = encode(s.Beat); err != nil {
		return r, err
	}
	if r.cfg, err = encode(s.Config); err != nil {
		return r, err
	}
	if r.dur, err = encode(s.Duration); err != nil {
		return r, err
	}
	return r, nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) error {
	enc, err := encodeSchedule(s)
	if err != nil {
		return err
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO schedules (name,category,language,tags,enabled,periodicity,queue,beat,config,warehouse_path,duration,next_fire_at,last_fire_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.Name, string(s.Category), s.Language.Code, enc.tags, s.Enabled, string(s.Periodicity), s.Queue,
		enc.beat, enc.cfg, s.WarehousePath, enc.dur, formatTimePtr(s.NextFireAt), formatTimePtr(s.LastFireAt),
		formatTime(s.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, name string) (domain.Schedule, error) {
	query, args, err := r.qb.Select(scheduleColumns...).From("schedules").Where(squirrel.Eq{"name": name}).ToSql()
	if err != nil {
		return domain.Schedule{}, err
	}
	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.NotFoundf("schedule %q", name)
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context, f domain.ScheduleFilter) ([]domain.Schedule, int, error) {
	where := squirrel.And{}
	if len(f.Categories) > 0 {
		cats := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			cats[i] = string(c)
		}
		where = append(where, squirrel.Eq{"category": cats})
	}
	if len(f.Languages) > 0 {
		where = append(where, squirrel.Eq{"language": f.Languages})
	}
	for _, tag := range f.Tags {
		where = append(where, squirrel.Expr("EXISTS (SELECT 1 FROM json_each(schedules.tags) WHERE json_each.value = ?)", tag))
	}
	if f.Name != "" {
		where = append(where, squirrel.Expr("instr(lower(name), ?) > 0", strings.ToLower(f.Name)))
	}
	if f.Queue != "" {
		where = append(where, squirrel.Eq{"queue": f.Queue})
	}

	total, err := r.count(ctx, r.qb.Select("COUNT(*)").From("schedules").Where(where))
	if err != nil {
		return nil, 0, fmt.Errorf("count schedules: %w", err)
	}

	skip, limit := domain.ClampPage(f.Skip, f.Limit, 20)
	query, args, err := r.qb.Select(scheduleColumns...).From("schedules").Where(where).
		OrderBy("name").Limit(uint64(limit)).Offset(uint64(skip)).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, 0, err
		}
		schedules = append(schedules, s)
	}
	return schedules, total, rows.Err()
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	enc, err := encodeSchedule(s)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET category=?,language=?,tags=?,enabled=?,periodicity=?,queue=?,beat=?,config=?,warehouse_path=?,duration=?,next_fire_at=?,updated_at=?
WHERE name=?`,
		string(s.Category), s.Language.Code, enc.tags, s.Enabled, string(s.Periodicity), s.Queue, enc.beat, enc.cfg,
		s.WarehousePath, enc.dur, formatTimePtr(s.NextFireAt), formatTime(time.Now()), s.Name)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("schedule %q", s.Name)
	}
	return nil
}

// DeleteSchedule removes the schedule and any task still waiting for a
// worker. Tasks already claimed are kept as history.
func (r *sqliteRepo) DeleteSchedule(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM schedules WHERE name=?", name)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		if _, err := tx.ExecContext(ctx, `
DELETE FROM inflight WHERE schedule_name=? AND task_id IN (SELECT id FROM requested_tasks WHERE schedule_name=?)`, name, name); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM requested_tasks WHERE schedule_name=?", name)
		return err
	})
	return deleted, err
}

func (r *sqliteRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	query, args, err := r.qb.Select(scheduleColumns...).From("schedules").
		Where(squirrel.And{
			squirrel.Eq{"enabled": true},
			squirrel.NotEq{"next_fire_at": nil},
			squirrel.LtOrEq{"next_fire_at": formatTime(now)},
		}).OrderBy("next_fire_at").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) MarkScheduleFired(ctx context.Context, name string, firedAt time.Time, next *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_fire_at=?,next_fire_at=?,updated_at=? WHERE name=?`,
		formatTime(firedAt), formatTimePtr(next), formatTime(time.Now()), name)
	return err
}
