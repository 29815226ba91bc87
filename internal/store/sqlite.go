// Package store persists schedules, tasks and users in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"zimfarm/internal/domain"
	"zimfarm/internal/store/migrations"
)

var (
	// ErrEmpty is returned by ClaimTask when no requested task matches.
	ErrEmpty = errors.New("no tasks ready")
	// ErrConflict is returned when inserting a row whose key already exists.
	ErrConflict = errors.New("already exists")
)

// Open opens the sqlite database at path with a single connection. SQLite
// has one writer, and the single connection serializes every transaction.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Migrate brings the schema up to date. The migrate instance is not closed
// because closing it would close db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations.MigrationsFS, ".")
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// ClaimRequest selects what a worker takes. With ID set, that requested task
// is claimed; otherwise the best match in Queues is.
type ClaimRequest struct {
	ID     string
	Worker string
	Queues []string
	At     time.Time
}

type Repository interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) error
	GetSchedule(ctx context.Context, name string) (domain.Schedule, error)
	ListSchedules(ctx context.Context, f domain.ScheduleFilter) ([]domain.Schedule, int, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, name string) (bool, error)
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	MarkScheduleFired(ctx context.Context, name string, firedAt time.Time, next *time.Time) error

	// RequestTask stores rt and takes the schedule's in-flight slot in the
	// same transaction. It fails with ErrAlreadyQueued if the slot is taken.
	RequestTask(ctx context.Context, rt domain.RequestedTask) error
	GetRequestedTask(ctx context.Context, id string) (domain.RequestedTask, error)
	ListRequestedTasks(ctx context.Context, f domain.RequestedTaskFilter) ([]domain.RequestedTask, int, error)
	DeleteRequestedTask(ctx context.Context, id string) (domain.RequestedTask, error)
	ClaimTask(ctx context.Context, req ClaimRequest) (domain.Task, error)

	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, int, error)
	RecentTasks(ctx context.Context, scheduleName string, limit int) ([]domain.Task, error)
	SucceededTasks(ctx context.Context, scheduleName string) ([]domain.Task, error)
	// UpdateTask runs fn on the current task inside a transaction and
	// persists the result. Reaching a terminal status frees the in-flight slot.
	UpdateTask(ctx context.Context, id string, fn func(*domain.Task) error) (domain.Task, error)
	InFlight(ctx context.Context, scheduleName string) (string, bool, error)
	CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)

	CreateUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, username string) (domain.User, error)
	SaveRefreshToken(ctx context.Context, t domain.RefreshToken) error
	// ConsumeRefreshToken deletes the token and returns it if it had not expired.
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (domain.RefreshToken, error)
}

type sqliteRepo struct {
	db *sql.DB
	qb squirrel.StatementBuilderType
}

func NewSQLiteRepo(db *sql.DB) Repository {
	return &sqliteRepo{db: db, qb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)}
}

// Times are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *sqliteRepo) count(ctx context.Context, q squirrel.SelectBuilder) (int, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// inTx runs fn in a transaction, rolling back on error.
func (r *sqliteRepo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
