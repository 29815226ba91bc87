// Package dispatcher turns schedules into tasks, hands them to workers and
// records what workers report. A schedule has at most one task in flight
// at any time, whatever queue it runs in.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"zimfarm/internal/auth"
	"zimfarm/internal/broker"
	"zimfarm/internal/domain"
	"zimfarm/internal/handlers/offliner"
	"zimfarm/internal/lifecycle"
	"zimfarm/internal/store"
)

// ErrEmpty is returned by ClaimNext when no requested task is waiting.
var ErrEmpty = store.ErrEmpty

const MaxPriority = 10

type Dispatcher struct {
	repo      store.Repository
	publisher broker.Publisher
	upload    domain.Upload
	now       func() time.Time
}

// New builds a dispatcher. upload is attached to every requested task.
func New(repo store.Repository, publisher broker.Publisher, upload domain.Upload) *Dispatcher {
	if publisher == nil {
		publisher = broker.Nop{}
	}
	return &Dispatcher{repo: repo, publisher: publisher, upload: upload, now: time.Now}
}

type RequestOptions struct {
	Priority int
	// Worker pins the task to one worker.
	Worker string
}

// Report is what a worker sends with a status change. Nil and empty fields
// leave the stored container untouched.
type Report struct {
	Command  []string `json:"command,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Log      string   `json:"log,omitempty"`
	Artifact string   `json:"artifact,omitempty"`
	Progress *int     `json:"progress,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

func (r Report) mergeInto(c *domain.Container) {
	if len(r.Command) > 0 {
		c.Command = r.Command
	}
	if r.ExitCode != nil {
		c.ExitCode = r.ExitCode
	}
	if r.Log != "" {
		c.Log = r.Log
	}
	if r.Artifact != "" {
		c.Artifact = r.Artifact
	}
	if r.Progress != nil {
		c.Progress = r.Progress
	}
	if r.Stderr != "" {
		c.Stderr = r.Stderr
	}
}

// RequestTask queues a task for the schedule. It fails with AlreadyQueued
// while the schedule has a requested or running task.
func (d *Dispatcher) RequestTask(ctx context.Context, p auth.Principal, scheduleName string, opts RequestOptions) (domain.RequestedTask, error) {
	if err := p.Require("tasks", "request"); err != nil {
		return domain.RequestedTask{}, err
	}
	if opts.Priority < 0 || opts.Priority > MaxPriority {
		return domain.RequestedTask{}, domain.FieldErrors(map[string]string{
			"priority": fmt.Sprintf("must be between 0 and %d", MaxPriority),
		})
	}
	s, err := d.repo.GetSchedule(ctx, scheduleName)
	if err != nil {
		return domain.RequestedTask{}, err
	}
	rt, err := d.request(ctx, p, s, opts)
	if err != nil {
		return domain.RequestedTask{}, err
	}
	return concealRequested(p, rt), nil
}

func (d *Dispatcher) request(ctx context.Context, p auth.Principal, s domain.Schedule, opts RequestOptions) (domain.RequestedTask, error) {
	now := d.now().UTC()
	rt := domain.RequestedTask{
		ID:           uuid.NewString(),
		ScheduleName: s.Name,
		Queue:        s.Queue,
		Priority:     opts.Priority,
		Worker:       opts.Worker,
		RequestedBy:  p.Username,
		Config:       s.Config,
		Upload:       d.upload,
		Timestamps:   []domain.Timestamp{{Status: domain.StatusRequested, At: now}},
		CreatedAt:    now,
	}
	if rt.Queue == "" {
		rt.Queue = domain.DefaultQueue
	}
	if err := d.repo.RequestTask(ctx, rt); err != nil {
		return domain.RequestedTask{}, err
	}
	log.Info().Str("task_id", rt.ID).Str("schedule", rt.ScheduleName).Str("queue", rt.Queue).
		Str("requested_by", rt.RequestedBy).Msg("task requested")
	d.publish(ctx, broker.EventRequested, rt.ID, rt.ScheduleName, rt.Queue, domain.StatusRequested)
	return rt, nil
}

// UnrequestTask withdraws a task no worker has claimed yet.
func (d *Dispatcher) UnrequestTask(ctx context.Context, p auth.Principal, id string) error {
	if err := p.Require("tasks", "unrequest"); err != nil {
		return err
	}
	rt, err := d.repo.DeleteRequestedTask(ctx, id)
	if err != nil {
		return err
	}
	log.Info().Str("task_id", id).Str("schedule", rt.ScheduleName).Str("actor", p.Username).Msg("task unrequested")
	d.publish(ctx, broker.EventUnrequested, rt.ID, rt.ScheduleName, rt.Queue, "")
	return nil
}

// Cancel asks the worker running the task to stop. The task moves to
// cancel_requested; the worker reports the final state.
func (d *Dispatcher) Cancel(ctx context.Context, p auth.Principal, id string) (domain.Task, error) {
	if err := p.Require("tasks", "cancel"); err != nil {
		return domain.Task{}, err
	}
	t, err := d.repo.UpdateTask(ctx, id, func(t *domain.Task) error {
		if !t.Status.IsCancelable() {
			return domain.InvalidStatef("task %s is %s and cannot be canceled", t.ID, t.Status)
		}
		if err := lifecycle.Apply(t, domain.StatusCancelRequested, d.now()); err != nil {
			return err
		}
		t.CanceledBy = p.Username
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		if _, rerr := d.repo.GetRequestedTask(ctx, id); rerr == nil {
			return domain.Task{}, domain.InvalidStatef("task %s has not been claimed yet, unrequest it instead", id)
		}
	}
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", id).Str("schedule", t.ScheduleName).Str("actor", p.Username).Msg("task cancel requested")
	d.publish(ctx, broker.EventCancel, t.ID, t.ScheduleName, t.Queue, t.Status)
	return conceal(p, t), nil
}

// EnqueueFromBeat requests a task on behalf of the beat. It reports false,
// without error, when the schedule is disabled or already has a task in
// flight.
func (d *Dispatcher) EnqueueFromBeat(ctx context.Context, s domain.Schedule) (domain.RequestedTask, bool, error) {
	if !s.Enabled {
		return domain.RequestedTask{}, false, nil
	}
	rt, err := d.request(ctx, auth.System(), s, RequestOptions{})
	if errors.Is(err, domain.ErrAlreadyQueued) {
		log.Debug().Str("schedule", s.Name).Msg("beat skipped, task already in flight")
		return domain.RequestedTask{}, false, nil
	}
	if err != nil {
		return domain.RequestedTask{}, false, err
	}
	return rt, true, nil
}

// ClaimNext hands the best requested task in queues to worker.
func (d *Dispatcher) ClaimNext(ctx context.Context, p auth.Principal, worker string, queues []string) (domain.Task, error) {
	if err := p.Require("tasks", "create"); err != nil {
		return domain.Task{}, err
	}
	if worker == "" {
		return domain.Task{}, domain.FieldErrors(map[string]string{"worker_name": "is required"})
	}
	if len(queues) == 0 {
		queues = []string{domain.DefaultQueue}
	}
	return d.claim(ctx, store.ClaimRequest{Worker: worker, Queues: queues, At: d.now()})
}

// Claim hands one specific requested task to worker.
func (d *Dispatcher) Claim(ctx context.Context, p auth.Principal, id, worker string) (domain.Task, error) {
	if err := p.Require("tasks", "create"); err != nil {
		return domain.Task{}, err
	}
	if worker == "" {
		return domain.Task{}, domain.FieldErrors(map[string]string{"worker_name": "is required"})
	}
	return d.claim(ctx, store.ClaimRequest{ID: id, Worker: worker, At: d.now()})
}

func (d *Dispatcher) claim(ctx context.Context, req store.ClaimRequest) (domain.Task, error) {
	t, err := d.repo.ClaimTask(ctx, req)
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", t.ID).Str("schedule", t.ScheduleName).Str("worker", t.WorkerName).Msg("task reserved")
	d.publish(ctx, broker.EventReserved, t.ID, t.ScheduleName, t.Queue, t.Status)
	return t, nil
}

// ReportStatus records a status change reported by a worker.
func (d *Dispatcher) ReportStatus(ctx context.Context, p auth.Principal, id string, status domain.TaskStatus, r Report) (domain.Task, error) {
	if err := p.Require("tasks", "update"); err != nil {
		return domain.Task{}, err
	}
	t, err := d.repo.UpdateTask(ctx, id, func(t *domain.Task) error {
		if err := lifecycle.Apply(t, status, d.now()); err != nil {
			return err
		}
		r.mergeInto(&t.Container)
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	d.announce(ctx, t)
	return conceal(p, t), nil
}

// ForceFail marks a task failed whatever it was doing. It is meant for
// watchdogs that notice a worker went silent.
func (d *Dispatcher) ForceFail(ctx context.Context, p auth.Principal, id, reason string) (domain.Task, error) {
	if err := p.Require("tasks", "update"); err != nil {
		return domain.Task{}, err
	}
	t, err := d.repo.UpdateTask(ctx, id, func(t *domain.Task) error {
		if err := lifecycle.Apply(t, domain.StatusFailed, d.now()); err != nil {
			return err
		}
		if reason != "" {
			t.Container.Stderr = reason
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Warn().Str("task_id", id).Str("actor", p.Username).Str("reason", reason).Msg("task force-failed")
	d.announce(ctx, t)
	return conceal(p, t), nil
}

func (d *Dispatcher) announce(ctx context.Context, t domain.Task) {
	ev := log.Info()
	if t.Status == domain.StatusFailed {
		ev = log.Warn()
	}
	ev.Str("task_id", t.ID).Str("schedule", t.ScheduleName).Str("worker", t.WorkerName).
		Str("status", string(t.Status)).Msg("task status")
	switch {
	case t.Status.IsTerminal():
		d.publish(ctx, broker.EventFinished, t.ID, t.ScheduleName, t.Queue, t.Status)
	case t.Status == domain.StatusCancelRequested:
		d.publish(ctx, broker.EventCancel, t.ID, t.ScheduleName, t.Queue, t.Status)
	}
}

func (d *Dispatcher) Get(ctx context.Context, p auth.Principal, id string) (domain.Task, error) {
	if err := p.Require("tasks", "read"); err != nil {
		return domain.Task{}, err
	}
	t, err := d.repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return conceal(p, t), nil
}

func (d *Dispatcher) GetRequested(ctx context.Context, p auth.Principal, id string) (domain.RequestedTask, error) {
	if err := p.Require("tasks", "read"); err != nil {
		return domain.RequestedTask{}, err
	}
	rt, err := d.repo.GetRequestedTask(ctx, id)
	if err != nil {
		return domain.RequestedTask{}, err
	}
	return concealRequested(p, rt), nil
}

func (d *Dispatcher) List(ctx context.Context, p auth.Principal, f domain.TaskFilter) ([]domain.Task, domain.Page, error) {
	if err := p.Require("tasks", "read"); err != nil {
		return nil, domain.Page{}, err
	}
	for _, s := range f.Statuses {
		if !s.Valid() || s == domain.StatusRequested {
			return nil, domain.Page{}, domain.FieldErrors(map[string]string{"status": fmt.Sprintf("unknown status %q", s)})
		}
	}
	f.Skip, f.Limit = domain.ClampPage(f.Skip, f.Limit, 20)
	items, total, err := d.repo.ListTasks(ctx, f)
	if err != nil {
		return nil, domain.Page{}, fmt.Errorf("list tasks: %w", err)
	}
	if items == nil {
		items = []domain.Task{}
	}
	for i := range items {
		items[i] = conceal(p, items[i])
	}
	return items, domain.Page{Skip: f.Skip, Limit: f.Limit, Count: total}, nil
}

func (d *Dispatcher) ListRequested(ctx context.Context, p auth.Principal, f domain.RequestedTaskFilter) ([]domain.RequestedTask, domain.Page, error) {
	if err := p.Require("tasks", "read"); err != nil {
		return nil, domain.Page{}, err
	}
	f.Skip, f.Limit = domain.ClampPage(f.Skip, f.Limit, 20)
	items, total, err := d.repo.ListRequestedTasks(ctx, f)
	if err != nil {
		return nil, domain.Page{}, fmt.Errorf("list requested tasks: %w", err)
	}
	if items == nil {
		items = []domain.RequestedTask{}
	}
	for i := range items {
		items[i] = concealRequested(p, items[i])
	}
	return items, domain.Page{Skip: f.Skip, Limit: f.Limit, Count: total}, nil
}

// conceal masks secret flags for callers who may not edit schedules.
// Claims skip it: the worker needs the real values to run the task.
func conceal(p auth.Principal, t domain.Task) domain.Task {
	if !p.SeesSecrets() {
		t.Config = offliner.RedactConfig(t.Config)
	}
	return t
}

func concealRequested(p auth.Principal, rt domain.RequestedTask) domain.RequestedTask {
	if !p.SeesSecrets() {
		rt.Config = offliner.RedactConfig(rt.Config)
	}
	return rt
}

// Stats counts tasks per status, requested tasks included.
func (d *Dispatcher) Stats(ctx context.Context) (map[domain.TaskStatus]int, error) {
	return d.repo.CountTasksByStatus(ctx)
}

func (d *Dispatcher) publish(ctx context.Context, event, id, schedule, queue string, status domain.TaskStatus) {
	err := d.publisher.Publish(ctx, broker.Event{
		Event:        event,
		TaskID:       id,
		ScheduleName: schedule,
		Queue:        queue,
		Status:       string(status),
		At:           d.now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("task_id", id).Str("event", event).Msg("publish failed")
	}
}
