// Package scheduler is the beat: it wakes up on a ticker, finds schedules
// whose next fire time has passed and asks the dispatcher for a task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"zimfarm/internal/beat"
	"zimfarm/internal/domain"
	"zimfarm/internal/lock"
	"zimfarm/internal/store"
)

// Enqueuer is the part of the dispatcher the beat needs.
type Enqueuer interface {
	EnqueueFromBeat(ctx context.Context, s domain.Schedule) (domain.RequestedTask, bool, error)
}

type Service struct {
	repo     store.Repository
	enqueuer Enqueuer
	locker   lock.Locker
	interval time.Duration
	lockTTL  time.Duration
	stop     chan struct{}
	now      func() time.Time
}

func NewService(repo store.Repository, enqueuer Enqueuer, locker lock.Locker, checkInterval, lockTTL time.Duration) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		repo:     repo,
		enqueuer: enqueuer,
		locker:   locker,
		interval: checkInterval,
		lockTTL:  lockTTL,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("beat started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick fires every due schedule once. Fire times missed while the beat was
// down collapse into a single firing.
func (s *Service) Tick(ctx context.Context) {
	now := s.now().UTC()
	schedules, err := s.repo.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.fire(ctx, schedule.Name, now); err != nil {
			log.Error().Err(err).Str("schedule", schedule.Name).Msg("failed to fire schedule")
		}
	}
}

func (s *Service) fire(ctx context.Context, name string, now time.Time) error {
	lease, err := s.locker.TryAcquire(ctx, "beat:"+name, s.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		log.Debug().Str("schedule", name).Msg("schedule locked by another beat")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("schedule", name).Msg("failed to release beat lock")
		}
	}()

	// Another beat may have fired it between the query and the lock.
	schedule, err := s.repo.GetSchedule(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !schedule.Enabled || schedule.NextFireAt == nil || schedule.NextFireAt.After(now) {
		return nil
	}

	rt, enqueued, err := s.enqueuer.EnqueueFromBeat(ctx, schedule)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	var next *time.Time
	if t, err := beat.NextFireTime(schedule.Beat, now); err != nil {
		log.Error().Err(err).Str("schedule", name).Msg("beat cannot fire again, schedule parked")
	} else {
		next = &t
	}
	if err := s.repo.MarkScheduleFired(ctx, name, now, next); err != nil {
		return fmt.Errorf("mark fired: %w", err)
	}

	ev := log.Info().Str("schedule", name).Bool("enqueued", enqueued)
	if enqueued {
		ev = ev.Str("task_id", rt.ID)
	}
	if next != nil {
		ev = ev.Time("next_fire_at", *next)
	}
	ev.Msg("schedule fired")
	return nil
}
