// Package registry owns schedule definitions: it validates them, checks
// the caller's permissions and audit-logs every change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"zimfarm/internal/auth"
	"zimfarm/internal/beat"
	"zimfarm/internal/domain"
	"zimfarm/internal/duration"
	"zimfarm/internal/handlers/offliner"
	"zimfarm/internal/store"
)

const (
	// RecentTasks is how many tasks Get returns with a schedule.
	RecentTasks = 10
	// UpcomingRuns is how many fire times Describe lists.
	UpcomingRuns = 5
)

type Registry struct {
	repo     store.Repository
	validate *validator.Validate
	now      func() time.Time
}

func New(repo store.Repository) *Registry {
	return &Registry{repo: repo, validate: newValidator(), now: time.Now}
}

// Detail is a schedule with its recent history.
type Detail struct {
	domain.Schedule
	MostRecentTasks []domain.Task     `json:"most_recent_task"`
	DurationSummary *duration.Summary `json:"duration_summary"`
}

// BeatInfo is a readable rendering of a schedule's beat.
type BeatInfo struct {
	Description string      `json:"description"`
	NextRuns    []time.Time `json:"next_runs"`
}

func (r *Registry) Create(ctx context.Context, p auth.Principal, s domain.Schedule) (domain.Schedule, error) {
	if err := p.Require("schedules", "create"); err != nil {
		return domain.Schedule{}, err
	}
	s = normalize(s)
	if err := r.check(s); err != nil {
		return domain.Schedule{}, err
	}
	now := r.now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	s.LastFireAt = nil
	if err := r.scheduleNext(&s, now); err != nil {
		return domain.Schedule{}, err
	}
	if err := r.repo.CreateSchedule(ctx, s); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Schedule{}, domain.FieldErrors(map[string]string{"name": "already exists"})
		}
		return domain.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	audit(p, "create", s.Name)
	return withLanguage(s), nil
}

func (r *Registry) Update(ctx context.Context, p auth.Principal, name string, patch domain.SchedulePatch) (domain.Schedule, error) {
	if err := p.Require("schedules", "update"); err != nil {
		return domain.Schedule{}, err
	}
	if patch.Name != nil && *patch.Name != name {
		return domain.Schedule{}, domain.FieldErrors(map[string]string{"name": "cannot be changed"})
	}
	current, err := r.repo.GetSchedule(ctx, name)
	if err != nil {
		return domain.Schedule{}, err
	}
	s := normalize(patch.Apply(current))
	if err := r.check(s); err != nil {
		return domain.Schedule{}, err
	}
	if patch.Beat != nil || (patch.Enabled != nil && *patch.Enabled && !current.Enabled) {
		if err := r.scheduleNext(&s, r.now().UTC()); err != nil {
			return domain.Schedule{}, err
		}
	}
	if err := r.repo.UpdateSchedule(ctx, s); err != nil {
		return domain.Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	audit(p, "update", name)
	return withLanguage(s), nil
}

// Delete succeeds when the schedule is already gone.
func (r *Registry) Delete(ctx context.Context, p auth.Principal, name string) error {
	if err := p.Require("schedules", "delete"); err != nil {
		return err
	}
	deleted, err := r.repo.DeleteSchedule(ctx, name)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if deleted {
		audit(p, "delete", name)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, p auth.Principal, name string) (Detail, error) {
	if err := p.Require("schedules", "read"); err != nil {
		return Detail{}, err
	}
	s, err := r.repo.GetSchedule(ctx, name)
	if err != nil {
		return Detail{}, err
	}
	recent, err := r.repo.RecentTasks(ctx, name, RecentTasks)
	if err != nil {
		return Detail{}, fmt.Errorf("recent tasks: %w", err)
	}
	succeeded, err := r.repo.SucceededTasks(ctx, name)
	if err != nil {
		return Detail{}, fmt.Errorf("task history: %w", err)
	}
	summary := duration.FromTasks(succeeded)
	if summary == nil {
		summary = duration.FromSchedule(s.Duration)
	}
	if recent == nil {
		recent = []domain.Task{}
	}
	if !p.SeesSecrets() {
		s.Config = offliner.RedactConfig(s.Config)
		for i := range recent {
			recent[i].Config = offliner.RedactConfig(recent[i].Config)
		}
	}
	return Detail{Schedule: withLanguage(s), MostRecentTasks: recent, DurationSummary: summary}, nil
}

// List returns one page of schedules. The limit is capped at
// domain.MaxPageLimit.
func (r *Registry) List(ctx context.Context, p auth.Principal, f domain.ScheduleFilter) ([]domain.Schedule, domain.Page, error) {
	if err := p.Require("schedules", "read"); err != nil {
		return nil, domain.Page{}, err
	}
	f.Skip, f.Limit = domain.ClampPage(f.Skip, f.Limit, 20)
	items, total, err := r.repo.ListSchedules(ctx, f)
	if err != nil {
		return nil, domain.Page{}, fmt.Errorf("list schedules: %w", err)
	}
	for i := range items {
		items[i] = withLanguage(items[i])
		if !p.SeesSecrets() {
			items[i].Config = offliner.RedactConfig(items[i].Config)
		}
	}
	if items == nil {
		items = []domain.Schedule{}
	}
	return items, domain.Page{Skip: f.Skip, Limit: f.Limit, Count: total}, nil
}

// Describe renders the schedule's beat and its next fire times.
func (r *Registry) Describe(ctx context.Context, p auth.Principal, name, lang string) (BeatInfo, error) {
	if err := p.Require("schedules", "read"); err != nil {
		return BeatInfo{}, err
	}
	s, err := r.repo.GetSchedule(ctx, name)
	if err != nil {
		return BeatInfo{}, err
	}
	desc, err := beat.DescribeIn(s.Beat, lang)
	if err != nil {
		return BeatInfo{}, err
	}
	next, err := beat.NextFireTimes(s.Beat, r.now(), UpcomingRuns)
	if err != nil {
		return BeatInfo{}, err
	}
	return BeatInfo{Description: desc, NextRuns: next}, nil
}

func (r *Registry) scheduleNext(s *domain.Schedule, now time.Time) error {
	next, err := beat.NextFireTime(s.Beat, now)
	if err != nil {
		return err
	}
	s.NextFireAt = &next
	return nil
}

func normalize(s domain.Schedule) domain.Schedule {
	s.Name = strings.TrimSpace(s.Name)
	s.Language = domain.Language{Code: strings.ToLower(strings.TrimSpace(s.Language.Code))}
	if s.Queue == "" {
		s.Queue = domain.DefaultQueue
	}
	seen := map[string]bool{}
	tags := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	sort.Strings(tags)
	s.Tags = tags
	return s
}

func withLanguage(s domain.Schedule) domain.Schedule {
	if l, err := domain.ResolveLanguage(s.Language.Code); err == nil {
		s.Language = l
	}
	return s
}

func audit(p auth.Principal, action, name string) {
	log.Info().Str("actor", p.Username).Str("action", action).Str("schedule", name).Msg("schedule changed")
}

// check runs struct validation and the offliner flag definitions, and
// merges all failures into one field error.
func (r *Registry) check(s domain.Schedule) error {
	fields := map[string]string{}
	if err := r.validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields[fieldPath(fe)] = message(fe)
		}
	}
	if s.Config.Offliner != "" {
		def, ok := offliner.Lookup(s.Config.Offliner)
		if !ok {
			fields["config.task_name"] = "unknown offliner"
		} else if err := def.Validate(s.Config.Flags); err != nil {
			var derr *domain.Error
			if !errors.As(err, &derr) {
				return err
			}
			for k, v := range derr.Fields {
				fields["config."+k] = v
			}
		}
	}
	if len(fields) > 0 {
		return domain.FieldErrors(fields)
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("iso639_3", func(fl validator.FieldLevel) bool {
		_, err := domain.ResolveLanguage(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return domain.Category(fl.Field().String()).Valid()
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		b := sl.Current().Interface().(domain.Beat)
		if b.Type != domain.BeatCrontab {
			return
		}
		if _, err := beat.NextFireTime(b, time.Unix(0, 0)); err != nil {
			sl.ReportError(b.Crontab, "config", "Crontab", "cron", err.Error())
		}
	}, domain.Beat{})
	return v
}

// fieldPath turns "Schedule.config.resources.cpu" into "config.resources.cpu".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "excludesall":
		return "must not contain any of " + fe.Param()
	case "startswith":
		return "must start with " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "iso639_3":
		return "unknown ISO 639-3 language code"
	case "category":
		return "unknown category"
	case "cron":
		return fe.Param()
	}
	return "is invalid (" + fe.Tag() + ")"
}
