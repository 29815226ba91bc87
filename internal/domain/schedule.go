package domain

import (
	"encoding/json"
	"time"
)

type Category string

// Categories is the closed set of schedule categories.
var Categories = []Category{
	"devdocs", "freecodecamp", "gutenberg", "ifixit", "mindtouch", "openedx", "other", "phet",
	"psiram", "stack_exchange", "ted", "vikidia", "wikihow", "wikipedia", "wikibooks", "wikinews",
	"wikiquote", "wikisource", "wikiversity", "wikivoyage", "wiktionary", "youtube", "zimit",
}

func (c Category) Valid() bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

type Periodicity string

const (
	PeriodicityManually  Periodicity = "manually"
	PeriodicityMonthly   Periodicity = "monthly"
	PeriodicityQuarterly Periodicity = "quarterly"
	PeriodicityBiannualy Periodicity = "biannualy"
	PeriodicityAnnually  Periodicity = "annually"
)

const DefaultQueue = "medium"

type BeatType string

const BeatCrontab BeatType = "crontab"

// Beat is the recurrence rule of a schedule. Type selects which config
// variant is meaningful; crontab is the only one today.
type Beat struct {
	Type    BeatType      `json:"type" validate:"required,oneof=crontab"`
	Crontab CrontabConfig `json:"config"`
}

// CrontabConfig holds the five crontab fields. Empty means "*".
type CrontabConfig struct {
	Minute      string `json:"minute,omitempty"`
	Hour        string `json:"hour,omitempty"`
	DayOfWeek   string `json:"day_of_week,omitempty"`
	DayOfMonth  string `json:"day_of_month,omitempty"`
	MonthOfYear string `json:"month_of_year,omitempty"`
}

type Image struct {
	Name string `json:"name" validate:"required"`
	Tag  string `json:"tag" validate:"required"`
}

func (i Image) Ref() string { return i.Name + ":" + i.Tag }

type Resources struct {
	CPU    float64 `json:"cpu" validate:"gt=0"`
	Memory int64   `json:"memory" validate:"gt=0"` // bytes
	Disk   int64   `json:"disk" validate:"gt=0"`   // bytes
	Shm    int64   `json:"shm,omitempty" validate:"gte=0"`
}

// ScheduleConfig is what a worker needs to run the offliner.
type ScheduleConfig struct {
	Offliner  string         `json:"task_name" validate:"required"`
	Image     Image          `json:"image"`
	Resources Resources      `json:"resources"`
	Platform  string         `json:"platform,omitempty"`
	Monitor   bool           `json:"monitor"`
	Flags     map[string]any `json:"flags"`
}

type Schedule struct {
	Name          string           `json:"name" validate:"required,max=256,excludesall=/\\?#"`
	Category      Category         `json:"category" validate:"required,category"`
	Language      Language         `json:"language"`
	Tags          []string         `json:"tags"`
	Enabled       bool             `json:"enabled"`
	Periodicity   Periodicity      `json:"periodicity,omitempty" validate:"omitempty,oneof=manually monthly quarterly biannualy annually"`
	Queue         string           `json:"queue" validate:"required,max=64"`
	Beat          Beat             `json:"beat"`
	Config        ScheduleConfig   `json:"config"`
	WarehousePath string           `json:"warehouse_path" validate:"required,startswith=/"`
	Duration      ScheduleDuration `json:"duration"`
	NextFireAt    *time.Time       `json:"next_fire_at,omitempty"`
	LastFireAt    *time.Time       `json:"last_fire_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// SchedulePatch is a partial update. Nil fields are left untouched.
type SchedulePatch struct {
	Name          *string         `json:"name,omitempty"`
	Category      *Category       `json:"category,omitempty"`
	Language      *string         `json:"language,omitempty"`
	Tags          *[]string       `json:"tags,omitempty"`
	Enabled       *bool           `json:"enabled,omitempty"`
	Periodicity   *Periodicity    `json:"periodicity,omitempty"`
	Queue         *string         `json:"queue,omitempty"`
	Beat          *Beat           `json:"beat,omitempty"`
	Config        *ScheduleConfig `json:"config,omitempty"`
	WarehousePath *string         `json:"warehouse_path,omitempty"`
}

// Apply returns a copy of s with the patch applied.
func (p SchedulePatch) Apply(s Schedule) Schedule {
	if p.Category != nil {
		s.Category = *p.Category
	}
	if p.Language != nil {
		s.Language = Language{Code: *p.Language}
	}
	if p.Tags != nil {
		s.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.Periodicity != nil {
		s.Periodicity = *p.Periodicity
	}
	if p.Queue != nil {
		s.Queue = *p.Queue
	}
	if p.Beat != nil {
		s.Beat = *p.Beat
	}
	if p.Config != nil {
		s.Config = *p.Config
	}
	if p.WarehousePath != nil {
		s.WarehousePath = *p.WarehousePath
	}
	return s
}

// ScheduleFilter selects schedules in a listing. Tags must all match.
type ScheduleFilter struct {
	Categories []Category
	Languages  []string
	Tags       []string
	Name       string
	Queue      string
	Skip       int
	Limit      int
}

// Language marshals as the bare ISO 639-3 code on input and carries the
// resolved display names on output.
type Language struct {
	Code        string `json:"code" validate:"required,iso639_3"`
	NameEnglish string `json:"name_en,omitempty"`
	NameNative  string `json:"name_native,omitempty"`
}

func (l *Language) UnmarshalJSON(b []byte) error {
	var code string
	if err := json.Unmarshal(b, &code); err == nil {
		l.Code = code
		return nil
	}
	type plain Language
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*l = Language(p)
	return nil
}

// ObservedDuration is one run duration attributed to a worker.
type ObservedDuration struct {
	Value  time.Duration `json:"value"`
	Worker string        `json:"worker,omitempty"`
	On     time.Time     `json:"on"`
}

// ScheduleDuration is the expected duration of a schedule plus the last
// duration seen on each worker. The store keeps Workers current as tasks
// succeed.
type ScheduleDuration struct {
	Default *ObservedDuration           `json:"default,omitempty"`
	Workers map[string]ObservedDuration `json:"workers,omitempty"`
}
