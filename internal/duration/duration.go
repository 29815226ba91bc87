// Package duration summarizes how long schedules take to run, per worker.
package duration

import (
	"encoding/json"
	"sort"
	"time"

	"zimfarm/internal/domain"
)

// Single is reported when every observed run took the same time.
type Single struct {
	Value  time.Duration
	Worker string
	On     time.Time
}

// Range is reported when runs disagree. Worker lists are deduplicated and sorted.
type Range struct {
	Min        time.Duration
	Max        time.Duration
	MinWorkers []string
	MaxWorkers []string
}

// Summary holds exactly one of Single or Range.
type Summary struct {
	Single *Single
	Range  *Range
}

func (s Summary) MarshalJSON() ([]byte, error) {
	if s.Single != nil {
		return json.Marshal(map[string]any{
			"kind":   "single",
			"value":  int64(s.Single.Value.Seconds()),
			"worker": s.Single.Worker,
			"on":     s.Single.On,
		})
	}
	if s.Range != nil {
		return json.Marshal(map[string]any{
			"kind":        "range",
			"min":         int64(s.Range.Min.Seconds()),
			"max":         int64(s.Range.Max.Seconds()),
			"min_workers": s.Range.MinWorkers,
			"max_workers": s.Range.MaxWorkers,
		})
	}
	return []byte("null"), nil
}

func (s *Summary) UnmarshalJSON(b []byte) error {
	var raw struct {
		Kind       string    `json:"kind"`
		Value      int64     `json:"value"`
		Worker     string    `json:"worker"`
		On         time.Time `json:"on"`
		Min        int64     `json:"min"`
		Max        int64     `json:"max"`
		MinWorkers []string  `json:"min_workers"`
		MaxWorkers []string  `json:"max_workers"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = Summary{}
	switch raw.Kind {
	case "single":
		s.Single = &Single{Value: time.Duration(raw.Value) * time.Second, Worker: raw.Worker, On: raw.On}
	case "range":
		s.Range = &Range{
			Min:        time.Duration(raw.Min) * time.Second,
			Max:        time.Duration(raw.Max) * time.Second,
			MinWorkers: raw.MinWorkers,
			MaxWorkers: raw.MaxWorkers,
		}
	}
	return nil
}

// Max is the longest observed duration.
func (s Summary) Max() time.Duration {
	if s.Single != nil {
		return s.Single.Value
	}
	if s.Range != nil {
		return s.Range.Max
	}
	return 0
}

type (
	Observed         = domain.ObservedDuration
	ScheduleDuration = domain.ScheduleDuration
)

// FromTasks derives a summary from task history. Only tasks with both a
// started and a succeeded timestamp count; the latest of each is used.
// It returns nil when no task qualifies.
func FromTasks(tasks []domain.Task) *Summary {
	var runs []Observed
	for _, t := range tasks {
		started, ok := t.Latest(domain.StatusStarted)
		if !ok {
			continue
		}
		succeeded, ok := t.Latest(domain.StatusSucceeded)
		if !ok || succeeded.Before(started) {
			continue
		}
		runs = append(runs, Observed{Value: succeeded.Sub(started), Worker: t.WorkerName, On: succeeded})
	}
	return summarize(runs)
}

// FromSchedule summarizes the per-worker durations of a schedule, falling
// back to its default when no worker has reported yet.
func FromSchedule(d ScheduleDuration) *Summary {
	if len(d.Workers) == 0 {
		if d.Default == nil {
			return nil
		}
		def := *d.Default
		return &Summary{Single: &Single{Value: def.Value, Worker: def.Worker, On: def.On}}
	}
	runs := make([]Observed, 0, len(d.Workers))
	for name, o := range d.Workers {
		o.Worker = name
		runs = append(runs, o)
	}
	return summarize(runs)
}

func summarize(runs []Observed) *Summary {
	if len(runs) == 0 {
		return nil
	}
	min, max := runs[0].Value, runs[0].Value
	for _, r := range runs[1:] {
		if r.Value < min {
			min = r.Value
		}
		if r.Value > max {
			max = r.Value
		}
	}
	if min == max {
		latest := runs[0]
		for _, r := range runs[1:] {
			if r.On.After(latest.On) || (r.On.Equal(latest.On) && r.Worker < latest.Worker) {
				latest = r
			}
		}
		return &Summary{Single: &Single{Value: latest.Value, Worker: latest.Worker, On: latest.On}}
	}
	return &Summary{Range: &Range{
		Min:        min,
		Max:        max,
		MinWorkers: workersWith(runs, min),
		MaxWorkers: workersWith(runs, max),
	}}
}

func workersWith(runs []Observed, v time.Duration) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range runs {
		if r.Value == v && !seen[r.Worker] {
			seen[r.Worker] = true
			out = append(out, r.Worker)
		}
	}
	sort.Strings(out)
	return out
}
