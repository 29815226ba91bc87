// Package beat parses schedule beats, describes them in plain language and
// computes their next fire times.
package beat

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"zimfarm/internal/domain"
)

// starBit mirrors robfig/cron's marker for an unrestricted day field; Next
// uses it to decide between AND and OR matching of day-of-month/day-of-week.
const starBit = 1 << 63

type bounds struct {
	field    string
	min, max int
	names    map[string]int
}

var (
	minuteBounds = bounds{field: "minute", min: 0, max: 59}
	hourBounds   = bounds{field: "hour", min: 0, max: 23}
	domBounds    = bounds{field: "day_of_month", min: 1, max: 31}
	monthBounds  = bounds{field: "month_of_year", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	// 7 is accepted as Sunday and folded onto 0.
	dowBounds = bounds{field: "day_of_week", min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

type item struct {
	start, end, step int
	star             bool
}

// Field is one parsed crontab field.
type Field struct {
	Raw   string
	items []item
	bits  uint64
}

// Star reports whether the field matches everything.
func (f Field) Star() bool {
	return len(f.items) == 1 && f.items[0].star && f.items[0].step == 1
}

// Matches reports whether v is selected by the field.
func (f Field) Matches(v int) bool { return f.bits&(1<<uint(v)) != 0 }

func (f Field) singles() ([]int, bool) {
	var out []int
	for _, it := range f.items {
		if it.star || it.start != it.end {
			return nil, false
		}
		out = append(out, it.start)
	}
	return out, true
}

// Crontab is a validated five-field crontab expression.
type Crontab struct {
	Minute, Hour, DayOfMonth, Month, DayOfWeek Field
}

// Parse validates a beat. Any malformed field fails the whole beat.
func Parse(b domain.Beat) (Crontab, error) {
	switch b.Type {
	case domain.BeatCrontab:
		return parseCrontab(b.Crontab)
	default:
		return Crontab{}, domain.MalformedBeatf("unsupported beat type %q", b.Type)
	}
}

// Validate is Parse without the result.
func Validate(b domain.Beat) error {
	_, err := Parse(b)
	return err
}

func parseCrontab(c domain.CrontabConfig) (Crontab, error) {
	var (
		ct  Crontab
		err error
	)
	if ct.Minute, err = parseField(c.Minute, minuteBounds); err != nil {
		return Crontab{}, err
	}
	if ct.Hour, err = parseField(c.Hour, hourBounds); err != nil {
		return Crontab{}, err
	}
	if ct.DayOfMonth, err = parseField(c.DayOfMonth, domBounds); err != nil {
		return Crontab{}, err
	}
	if ct.Month, err = parseField(c.MonthOfYear, monthBounds); err != nil {
		return Crontab{}, err
	}
	if ct.DayOfWeek, err = parseField(c.DayOfWeek, dowBounds); err != nil {
		return Crontab{}, err
	}
	if ct.DayOfWeek.bits&(1<<7) != 0 {
		ct.DayOfWeek.bits = ct.DayOfWeek.bits&^(1<<7) | 1
	}
	return ct, nil
}

func parseField(raw string, b bounds) (Field, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "?" {
		raw = "*"
	}
	f := Field{Raw: raw}
	for _, part := range strings.Split(raw, ",") {
		it, err := parseItem(part, b)
		if err != nil {
			return Field{}, err
		}
		for v := it.start; v <= it.end; v += it.step {
			f.bits |= 1 << uint(v)
		}
		f.items = append(f.items, it)
	}
	return f, nil
}

func parseItem(part string, b bounds) (item, error) {
	if part == "" {
		return item{}, domain.MalformedBeatf("%s: empty list element", b.field)
	}
	rangeAndStep := strings.Split(part, "/")
	if len(rangeAndStep) > 2 {
		return item{}, domain.MalformedBeatf("%s: too many slashes in %q", b.field, part)
	}
	it := item{step: 1}
	lowHigh := strings.Split(rangeAndStep[0], "-")
	switch {
	case rangeAndStep[0] == "*":
		it.start, it.end, it.star = b.min, b.max, true
		if b.field == dowBounds.field {
			it.end = 6
		}
	case len(lowHigh) == 1:
		v, err := parseValue(lowHigh[0], b)
		if err != nil {
			return item{}, err
		}
		it.start, it.end = v, v
		if len(rangeAndStep) == 2 {
			it.end = b.max
		}
	case len(lowHigh) == 2:
		lo, err := parseValue(lowHigh[0], b)
		if err != nil {
			return item{}, err
		}
		hi, err := parseValue(lowHigh[1], b)
		if err != nil {
			return item{}, err
		}
		if lo > hi {
			return item{}, domain.MalformedBeatf("%s: range %q is backwards", b.field, rangeAndStep[0])
		}
		it.start, it.end = lo, hi
	default:
		return item{}, domain.MalformedBeatf("%s: invalid range %q", b.field, rangeAndStep[0])
	}
	if len(rangeAndStep) == 2 {
		step, err := strconv.Atoi(rangeAndStep[1])
		if err != nil || step <= 0 {
			return item{}, domain.MalformedBeatf("%s: invalid step %q", b.field, rangeAndStep[1])
		}
		if step > b.max-b.min+1 {
			return item{}, domain.MalformedBeatf("%s: step %d out of range", b.field, step)
		}
		it.step = step
	}
	return it, nil
}

func parseValue(s string, b bounds) (int, error) {
	if v, ok := b.names[s]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.MalformedBeatf("%s: %q is not a number", b.field, s)
	}
	if v < b.min || v > b.max {
		return 0, domain.MalformedBeatf("%s: %d out of range [%d-%d]", b.field, v, b.min, b.max)
	}
	return v, nil
}

// Schedule compiles the crontab into a robfig/cron schedule evaluated in UTC.
func (c Crontab) Schedule() *cron.SpecSchedule {
	s := &cron.SpecSchedule{
		Second:   1,
		Minute:   c.Minute.bits,
		Hour:     c.Hour.bits,
		Dom:      c.DayOfMonth.bits,
		Month:    c.Month.bits,
		Dow:      c.DayOfWeek.bits,
		Location: time.UTC,
	}
	if c.DayOfMonth.Star() {
		s.Dom |= starBit
	}
	if c.DayOfWeek.Star() {
		s.Dow |= starBit
	}
	return s
}

// NextFireTime returns the first matching minute strictly after after.
func NextFireTime(b domain.Beat, after time.Time) (time.Time, error) {
	c, err := Parse(b)
	if err != nil {
		return time.Time{}, err
	}
	next := c.Schedule().Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, domain.MalformedBeatf("beat never fires")
	}
	return next, nil
}

// NextFireTimes returns up to n consecutive fire times after after.
func NextFireTimes(b domain.Beat, after time.Time, n int) ([]time.Time, error) {
	c, err := Parse(b)
	if err != nil {
		return nil, err
	}
	s := c.Schedule()
	out := make([]time.Time, 0, n)
	t := after.UTC()
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	if len(out) == 0 && n > 0 {
		return nil, domain.MalformedBeatf("beat never fires")
	}
	return out, nil
}
