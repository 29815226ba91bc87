package beat

import (
	"fmt"
	"strconv"
	"strings"

	"zimfarm/internal/domain"
)

var (
	monthNames = []string{"", "January", "February", "March", "April", "May", "June", "July",
		"August", "September", "October", "November", "December"}
	dayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
)

// Describe renders the beat as an English sentence. The output only
// depends on the beat.
func Describe(b domain.Beat) (string, error) {
	return DescribeIn(b, "en")
}

// DescribeIn renders the beat in lang. Only English is available.
func DescribeIn(b domain.Beat, lang string) (string, error) {
	switch strings.ToLower(lang) {
	case "", "en", "eng":
	default:
		return "", domain.Validationf("beat descriptions are not available in %q", lang)
	}
	c, err := Parse(b)
	if err != nil {
		return "", err
	}
	return c.Describe(), nil
}

// Describe renders the crontab in English.
func (c Crontab) Describe() string {
	var b strings.Builder
	b.WriteString(c.describeTime())

	domRestricted := !c.DayOfMonth.Star()
	dowRestricted := !c.DayOfWeek.Star()
	dom := "on day-of-month " + describeItems(c.DayOfMonth, "day", "days", strconv.Itoa)
	dow := "on " + describeItems(c.DayOfWeek, "day of the week", "days of the week", func(v int) string { return dayNames[v] })
	switch {
	case domRestricted && dowRestricted:
		b.WriteString(", " + dom + " or " + dow)
	case domRestricted:
		b.WriteString(", " + dom)
	case dowRestricted:
		b.WriteString(", " + dow)
	}
	if !c.Month.Star() {
		b.WriteString(", in " + describeItems(c.Month, "month", "months", func(v int) string { return monthNames[v] }))
	}
	return b.String()
}

func (c Crontab) describeTime() string {
	minutes, minuteSingles := c.Minute.singles()
	hours, hourSingles := c.Hour.singles()
	if minuteSingles && hourSingles && len(minutes)*len(hours) <= 6 {
		var times []string
		for _, h := range hours {
			for _, m := range minutes {
				times = append(times, fmt.Sprintf("%02d:%02d", h, m))
			}
		}
		return "At " + joinAnd(times)
	}

	var s string
	switch {
	case c.Minute.Star():
		s = "Every minute"
	case len(c.Minute.items) == 1 && c.Minute.items[0].star:
		s = fmt.Sprintf("Every %d minutes", c.Minute.items[0].step)
	default:
		s = "At minute " + describeItems(c.Minute, "minute", "minutes", strconv.Itoa)
	}
	switch {
	case c.Hour.Star():
		if !c.Minute.Star() && !(len(c.Minute.items) == 1 && c.Minute.items[0].star) {
			s += " past every hour"
		}
	default:
		s += ", during " + describeItems(c.Hour, "hour", "hours", func(v int) string {
			return fmt.Sprintf("hour %02d", v)
		})
	}
	return s
}

func describeItems(f Field, unit, units string, label func(int) string) string {
	parts := make([]string, 0, len(f.items))
	for _, it := range f.items {
		parts = append(parts, describeItem(it, unit, units, label))
	}
	return joinAnd(parts)
}

func describeItem(it item, unit, units string, label func(int) string) string {
	switch {
	case it.star && it.step == 1:
		return "every " + unit
	case it.star:
		return fmt.Sprintf("every %d %s", it.step, units)
	case it.start == it.end:
		return label(it.start)
	case it.step == 1:
		return label(it.start) + " through " + label(it.end)
	default:
		return fmt.Sprintf("every %d %s from %s through %s", it.step, units, label(it.start), label(it.end))
	}
}

func joinAnd(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
}
