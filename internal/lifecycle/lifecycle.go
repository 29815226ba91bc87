// Package lifecycle holds the task status state machine. It is purely
// reactive: it validates reported transitions and appends them to the
// timeline, it never times anything out.
package lifecycle

import (
	"time"

	"zimfarm/internal/domain"
)

// nominal is the forward path a healthy task walks.
var nominal = map[domain.TaskStatus]int{
	domain.StatusReserved:         0,
	domain.StatusStarted:          1,
	domain.StatusScraperStarted:   2,
	domain.StatusScraperCompleted: 3,
	domain.StatusSucceeded:        4,
}

// CheckTransition reports whether a task in status from may move to to.
func CheckTransition(from, to domain.TaskStatus) error {
	if !to.Valid() || to == domain.StatusRequested {
		return domain.InvalidTransitionf("unknown status %q", to)
	}
	if from.IsTerminal() {
		return domain.InvalidTransitionf("task is %s, no further transitions allowed", from)
	}
	if from == to {
		return nil
	}
	switch to {
	case domain.StatusFailed, domain.StatusCanceled:
		return nil
	case domain.StatusCancelRequested:
		if from.IsCancelable() {
			return nil
		}
		return domain.InvalidTransitionf("%s -> %s", from, to)
	}
	if from == domain.StatusCancelRequested {
		// Natural completion may win the race against the cancel request.
		if to == domain.StatusSucceeded {
			return nil
		}
		return domain.InvalidTransitionf("cancel requested, %s rejected", to)
	}
	fromRank, ok := nominal[from]
	if !ok {
		return domain.InvalidTransitionf("%s -> %s", from, to)
	}
	if nominal[to] <= fromRank {
		return domain.InvalidTransitionf("%s -> %s goes backwards", from, to)
	}
	return nil
}

// Apply validates the transition and appends it to the task's timeline. The
// appended time never goes before the previous entry.
func Apply(t *domain.Task, to domain.TaskStatus, at time.Time) error {
	if err := CheckTransition(t.Status, to); err != nil {
		return err
	}
	at = at.UTC()
	if n := len(t.Timestamps); n > 0 && at.Before(t.Timestamps[n-1].At) {
		at = t.Timestamps[n-1].At
	}
	t.Timestamps = append(t.Timestamps, domain.Timestamp{Status: to, At: at})
	t.Status = to
	t.UpdatedAt = at
	return nil
}
