package domain

import "time"

type TaskStatus string

const (
	StatusRequested        TaskStatus = "requested"
	StatusReserved         TaskStatus = "reserved"
	StatusStarted          TaskStatus = "started"
	StatusScraperStarted   TaskStatus = "scraper_started"
	StatusScraperCompleted TaskStatus = "scraper_completed"
	StatusSucceeded        TaskStatus = "succeeded"
	StatusFailed           TaskStatus = "failed"
	StatusCancelRequested  TaskStatus = "cancel_requested"
	StatusCanceled         TaskStatus = "canceled"
)

var (
	// CancelableStatuses may receive a cancel request.
	CancelableStatuses = []TaskStatus{StatusReserved, StatusStarted, StatusScraperStarted, StatusScraperCompleted}
	// TerminalStatuses are absorbing.
	TerminalStatuses = []TaskStatus{StatusSucceeded, StatusFailed, StatusCanceled}
	// RunningStatuses are the non-terminal statuses of a claimed task.
	RunningStatuses = []TaskStatus{StatusReserved, StatusStarted, StatusScraperStarted, StatusScraperCompleted, StatusCancelRequested}
)

func (s TaskStatus) IsTerminal() bool { return containsStatus(TerminalStatuses, s) }

func (s TaskStatus) IsCancelable() bool { return containsStatus(CancelableStatuses, s) }

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusReserved, StatusStarted, StatusScraperStarted, StatusScraperCompleted,
		StatusSucceeded, StatusFailed, StatusCancelRequested, StatusCanceled:
		return true
	}
	return false
}

func containsStatus(set []TaskStatus, s TaskStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Timestamp is one entry of a task's append-only status timeline.
type Timestamp struct {
	Status TaskStatus `json:"status"`
	At     time.Time  `json:"at"`
}

type Container struct {
	Command  []string `json:"command,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Log      string   `json:"log,omitempty"`
	Artifact string   `json:"artifact,omitempty"`
	Progress *int     `json:"progress,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

// UploadTarget is where a worker sends one kind of output.
type UploadTarget struct {
	URI        string `json:"upload_uri"`
	Expiration int    `json:"expiration,omitempty"` // days
}

type Upload struct {
	Logs      *UploadTarget `json:"logs,omitempty"`
	Zim       *UploadTarget `json:"zim,omitempty"`
	Artifacts *UploadTarget `json:"artifacts,omitempty"`
}

// RequestedTask is a task that no worker has claimed yet.
type RequestedTask struct {
	ID           string         `json:"_id"`
	ScheduleName string         `json:"schedule_name"`
	Queue        string         `json:"queue"`
	Priority     int            `json:"priority"`
	Worker       string         `json:"worker,omitempty"`
	RequestedBy  string         `json:"requested_by"`
	Config       ScheduleConfig `json:"config"`
	Upload       Upload         `json:"upload"`
	Timestamps   []Timestamp    `json:"timestamp"`
	CreatedAt    time.Time      `json:"created_at"`
}

type Task struct {
	ID           string         `json:"_id"`
	ScheduleName string         `json:"schedule_name"`
	Status       TaskStatus     `json:"status"`
	WorkerName   string         `json:"worker_name,omitempty"`
	Queue        string         `json:"queue"`
	Priority     int            `json:"priority"`
	RequestedBy  string         `json:"requested_by"`
	CanceledBy   string         `json:"canceled_by,omitempty"`
	Config       ScheduleConfig `json:"config"`
	Upload       Upload         `json:"upload"`
	Container    Container      `json:"container"`
	Timestamps   []Timestamp    `json:"timestamp"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Latest returns the most recent time at which the task entered status.
func (t Task) Latest(status TaskStatus) (time.Time, bool) {
	for i := len(t.Timestamps) - 1; i >= 0; i-- {
		if t.Timestamps[i].Status == status {
			return t.Timestamps[i].At, true
		}
	}
	return time.Time{}, false
}

// Page describes a slice of a listing.
type Page struct {
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
	Count int `json:"count"`
}

const MaxPageLimit = 200

// ClampPage normalizes skip/limit, capping limit at MaxPageLimit.
func ClampPage(skip, limit, def int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = def
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return skip, limit
}

type TaskFilter struct {
	Statuses     []TaskStatus
	ScheduleName string
	Skip         int
	Limit        int
}

type RequestedTaskFilter struct {
	ScheduleName string
	Queue        string
	Skip         int
	Limit        int
}
