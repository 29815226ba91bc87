package worker

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zimfarm/internal/client"
	"zimfarm/internal/dispatcher"
	"zimfarm/internal/domain"
	"zimfarm/internal/handlers/offliner"
	"zimfarm/internal/lifecycle"
)

type fakeAPI struct {
	mu        sync.Mutex
	queue     []domain.Task
	status    map[string]domain.TaskStatus
	reports   map[string][]domain.TaskStatus
	payloads  map[string][]dispatcher.Report
	transient int
	expected  time.Duration
	calls     int
}

func newFakeAPI(tasks ...domain.Task) *fakeAPI {
	f := &fakeAPI{
		status:   map[string]domain.TaskStatus{},
		reports:  map[string][]domain.TaskStatus{},
		payloads: map[string][]dispatcher.Report{},
	}
	for _, t := range tasks {
		t.Status = domain.StatusReserved
		f.queue = append(f.queue, t)
		f.status[t.ID] = t.Status
	}
	return f
}

func (f *fakeAPI) ClaimNext(_ context.Context, _ string, _ []string) (domain.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return domain.Task{}, false, nil
	}
	t := f.queue[0]
	f.queue = f.queue[1:]
	return t, true, nil
}

func (f *fakeAPI) Report(_ context.Context, id string, status domain.TaskStatus, r dispatcher.Report) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.transient > 0 {
		f.transient--
		return domain.Task{}, &client.StatusError{Code: 503, Text: "unavailable"}
	}
	if err := lifecycle.CheckTransition(f.status[id], status); err != nil {
		return domain.Task{}, err
	}
	f.status[id] = status
	f.reports[id] = append(f.reports[id], status)
	f.payloads[id] = append(f.payloads[id], r)
	return domain.Task{ID: id, Status: status}, nil
}

func (f *fakeAPI) Get(_ context.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.Task{ID: id, Status: f.status[id]}, nil
}

func (f *fakeAPI) ExpectedDuration(context.Context, string) (time.Duration, error) {
	return f.expected, nil
}

func (f *fakeAPI) set(id string, s domain.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = s
}

func (f *fakeAPI) history(id string) []domain.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TaskStatus(nil), f.reports[id]...)
}

type fakeRunner struct {
	run func(ctx context.Context, t domain.Task) (offliner.Result, error)
}

func (r fakeRunner) Command(t domain.Task) ([]string, string, error) {
	if t.Config.Offliner == "" {
		return nil, "", domain.Validationf("unknown offliner")
	}
	return []string{"docker", "run", "img", "mwoffliner", "--adminEmail=x"}, "docker run img mwoffliner --adminEmail=x", nil
}

func (r fakeRunner) Run(ctx context.Context, t domain.Task, out io.Writer) (offliner.Result, error) {
	return r.run(ctx, t)
}

func exitWith(code int) fakeRunner {
	return fakeRunner{run: func(context.Context, domain.Task) (offliner.Result, error) {
		return offliner.Result{ExitCode: code, Stderr: "exit " + strconv.Itoa(code)}, nil
	}}
}

func blocking(started chan<- string) fakeRunner {
	return fakeRunner{run: func(ctx context.Context, t domain.Task) (offliner.Result, error) {
		if started != nil {
			started <- t.ID
		}
		<-ctx.Done()
		return offliner.Result{Stderr: "killed"}, ctx.Err()
	}}
}

func task(id string) domain.Task {
	return domain.Task{ID: id, ScheduleName: "s-" + id, Config: domain.ScheduleConfig{Offliner: "mwoffliner"}}
}

func newTestPool(api API, r Runner, opts Options) *Pool {
	if opts.Name == "" {
		opts.Name = "w1"
	}
	if opts.CancelPoll == 0 {
		opts.CancelPoll = 5 * time.Millisecond
	}
	p := NewPool(api, r, opts)
	p.backoff = func(int) time.Duration { return time.Millisecond }
	return p
}

func runOnce(p *Pool) {
	p.claimAvailable(context.Background())
	p.wg.Wait()
}

func TestSuccessfulRun(t *testing.T) {
	api := newFakeAPI(task("a"))
	runOnce(newTestPool(api, exitWith(0), Options{}))

	assert.Equal(t, []domain.TaskStatus{
		domain.StatusStarted, domain.StatusScraperStarted, domain.StatusScraperCompleted, domain.StatusSucceeded,
	}, api.history("a"))
	payloads := api.payloads["a"]
	assert.Equal(t, []string{"docker", "run", "img", "mwoffliner", "--adminEmail=x"}, payloads[1].Command)
	require.NotNil(t, payloads[2].ExitCode)
	assert.Equal(t, 0, *payloads[2].ExitCode)
}

func TestNonZeroExitFails(t *testing.T) {
	api := newFakeAPI(task("a"))
	runOnce(newTestPool(api, exitWith(2), Options{}))
	assert.Equal(t, []domain.TaskStatus{
		domain.StatusStarted, domain.StatusScraperStarted, domain.StatusScraperCompleted, domain.StatusFailed,
	}, api.history("a"))
	assert.Equal(t, "exit 2", api.payloads["a"][2].Stderr)
}

func TestBadCommandFails(t *testing.T) {
	bad := task("a")
	bad.Config.Offliner = ""
	api := newFakeAPI(bad)
	runOnce(newTestPool(api, exitWith(0), Options{}))
	assert.Equal(t, []domain.TaskStatus{domain.StatusStarted, domain.StatusFailed}, api.history("a"))
}

func TestCancelDuringRun(t *testing.T) {
	api := newFakeAPI(task("a"))
	started := make(chan string, 1)
	p := newTestPool(api, blocking(started), Options{DefaultTimeout: time.Minute})

	go func() {
		api.set(<-started, domain.StatusCancelRequested)
	}()
	runOnce(p)

	assert.Equal(t, []domain.TaskStatus{domain.StatusStarted, domain.StatusScraperStarted, domain.StatusCanceled}, api.history("a"))
	assert.Equal(t, "killed", api.payloads["a"][2].Stderr)
}

func TestCancelBeforeStart(t *testing.T) {
	api := newFakeAPI(task("a"))
	api.status["a"] = domain.StatusCancelRequested
	runOnce(newTestPool(api, exitWith(0), Options{}))
	assert.Equal(t, []domain.TaskStatus{domain.StatusCanceled}, api.history("a"))
}

func TestCancelRacingCompletion(t *testing.T) {
	api := newFakeAPI(task("a"))
	runner := fakeRunner{run: func(_ context.Context, tk domain.Task) (offliner.Result, error) {
		api.set(tk.ID, domain.StatusCancelRequested)
		return offliner.Result{}, nil
	}}
	runOnce(newTestPool(api, runner, Options{CancelPoll: time.Hour}))
	assert.Equal(t, []domain.TaskStatus{domain.StatusStarted, domain.StatusScraperStarted, domain.StatusSucceeded}, api.history("a"),
		"a finished run still succeeds after a late cancel request")
}

func TestTimeoutFromExpectedDuration(t *testing.T) {
	api := newFakeAPI(task("a"))
	api.expected = 10 * time.Millisecond
	runOnce(newTestPool(api, blocking(nil), Options{TimeoutFactor: 2, CancelPoll: time.Hour}))

	assert.Equal(t, []domain.TaskStatus{domain.StatusStarted, domain.StatusScraperStarted, domain.StatusFailed}, api.history("a"))
	assert.Contains(t, api.payloads["a"][2].Stderr, "timed out after 20ms")
}

func TestReportRetriesTransientErrors(t *testing.T) {
	api := newFakeAPI(task("a"))
	api.transient = 2
	runOnce(newTestPool(api, exitWith(0), Options{}))
	assert.Equal(t, domain.StatusSucceeded, api.status["a"])
	assert.Equal(t, 6, api.calls)

	api = newFakeAPI(task("b"))
	api.transient = 10
	runOnce(newTestPool(api, exitWith(0), Options{ReportAttempts: 3}))
	assert.Empty(t, api.history("b"), "task abandoned after the attempts run out")
	assert.Equal(t, 3, api.calls)
}

func TestConcurrencyLimit(t *testing.T) {
	api := newFakeAPI(task("a"), task("b"), task("c"))
	started := make(chan string, 3)
	p := newTestPool(api, blocking(started), Options{Concurrency: 2, CancelPoll: 5 * time.Millisecond})

	p.claimAvailable(context.Background())
	<-started
	<-started
	api.mu.Lock()
	assert.Len(t, api.queue, 1, "third task stays queued")
	api.mu.Unlock()

	api.set("a", domain.StatusCancelRequested)
	api.set("b", domain.StatusCancelRequested)
	p.wg.Wait()

	p.claimAvailable(context.Background())
	assert.Equal(t, "c", <-started)
	api.set("c", domain.StatusCancelRequested)
	p.wg.Wait()
}

func TestRunStop(t *testing.T) {
	api := newFakeAPI(task("a"))
	p := newTestPool(api, exitWith(0), Options{Poll: 5 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.status["a"] == domain.StatusSucceeded
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestBackoffExp(t *testing.T) {
	assert.Equal(t, time.Second, backoffExp(0))
	assert.Equal(t, time.Second, backoffExp(1))
	assert.Equal(t, 4*time.Second, backoffExp(3))
	assert.Equal(t, 60*time.Second, backoffExp(10))
}

func TestForceFailedTaskGetsNoFinalReport(t *testing.T) {
	api := newFakeAPI(task("a"))
	started := make(chan string, 1)
	p := newTestPool(api, blocking(started), Options{DefaultTimeout: time.Minute})

	go func() {
		api.set(<-started, domain.StatusFailed)
	}()
	runOnce(p)

	assert.Equal(t, []domain.TaskStatus{domain.StatusStarted, domain.StatusScraperStarted}, api.history("a"))
	assert.Equal(t, domain.StatusFailed, api.status["a"])
	assert.Equal(t, 3, api.calls, "no canceled report after the dispatcher failed the task")
}
