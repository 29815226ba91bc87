// Package worker claims tasks from the dispatcher, runs the offliner for
// each one and reports its progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zimfarm/internal/client"
	"zimfarm/internal/dispatcher"
	"zimfarm/internal/domain"
	"zimfarm/internal/handlers/offliner"
)

// API is the part of the dispatcher API a worker uses.
type API interface {
	ClaimNext(ctx context.Context, worker string, queues []string) (domain.Task, bool, error)
	Report(ctx context.Context, id string, status domain.TaskStatus, r dispatcher.Report) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ExpectedDuration(ctx context.Context, scheduleName string) (time.Duration, error)
}

type Runner interface {
	Command(t domain.Task) ([]string, string, error)
	Run(ctx context.Context, t domain.Task, out io.Writer) (offliner.Result, error)
}

type Options struct {
	Name        string
	Queues      []string
	Concurrency int
	Poll        time.Duration
	// CancelPoll is how often a running task is checked for a cancel request.
	CancelPoll time.Duration
	// A run is killed after TimeoutFactor times the schedule's longest known
	// duration, or after DefaultTimeout when it never ran.
	TimeoutFactor  float64
	DefaultTimeout time.Duration
	ReportAttempts int
}

type Pool struct {
	api     API
	runner  Runner
	opts    Options
	sem     chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	backoff func(attempts int) time.Duration
}

func NewPool(api API, runner Runner, opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ReportAttempts < 1 {
		opts.ReportAttempts = 5
	}
	if opts.TimeoutFactor <= 0 {
		opts.TimeoutFactor = 2
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Minute
	}
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 7 * 24 * time.Hour
	}
	return &Pool{
		api:     api,
		runner:  runner,
		opts:    opts,
		sem:     make(chan struct{}, opts.Concurrency),
		stop:    make(chan struct{}),
		backoff: backoffExp,
	}
}

// Run polls for work until ctx is done or Stop is called, then waits for
// running tasks to finish.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.opts.Poll)
	defer t.Stop()
	defer p.wg.Wait()

	log.Info().Str("worker", p.opts.Name).Strs("queues", p.opts.Queues).Int("concurrency", p.opts.Concurrency).Msg("worker started")
	p.claimAvailable(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.claimAvailable(ctx)
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

// claimAvailable claims tasks until the queues are empty or every slot is busy.
func (p *Pool) claimAvailable(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}
		task, ok, err := p.api.ClaimNext(ctx, p.opts.Name, p.opts.Queues)
		if err != nil || !ok {
			<-p.sem
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to claim task")
			}
			return
		}
		p.wg.Add(1)
		go func(tk domain.Task) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, tk)
		}(task)
	}
}

func (p *Pool) execute(ctx context.Context, t domain.Task) {
	logger := log.With().Str("task_id", t.ID).Str("schedule", t.ScheduleName).Logger()
	// Reports must get through even while the worker shuts down.
	rctx := context.WithoutCancel(ctx)

	if !p.advance(rctx, logger, t.ID, domain.StatusStarted, dispatcher.Report{}) {
		return
	}
	_, display, err := p.runner.Command(t)
	if err != nil {
		p.finish(rctx, logger, t.ID, domain.StatusFailed, dispatcher.Report{Stderr: err.Error()})
		return
	}
	if !p.advance(rctx, logger, t.ID, domain.StatusScraperStarted, dispatcher.Report{Command: strings.Fields(display)}) {
		return
	}

	timeout := p.timeout(ctx, t)
	runCtx, cancelRun := context.WithTimeout(ctx, timeout)
	defer cancelRun()
	var canceled, closed atomic.Bool
	watched := make(chan struct{})
	go p.watchCancel(runCtx, logger, t.ID, &canceled, &closed, cancelRun, watched)

	logger.Info().Str("command", display).Dur("timeout", timeout).Msg("offliner started")
	res, err := p.runner.Run(runCtx, t, logger.With().Str("stream", "offliner").Logger())
	cancelRun()
	<-watched

	switch {
	case closed.Load():
		logger.Warn().Msg("task closed by the dispatcher, run stopped")
	case canceled.Load():
		p.finish(rctx, logger, t.ID, domain.StatusCanceled, dispatcher.Report{Stderr: res.Stderr})
	case errors.Is(err, context.DeadlineExceeded):
		p.finish(rctx, logger, t.ID, domain.StatusFailed, dispatcher.Report{Stderr: fmt.Sprintf("timed out after %s\n%s", timeout, res.Stderr)})
	case err != nil:
		p.finish(rctx, logger, t.ID, domain.StatusFailed, dispatcher.Report{Stderr: err.Error()})
	default:
		code := res.ExitCode
		if err := p.report(rctx, t.ID, domain.StatusScraperCompleted, dispatcher.Report{ExitCode: &code, Stderr: res.Stderr}); err != nil {
			// A cancel request may have landed; the final status is still accepted.
			logger.Warn().Err(err).Msg("scraper_completed not recorded")
		}
		final := domain.StatusSucceeded
		if code != 0 {
			final = domain.StatusFailed
		}
		p.finish(rctx, logger, t.ID, final, dispatcher.Report{})
	}
}

// advance reports a non-final status. It returns false when the task must
// not go on, after reporting canceled if that is why.
func (p *Pool) advance(ctx context.Context, logger zerolog.Logger, id string, status domain.TaskStatus, r dispatcher.Report) bool {
	err := p.report(ctx, id, status, r)
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		if t, gerr := p.api.Get(ctx, id); gerr == nil && t.Status == domain.StatusCancelRequested {
			logger.Info().Msg("cancel requested before run")
			p.finish(ctx, logger, id, domain.StatusCanceled, dispatcher.Report{})
			return false
		}
	}
	logger.Error().Err(err).Str("status", string(status)).Msg("failed to report status, abandoning task")
	return false
}

func (p *Pool) finish(ctx context.Context, logger zerolog.Logger, id string, status domain.TaskStatus, r dispatcher.Report) {
	if err := p.report(ctx, id, status, r); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to report final status")
		return
	}
	ev := logger.Info()
	if status != domain.StatusSucceeded {
		ev = logger.Warn()
	}
	ev.Str("status", string(status)).Msg("task finished")
}

// report retries transient failures with exponential backoff.
func (p *Pool) report(ctx context.Context, id string, status domain.TaskStatus, r dispatcher.Report) error {
	var err error
	for attempt := 1; attempt <= p.opts.ReportAttempts; attempt++ {
		if _, err = p.api.Report(ctx, id, status, r); err == nil || !retryable(err) {
			return err
		}
		log.Warn().Err(err).Str("task_id", id).Int("attempt", attempt).Msg("report failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	return err
}

func retryable(err error) bool {
	var serr *client.StatusError
	if errors.As(err, &serr) {
		return serr.Temporary()
	}
	if errors.Is(err, client.ErrReauthRequired) || errors.Is(err, context.Canceled) || domain.KindOf(err) != nil {
		return false
	}
	return true
}

func (p *Pool) timeout(ctx context.Context, t domain.Task) time.Duration {
	expected, err := p.api.ExpectedDuration(ctx, t.ScheduleName)
	if err != nil {
		log.Warn().Err(err).Str("schedule", t.ScheduleName).Msg("expected duration unknown")
	}
	if err != nil || expected <= 0 {
		return p.opts.DefaultTimeout
	}
	return time.Duration(float64(expected) * p.opts.TimeoutFactor)
}

// watchCancel polls the task while it runs and stops the run when a cancel
// was requested or the dispatcher already closed the task. A closed task
// gets no further reports.
func (p *Pool) watchCancel(ctx context.Context, logger zerolog.Logger, id string, canceled, closed *atomic.Bool, stop context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(p.opts.CancelPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			task, err := p.api.Get(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("cancel check failed")
				}
				continue
			}
			switch {
			case task.Status == domain.StatusCancelRequested:
				canceled.Store(true)
			case task.Status.IsTerminal():
				closed.Store(true)
			default:
				continue
			}
			logger.Info().Str("status", string(task.Status)).Msg("stopping offliner")
			stop()
			return
		}
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
