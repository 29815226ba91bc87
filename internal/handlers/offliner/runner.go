package offliner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	"zimfarm/internal/domain"
)

// Runner starts offliner containers. Prefix is the container launcher
// (e.g. "docker run --rm"); the image reference and the offliner argv
// follow it.
type Runner struct {
	Prefix    []string
	Resources bool
	OutputDir string
	// StopTimeout is how long a stopped run gets to exit after SIGTERM
	// before it is killed.
	StopTimeout time.Duration
}

func NewRunner(prefix, outputDir string, resources bool) (*Runner, error) {
	argv, err := shlex.Split(prefix)
	if err != nil {
		return nil, fmt.Errorf("parse container prefix %q: %w", prefix, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("container prefix is required")
	}
	return &Runner{Prefix: argv, Resources: resources, OutputDir: outputDir, StopTimeout: defaultStopTimeout}, nil
}

// Command returns the full argv for t. The second value is the same
// command with secrets redacted, for logs and the task record.
func (r *Runner) Command(t domain.Task) ([]string, string, error) {
	def, ok := Lookup(t.Config.Offliner)
	if !ok {
		return nil, "", domain.Validationf("unknown offliner %q", t.Config.Offliner)
	}
	offliner, err := BuildCommand(def, t.Config.Flags, r.OutputDir)
	if err != nil {
		return nil, "", err
	}
	display, err := DisplayCommand(def, t.Config.Flags, r.OutputDir)
	if err != nil {
		return nil, "", err
	}

	argv := append([]string(nil), r.Prefix...)
	if r.Resources {
		res := t.Config.Resources
		argv = append(argv,
			"--cpus="+strconv.FormatFloat(res.CPU, 'f', -1, 64),
			"--memory="+strconv.FormatInt(res.Memory, 10),
		)
		if res.Shm > 0 {
			argv = append(argv, "--shm-size="+strconv.FormatInt(res.Shm, 10))
		}
		if t.Config.Platform != "" {
			argv = append(argv, "--platform="+t.Config.Platform)
		}
	}
	argv = append(argv, t.Config.Image.Ref())
	head := append([]string(nil), argv...)
	argv = append(argv, offliner...)

	return argv, strings.Join(head, " ") + " " + display, nil
}

type Result struct {
	ExitCode int
	Stderr   string
}

const (
	stderrTail         = 4096
	defaultStopTimeout = 30 * time.Second
)

// Run executes the offliner for t, streaming stdout and stderr to out. A
// non-zero exit is reported in Result, not as an error.
func (r *Runner) Run(ctx context.Context, t domain.Task, out io.Writer) (Result, error) {
	argv, _, err := r.Command(t)
	if err != nil {
		return Result{}, err
	}
	if out == nil {
		out = io.Discard
	}
	stderr := newTailBuffer(stderrTail)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = io.MultiWriter(out, stderr)
	// docker run proxies SIGTERM to the container; a SIGKILL would only
	// take down the client and leave the container running.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultStopTimeout
	}
	err = cmd.Run()

	res := Result{Stderr: stderr.String()}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("offliner %s: %w", t.Config.Offliner, err)
	}
	return res, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, buf: make([]byte, 0, max)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
