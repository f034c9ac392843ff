// Package process runs git and git-lfs subprocesses with per-call deadlines
// and a short debounce window for repeated identical invocations.
package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"pkt.systems/assetlock/internal/clock"
	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/pslog"
)

const (
	// DefaultTimeout bounds a single subprocess invocation.
	DefaultTimeout = 2 * time.Second
	// DefaultDebounce is the window in which an identical invocation reuses
	// the previous result.
	DefaultDebounce = 5000 * time.Millisecond

	// waitDelay bounds how long output pipes may outlive a killed process.
	waitDelay = 500 * time.Millisecond
)

// Result is the captured output of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Reused is true when the result was served from the debounce window.
	Reused bool
}

// Runner executes a command and returns its captured output. A non-nil error
// is a *lockerr.ProcessError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

type freshKey struct{}

// Fresh marks ctx so the invocation bypasses the debounce window.
func Fresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshKey{}, true)
}

func isFresh(ctx context.Context) bool {
	v, _ := ctx.Value(freshKey{}).(bool)
	return v
}

// Option configures an Exec runner.
type Option func(*Exec)

// WithTimeout overrides the per-invocation deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Exec) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithDebounce overrides the debounce window. Zero disables it.
func WithDebounce(d time.Duration) Option {
	return func(e *Exec) {
		if d >= 0 {
			e.debounce = d
		}
	}
}

// WithClock injects the time source used for the debounce window.
func WithClock(c clock.Clock) Option {
	return func(e *Exec) {
		e.clock = clock.OrReal(c)
	}
}

// WithLogger attaches a logger.
func WithLogger(logger pslog.Logger) Option {
	return func(e *Exec) {
		e.logger = svcfields.WithSubsystem(logger, "process.exec")
	}
}

// WithEnv appends environment variables (KEY=VALUE) to every invocation.
func WithEnv(env ...string) Option {
	return func(e *Exec) {
		e.env = append(e.env, env...)
	}
}

// Exec runs commands with os/exec inside a working directory.
type Exec struct {
	dir      string
	timeout  time.Duration
	debounce time.Duration
	env      []string
	clock    clock.Clock
	logger   pslog.Logger

	mu   sync.Mutex
	last *lastRun
}

type lastRun struct {
	key    string
	at     time.Time
	result Result
	err    error
}

// New returns an Exec runner rooted at dir.
func New(dir string, opts ...Option) *Exec {
	e := &Exec{
		dir:      dir,
		timeout:  DefaultTimeout,
		debounce: DefaultDebounce,
		clock:    clock.Real{},
		logger:   svcfields.WithSubsystem(pslog.NoopLogger(), "process.exec"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Dir returns the working directory.
func (e *Exec) Dir() string {
	return e.dir
}

// Run executes name with args. When the same argument vector ran last and
// finished inside the debounce window its result is returned without
// spawning a process.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	key := invocationKey(name, args)
	if !isFresh(ctx) {
		if res, err, ok := e.reuse(key); ok {
			e.logger.Trace("process.run.reused", "cmd", name, "args", strings.Join(args, " "))
			return res, err
		}
	}
	res, err := e.spawn(ctx, name, args)
	e.remember(key, res, err)
	return res, err
}

func (e *Exec) reuse(key string) (Result, error, bool) {
	if e.debounce <= 0 {
		return Result{}, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil || e.last.key != key {
		return Result{}, nil, false
	}
	if clock.Since(e.clock, e.last.at) >= e.debounce {
		return Result{}, nil, false
	}
	res := e.last.result
	res.Reused = true
	return res, e.last.err, true
}

func (e *Exec) remember(key string, res Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = &lastRun{key: key, at: e.clock.Now(), result: res, err: err}
}

func (e *Exec) spawn(ctx context.Context, name string, args []string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = e.dir
	cmd.WaitDelay = waitDelay
	if len(e.env) > 0 {
		cmd.Env = append(cmd.Environ(), e.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	argv := append([]string{name}, args...)
	e.logger.Debug("process.run.complete",
		"cmd", name,
		"args", strings.Join(args, " "),
		"exit_code", res.ExitCode,
		"elapsed", time.Since(start),
	)
	if runErr != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			runErr = errors.Join(runErr, ctxErr)
		}
		return res, &lockerr.ProcessError{Args: argv, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: runErr}
	}
	if strings.TrimSpace(res.Stderr) != "" {
		return res, &lockerr.ProcessError{Args: argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func invocationKey(name string, args []string) string {
	return name + "\x00" + strings.Join(args, "\x00")
}
