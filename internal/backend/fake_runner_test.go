package backend_test

import (
	"context"
	"strings"
	"sync"

	"pkt.systems/assetlock/internal/process"
	"pkt.systems/assetlock/lockerr"
)

type scriptedCall struct {
	stdout string
	stderr string
}

// scriptRunner answers invocations by their joined argv and records them.
type scriptRunner struct {
	mu      sync.Mutex
	replies map[string]scriptedCall
	calls   []string
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{replies: make(map[string]scriptedCall)}
}

func (r *scriptRunner) on(argv, stdout, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[argv] = scriptedCall{stdout: stdout, stderr: stderr}
}

func (r *scriptRunner) Run(_ context.Context, name string, args ...string) (process.Result, error) {
	argv := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.mu.Lock()
	r.calls = append(r.calls, argv)
	reply, ok := r.replies[argv]
	r.mu.Unlock()
	res := process.Result{Stdout: reply.stdout, Stderr: reply.stderr}
	if !ok {
		return res, nil
	}
	if reply.stderr != "" {
		return res, &lockerr.ProcessError{Args: append([]string{name}, args...), ExitCode: 2, Stderr: reply.stderr}
	}
	return res, nil
}

func (r *scriptRunner) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
