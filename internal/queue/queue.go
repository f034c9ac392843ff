// Package queue holds the FIFO of pending mutating commands. Producers push
// concurrently; exactly one consumer drains it.
package queue

import (
	"sync"
	"time"

	"pkt.systems/assetlock/internal/correlation"
	"pkt.systems/assetlock/record"
)

// Kind is the operation a command performs.
type Kind string

const (
	KindTrack      Kind = "track"
	KindUntrack    Kind = "untrack"
	KindLock       Kind = "lock"
	KindUnlock     Kind = "unlock"
	KindRefreshOne Kind = "refresh_one"
)

// Target addresses the asset a command operates on.
type Target struct {
	ID     string
	Path   string
	LockID string
}

// Command is one queued intent. It is never persisted.
type Command struct {
	ID       string
	Kind     Kind
	Target   Target
	Force    bool
	Enqueued time.Time
	// Done receives the execution outcome. It may be nil.
	Done func(error)
}

// NewCommand returns a command with a fresh time-ordered id.
func NewCommand(kind Kind, target Target, force bool) Command {
	target.Path = record.NormalizePath(target.Path)
	return Command{
		ID:       correlation.Generate(),
		Kind:     kind,
		Target:   target,
		Force:    force,
		Enqueued: time.Now(),
	}
}

// Complete reports err to the command's Done callback.
func (c Command) Complete(err error) {
	if c.Done != nil {
		c.Done(err)
	}
}

// Queue is a mutex-guarded FIFO. The head stays visible to Pending while it
// executes, until the consumer calls Pop.
type Queue struct {
	mu    sync.Mutex
	items []Command
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push appends cmds in order and returns the new depth.
func (q *Queue) Push(cmds ...Command) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, cmds...)
	return len(q.items)
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Command{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the head.
func (q *Queue) Pop() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Command{}, false
	}
	head := q.items[0]
	q.items[0] = Command{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return head, true
}

// Len returns the number of queued commands, including an executing head.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the queued commands, optionally filtered to path.
func (q *Queue) Pending(path string) []Command {
	path = record.NormalizePath(path)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Command, 0, len(q.items))
	for _, cmd := range q.items {
		if path != "" && cmd.Target.Path != path {
			continue
		}
		out = append(out, cmd)
	}
	return out
}
