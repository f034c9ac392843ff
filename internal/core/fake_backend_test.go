package core_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/assetlock/internal/backend"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
)

// fakeRemote is an in-memory locking service shared by several clients.
type fakeRemote struct {
	mu      sync.Mutex
	locks   map[string]record.Record
	tracked map[string]bool
	seq     int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{locks: make(map[string]record.Record), tracked: make(map[string]bool)}
}

func (r *fakeRemote) lockOf(path string) (record.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.locks[path]
	return rec, ok
}

func (r *fakeRemote) seed(path, owner string) record.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec := record.FromPath("", path).WithLock(fmt.Sprintf("L%d", r.seq), owner, "2026-01-02T03:04:05Z")
	r.locks[path] = rec
	return rec
}

// fakeBackend is one identity's client for a fakeRemote. It records every
// call and fails calls whose "op path" key is listed in failures.
type fakeBackend struct {
	remote   *fakeRemote
	identity string

	mu       sync.Mutex
	calls    []string
	failures map[string]error

	inflight    atomic.Int32
	maxInflight atomic.Int32
	// delay stretches every call so overlapping execution would be visible.
	delay time.Duration
	// listGate, when set, holds listings until it is closed.
	listGate chan struct{}
}

func newFakeBackend(remote *fakeRemote, identity string) *fakeBackend {
	return &fakeBackend{remote: remote, identity: identity, failures: make(map[string]error)}
}

func (b *fakeBackend) failOn(op, path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op+" "+path] = err
}

func (b *fakeBackend) enter(op, path string) error {
	n := b.inflight.Add(1)
	for {
		cur := b.maxInflight.Load()
		if n <= cur || b.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	b.mu.Lock()
	key := strings.TrimSpace(op + " " + path)
	b.calls = append(b.calls, key)
	err := b.failures[op+" "+path]
	delay := b.delay
	gate := b.listGate
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if gate != nil && op == "list" {
		<-gate
	}
	return err
}

func (b *fakeBackend) leave() {
	b.inflight.Add(-1)
}

// mutations returns the recorded calls except listings.
func (b *fakeBackend) mutations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.calls))
	for _, c := range b.calls {
		if strings.HasPrefix(c, "list") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (b *fakeBackend) count(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Initialize(ctx context.Context) (string, error) {
	return b.identity, nil
}

func (b *fakeBackend) Track(ctx context.Context, path string) error {
	defer b.leave()
	if err := b.enter("track", path); err != nil {
		return err
	}
	b.remote.mu.Lock()
	b.remote.tracked[path] = true
	b.remote.mu.Unlock()
	return nil
}

func (b *fakeBackend) Untrack(ctx context.Context, path string) error {
	defer b.leave()
	if err := b.enter("untrack", path); err != nil {
		return err
	}
	b.remote.mu.Lock()
	delete(b.remote.tracked, path)
	b.remote.mu.Unlock()
	return nil
}

func (b *fakeBackend) CreateLock(ctx context.Context, path string) (record.Record, error) {
	defer b.leave()
	if err := b.enter("lock", path); err != nil {
		return record.Record{}, err
	}
	b.remote.mu.Lock()
	defer b.remote.mu.Unlock()
	if existing, ok := b.remote.locks[path]; ok {
		return record.Record{}, &lockerr.RemoteError{
			Kind:    lockerr.ErrConflict,
			Status:  409,
			Message: "lock exists",
			Lock:    existing,
		}
	}
	b.remote.seq++
	rec := record.FromPath("", path).WithLock(fmt.Sprintf("L%d", b.remote.seq), b.identity, "2026-01-02T03:04:05Z")
	b.remote.locks[path] = rec
	return rec, nil
}

func (b *fakeBackend) DeleteLock(ctx context.Context, ref backend.LockRef, force bool) (record.Record, error) {
	defer b.leave()
	if err := b.enter("unlock", ref.Path); err != nil {
		return record.Record{}, err
	}
	b.remote.mu.Lock()
	defer b.remote.mu.Unlock()
	existing, ok := b.remote.locks[ref.Path]
	if !ok {
		return record.Record{}, errors.New("no lock")
	}
	if ref.ID != "" && existing.LockID != ref.ID {
		return record.Record{}, errors.New("lock id mismatch")
	}
	if existing.Owner != b.identity && !force {
		return record.Record{}, &lockerr.RemoteError{Kind: lockerr.ErrUnauthorized, Status: 403, Message: "not owner"}
	}
	delete(b.remote.locks, ref.Path)
	return existing, nil
}

func (b *fakeBackend) ListLocks(ctx context.Context, filter backend.Filter) ([]record.Record, error) {
	defer b.leave()
	if err := b.enter("list", filter.Path); err != nil {
		return nil, err
	}
	b.remote.mu.Lock()
	defer b.remote.mu.Unlock()
	out := make([]record.Record, 0, len(b.remote.locks))
	for p, rec := range b.remote.locks {
		if filter.Path != "" && p != filter.Path {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
