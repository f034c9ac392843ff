package assetlock_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/assetlock"
	"pkt.systems/assetlock/api"
	"pkt.systems/assetlock/internal/process"
	"pkt.systems/assetlock/internal/settings"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
	"pkt.systems/pslog"
)

// locksServer is an in-memory Git LFS locks endpoint.
type locksServer struct {
	mu         sync.Mutex
	seq        int
	locks      map[string]api.Lock
	failCreate bool
	auth       []string
}

func newLocksServer(t *testing.T) (*locksServer, string) {
	t.Helper()
	s := &locksServer{locks: make(map[string]api.Lock)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /locks", s.list)
	mux.HandleFunc("POST /locks", s.create)
	mux.HandleFunc("POST /locks/{id}/unlock", s.unlock)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv.URL + "/locks"
}

func (s *locksServer) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", api.MediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *locksServer) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	out := api.ListLocksResponse{Locks: []api.Lock{}}
	for _, l := range s.locks {
		if p := r.URL.Query().Get("path"); p != "" && p != l.Path {
			continue
		}
		out.Locks = append(out.Locks, l)
	}
	s.reply(w, http.StatusOK, out)
}

func (s *locksServer) create(w http.ResponseWriter, r *http.Request) {
	var req api.CreateLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reply(w, http.StatusBadRequest, api.ErrorResponse{Message: err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		s.reply(w, http.StatusInternalServerError, api.ErrorResponse{Message: "backend unavailable", RequestID: "req-500"})
		return
	}
	if existing, ok := s.locks[req.Path]; ok {
		s.reply(w, http.StatusConflict, api.ErrorResponse{Message: "already locked", Lock: &existing})
		return
	}
	s.seq++
	l := api.Lock{ID: fmt.Sprintf("L%d", s.seq), Path: req.Path, LockedAt: "2026-01-02T03:04:05Z", Owner: &api.Owner{Name: "alice"}}
	s.locks[req.Path] = l
	s.reply(w, http.StatusCreated, api.LockResponse{Lock: &l})
}

func (s *locksServer) unlock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, l := range s.locks {
		if l.ID == id {
			delete(s.locks, p)
			s.reply(w, http.StatusOK, api.LockResponse{Lock: &l})
			return
		}
	}
	s.reply(w, http.StatusNotFound, api.ErrorResponse{Message: "no such lock"})
}

func (s *locksServer) seed(path, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.locks[path] = api.Lock{ID: fmt.Sprintf("L%d", s.seq), Path: path, LockedAt: "2026-01-02T03:04:05Z", Owner: &api.Owner{Name: owner}}
}

func (s *locksServer) holder(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[path].OwnerName()
}

// okRunner accepts every git and git-lfs invocation.
type okRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *okRunner) Run(_ context.Context, name string, args ...string) (process.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return process.Result{}, nil
}

var pngBlob = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00}

func writeAsset(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, pngBlob, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func testConfig(root, locksURL string) assetlock.Config {
	return assetlock.Config{
		RepoRoot:        root,
		Mode:            "http",
		LocksURL:        locksURL,
		Identity:        "alice",
		SkipInstall:     true,
		RefreshInterval: time.Second,
		TickInterval:    5 * time.Millisecond,
		CoalesceDelay:   time.Millisecond,
		ReadyTimeout:    time.Second,
	}
}

func startManager(t *testing.T, cfg assetlock.Config, store settings.Store, opts ...assetlock.Option) *assetlock.Manager {
	t.Helper()
	ctx := context.Background()
	opts = append([]assetlock.Option{assetlock.WithSettings(store), assetlock.WithRunner(&okRunner{})}, opts...)
	m, err := assetlock.NewManager(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.AwaitReady(waitCtx); err != nil {
		t.Fatalf("await ready: %v", err)
	}
	return m
}

func waitTicket(t *testing.T, ticket *assetlock.Ticket, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ticket.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestManagerLockRoundTripOverHTTP(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeAsset(t, root, "Art/hero.png")
	srv, locksURL := newLocksServer(t)
	store := settings.NewMemory(map[string]string{settings.KeyAuthToken: "s3cret"})
	m := startManager(t, testConfig(root, locksURL), store)
	ctx := context.Background()

	if m.Mode() != "http" || m.Identity() != "alice" {
		t.Fatalf("unexpected mode %q identity %q", m.Mode(), m.Identity())
	}
	ticket, err := m.Track(ctx, "Art/hero.png", false)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	lockTicket, err := m.Lock(ctx, "Art/hero.png", false)
	waitTicket(t, ticket, nil)
	waitTicket(t, lockTicket, err)

	if srv.holder("Art/hero.png") != "alice" {
		t.Fatalf("remote lock missing")
	}
	rec, ok := m.Get("Art/hero.png")
	if !ok || !rec.LockedBy("alice") || rec.LockID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	srv.mu.Lock()
	auth := append([]string(nil), srv.auth...)
	srv.mu.Unlock()
	if len(auth) == 0 || auth[len(auth)-1] != "Bearer s3cret" {
		t.Fatalf("expected bearer token from settings, got %q", auth)
	}

	var out bytes.Buffer
	if err := m.Dump(&out); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out.String(), "Art/hero.png") || !strings.Contains(out.String(), "mine") {
		t.Fatalf("unexpected dump:\n%s", out.String())
	}

	unlock, err := m.Unlock(ctx, "Art/hero.png", false)
	waitTicket(t, unlock, err)
	if srv.holder("Art/hero.png") != "" || m.IsLocked("Art/hero.png") {
		t.Fatal("lock should be released")
	}
	if !m.IsTracked("Art/hero.png") {
		t.Fatal("record must survive unlock")
	}
}

func TestManagerPersistsCacheAcrossRestarts(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeAsset(t, root, "Art/hero.png")
	_, locksURL := newLocksServer(t)
	store := settings.NewMemory(nil)
	cfg := testConfig(root, locksURL)

	m := startManager(t, cfg, store)
	ticket, err := m.Track(context.Background(), "Art/hero.png", false)
	waitTicket(t, ticket, err)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	raw, _ := store.Get(settings.KeyLockCache)
	records, dropped, err := record.DecodeTuples([]byte(raw))
	if err != nil || dropped != 0 || len(records) != 1 || records[0].Path != "Art/hero.png" {
		t.Fatalf("unexpected persisted cache %q (%v, %d)", raw, err, dropped)
	}

	again, err := assetlock.NewManager(context.Background(), cfg, assetlock.WithSettings(store), assetlock.WithRunner(&okRunner{}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := again.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer again.Shutdown(context.Background())
	rec, ok := again.Get("Art/hero.png")
	if !ok || rec.ID != records[0].ID {
		t.Fatalf("cache not restored: %+v", rec)
	}
}

func TestManagerDowngradesOnServerError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeAsset(t, root, "Art/hero.png")
	srv, locksURL := newLocksServer(t)
	srv.failCreate = true
	store := settings.NewMemory(map[string]string{settings.KeyUseHTTP: "true"})
	cfg := testConfig(root, locksURL)
	cfg.Mode = ""
	downgraded := make(chan error, 1)
	m := startManager(t, cfg, store, assetlock.WithDowngradeHook(func(cause error) { downgraded <- cause }))
	if m.Mode() != "http" {
		t.Fatalf("expected persisted http mode, got %q", m.Mode())
	}

	ctx := context.Background()
	track, err := m.Track(ctx, "Art/hero.png", false)
	waitTicket(t, track, err)
	lock, err := m.Lock(ctx, "Art/hero.png", false)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lock.Wait(waitCtx); !errors.Is(err, lockerr.ErrRemoteServer) {
		t.Fatalf("expected remote server error, got %v", err)
	}
	select {
	case cause := <-downgraded:
		if !errors.Is(cause, lockerr.ErrRemoteServer) {
			t.Fatalf("unexpected downgrade cause %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("downgrade hook not fired")
	}
	if m.Mode() != "cli" {
		t.Fatalf("expected cli after downgrade, got %q", m.Mode())
	}
	if v, _ := store.Get(settings.KeyUseHTTP); v != "false" {
		t.Fatalf("expected use_http=false persisted, got %q", v)
	}
}

func TestManagerTrackAll(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeAsset(t, root, "Art/hero.png")
	writeAsset(t, root, "Models/ship.fbx")
	writeAsset(t, root, "Vendor/skip.png")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("# readme\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, locksURL := newLocksServer(t)
	cfg := testConfig(root, locksURL)
	cfg.Excludes = []string{"Vendor/**"}
	m := startManager(t, cfg, settings.NewMemory(nil))

	ticket, err := m.TrackAll(context.Background())
	waitTicket(t, ticket, err)
	got := m.Snapshot()
	if len(got) != 2 || got[0].Path != "Art/hero.png" || got[1].Path != "Models/ship.fbx" {
		t.Fatalf("unexpected tracked set %+v", got)
	}
	again, err := m.TrackAll(context.Background())
	if err != nil || again != nil {
		t.Fatalf("second track-all should be a no-op, got %v %v", again, err)
	}
}

func TestManagerAutoLock(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeAsset(t, root, "Art/hero.png")
	writeAsset(t, root, "Art/boss.png")
	srv, locksURL := newLocksServer(t)
	srv.seed("Art/boss.png", "bob")
	m := startManager(t, testConfig(root, locksURL), settings.NewMemory(nil))
	ctx := context.Background()
	if err := m.ForceRefresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := m.AutoLock(ctx, "Art/hero.png"); err != nil {
		t.Fatalf("autolock: %v", err)
	}
	if srv.holder("Art/hero.png") != "alice" {
		t.Fatal("autolock should take the lock")
	}
	if ok, owner := m.CanEdit("Art/boss.png"); ok || owner != "bob" {
		t.Fatalf("expected guard to refuse, got %v %q", ok, owner)
	}
	if err := m.AutoLock(ctx, "Art/boss.png"); !lockerr.HasCode(err, lockerr.CodeNotOwner) {
		t.Fatalf("expected not_owner, got %v", err)
	}
	locks, err := m.Locks(ctx)
	if err != nil || len(locks) != 2 {
		t.Fatalf("unexpected locks %+v (%v)", locks, err)
	}
}

func TestManagerAutoLockDisabled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeAsset(t, root, "Art/hero.png")
	srv, locksURL := newLocksServer(t)
	cfg := testConfig(root, locksURL)
	cfg.DisableAutoLock = true
	m := startManager(t, cfg, settings.NewMemory(nil))
	if err := m.AutoLock(context.Background(), "Art/hero.png"); err != nil {
		t.Fatalf("autolock: %v", err)
	}
	if srv.holder("Art/hero.png") != "" {
		t.Fatal("disabled auto-lock must not lock")
	}
}

func TestManagerStartTwice(t *testing.T) {
	t.Parallel()

	_, locksURL := newLocksServer(t)
	m := startManager(t, testConfig(t.TempDir(), locksURL), settings.NewMemory(nil))
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestManagerWarnsWhenConfiguredModeOverridesDowngrade(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		stored map[string]string
		warn   bool
	}{
		{name: "persisted downgrade", stored: map[string]string{settings.KeyUseHTTP: "false"}, warn: true},
		{name: "persisted http", stored: map[string]string{settings.KeyUseHTTP: "true"}},
		{name: "nothing persisted", stored: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, locksURL := newLocksServer(t)
			var logs lockedBuffer
			logger := pslog.NewWithOptions(context.Background(), &logs, pslog.Options{
				Mode:             pslog.ModeStructured,
				DisableTimestamp: true,
				NoColor:          true,
				MinLevel:         pslog.DebugLevel,
			})
			m, err := assetlock.NewManager(context.Background(), testConfig(t.TempDir(), locksURL),
				assetlock.WithSettings(settings.NewMemory(tc.stored)),
				assetlock.WithRunner(&okRunner{}),
				assetlock.WithLogger(logger),
			)
			if err != nil {
				t.Fatalf("new manager: %v", err)
			}
			if m.Mode() != "http" {
				t.Fatalf("configured mode must win, got %q", m.Mode())
			}
			if got := strings.Contains(logs.String(), "assetlock.transport.reupgraded"); got != tc.warn {
				t.Fatalf("reupgrade warning logged=%v, want %v:\n%s", got, tc.warn, logs.String())
			}
		})
	}
}
