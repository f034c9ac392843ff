package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"pkt.systems/assetlock/api"
	"pkt.systems/assetlock/client"
	"pkt.systems/assetlock/internal/correlation"
)

func TestNewValidatesURL(t *testing.T) {
	t.Parallel()

	if _, err := client.New(""); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := client.New("ftp://example.com/locks"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	cli, err := client.New("https://example.com/repo.git/info/lfs/locks/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.LocksURL() != "https://example.com/repo.git/info/lfs/locks" {
		t.Fatalf("unexpected locks url %q", cli.LocksURL())
	}
}

func TestCreateLockSendsHeadersAndBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/locks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != api.MediaType {
			t.Errorf("unexpected accept %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != api.MediaType {
			t.Errorf("unexpected content type %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("unexpected authorization %q", got)
		}
		if got := r.Header.Get(api.CorrelationHeader); got != "cid-1" {
			t.Errorf("unexpected correlation id %q", got)
		}
		var req api.CreateLockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Path != "Art/hero.psd" || req.Ref == nil || req.Ref.Name != "refs/heads/main" {
			t.Errorf("unexpected body %+v", req)
		}
		w.Header().Set("Content-Type", api.MediaType)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.LockResponse{Lock: &api.Lock{
			ID: "L1", Path: req.Path, LockedAt: "2024-01-01T00:00:00Z", Owner: &api.Owner{Name: "alice"},
		}})
	}))
	defer srv.Close()

	cli, err := client.New(srv.URL+"/locks", client.WithToken("s3cret"), client.WithRefspec("refs/heads/main"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := correlation.Set(context.Background(), "cid-1")
	lock, err := cli.CreateLock(ctx, "Art/hero.psd")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if lock.ID != "L1" || lock.OwnerName() != "alice" {
		t.Fatalf("unexpected lock %+v", lock)
	}
}

func TestCreateLockConflictCarriesExistingLock(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			Message:   "already created lock",
			RequestID: "req-9",
			Lock:      &api.Lock{ID: "L7", Path: "a.psd", Owner: &api.Owner{Name: "bob"}},
		})
	}))
	defer srv.Close()

	cli, _ := client.New(srv.URL + "/locks")
	_, err := cli.CreateLock(context.Background(), "a.psd")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Response.Lock == nil || apiErr.Response.Lock.ID != "L7" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if cli.LastRequestID() != "req-9" {
		t.Fatalf("unexpected request id %q", cli.LastRequestID())
	}
	if !strings.Contains(apiErr.Error(), "already created lock") {
		t.Fatalf("unexpected message %q", apiErr.Error())
	}
}

func TestErrorWithNonJSONBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	cli, _ := client.New(srv.URL + "/locks")
	_, err := cli.ListLocks(context.Background(), client.ListOptions{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
	if !strings.Contains(string(apiErr.Body), "bad gateway") {
		t.Fatalf("expected raw body, got %q", apiErr.Body)
	}
}

func TestUnlockPostsForce(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/locks/L1/unlock" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req api.UnlockRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Force {
			t.Error("expected force flag")
		}
		_ = json.NewEncoder(w).Encode(api.LockResponse{Lock: &api.Lock{ID: "L1", Path: "a.psd"}})
	}))
	defer srv.Close()

	cli, _ := client.New(srv.URL + "/locks")
	lock, err := cli.Unlock(context.Background(), "L1", true)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if lock.Path != "a.psd" {
		t.Fatalf("unexpected lock %+v", lock)
	}
	if _, err := cli.Unlock(context.Background(), " ", false); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestListAllLocksFollowsCursor(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		if q.Get("limit") != "100" {
			t.Errorf("unexpected limit %q", q.Get("limit"))
		}
		switch q.Get("cursor") {
		case "":
			_ = json.NewEncoder(w).Encode(api.ListLocksResponse{Locks: []api.Lock{{ID: "1", Path: "a"}}, NextCursor: "c2"})
		case "c2":
			_ = json.NewEncoder(w).Encode(api.ListLocksResponse{Locks: []api.Lock{{ID: "2", Path: "b"}}})
		default:
			t.Errorf("unexpected cursor %q", q.Get("cursor"))
		}
	}))
	defer srv.Close()

	cli, _ := client.New(srv.URL + "/locks")
	locks, err := cli.ListAllLocks(context.Background(), client.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 2 || locks[1].ID != "2" {
		t.Fatalf("unexpected locks %+v", locks)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", calls.Load())
	}
}

func TestListAllLocksStopsOnRepeatedCursor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.ListLocksResponse{Locks: []api.Lock{{ID: "x", Path: "x"}}, NextCursor: "same"})
	}))
	defer srv.Close()

	cli, _ := client.New(srv.URL + "/locks")
	locks, err := cli.ListAllLocks(context.Background(), client.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("expected listing to stop after the cursor repeated, got %d locks", len(locks))
	}
}

func TestListLocksQueryFilters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("path") != "a.psd" || q.Get("id") != "L1" || q.Get("refspec") != "refs/heads/dev" {
			t.Errorf("unexpected query %v", q)
		}
		_ = json.NewEncoder(w).Encode(api.ListLocksResponse{})
	}))
	defer srv.Close()

	cli, _ := client.New(srv.URL+"/locks", client.WithRefspec("refs/heads/main"))
	if _, err := cli.ListLocks(context.Background(), client.ListOptions{Path: "a.psd", ID: "L1", Refspec: "refs/heads/dev"}); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestTokenSourceIsConsultedPerRequest(t *testing.T) {
	t.Parallel()

	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(api.ListLocksResponse{})
	}))
	defer srv.Close()

	token := "one"
	cli, _ := client.New(srv.URL+"/locks", client.WithTokenSource(func() string { return token }))
	_, _ = cli.ListLocks(context.Background(), client.ListOptions{})
	token = "two"
	_, _ = cli.ListLocks(context.Background(), client.ListOptions{})
	if len(seen) != 2 || seen[0] != "Bearer one" || seen[1] != "Bearer two" {
		t.Fatalf("unexpected authorization headers %v", seen)
	}
}
