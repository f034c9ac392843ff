package backend

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/assetlock/client"
	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
	"pkt.systems/pslog"
)

// HTTP performs lock operations against the locks REST API. Tracking and
// identity have no API counterpart and are delegated to the CLI backend.
type HTTP struct {
	api    *client.Client
	local  *CLI
	logger pslog.Logger
}

// NewHTTP returns an HTTP backend.
func NewHTTP(api *client.Client, local *CLI, logger pslog.Logger) *HTTP {
	return &HTTP{
		api:    api,
		local:  local,
		logger: svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.Backend, "http")),
	}
}

// Name implements Backend.
func (h *HTTP) Name() string { return string(ModeHTTP) }

// Initialize delegates to the CLI backend.
func (h *HTTP) Initialize(ctx context.Context) (string, error) {
	return h.local.Initialize(ctx)
}

// Track delegates to the CLI backend.
func (h *HTTP) Track(ctx context.Context, path string) error {
	return h.local.Track(ctx, path)
}

// Untrack delegates to the CLI backend.
func (h *HTTP) Untrack(ctx context.Context, path string) error {
	return h.local.Untrack(ctx, path)
}

// CreateLock implements Backend.
func (h *HTTP) CreateLock(ctx context.Context, path string) (record.Record, error) {
	lock, err := h.api.CreateLock(ctx, path)
	if err != nil {
		return record.Record{}, h.mapError(err)
	}
	return FromLock(*lock), nil
}

// DeleteLock implements Backend. A ref without an id is resolved through a
// filtered listing; a path with no lock is reported as already unlocked.
func (h *HTTP) DeleteLock(ctx context.Context, ref LockRef, force bool) (record.Record, error) {
	id := ref.ID
	if id == "" {
		resp, err := h.api.ListLocks(ctx, client.ListOptions{Path: ref.Path, Limit: 1})
		if err != nil {
			return record.Record{}, h.mapError(err)
		}
		if len(resp.Locks) == 0 {
			return record.FromPath("", ref.Path), nil
		}
		id = resp.Locks[0].ID
	}
	lock, err := h.api.Unlock(ctx, id, force)
	if err != nil {
		return record.Record{}, h.mapError(err)
	}
	path := lock.Path
	if path == "" {
		path = ref.Path
	}
	return record.FromPath("", path), nil
}

// ListLocks implements Backend. Without a cursor every page is fetched.
func (h *HTTP) ListLocks(ctx context.Context, filter Filter) ([]record.Record, error) {
	opts := client.ListOptions{
		Path:    filter.Path,
		ID:      filter.ID,
		Cursor:  filter.Cursor,
		Limit:   filter.Limit,
		Refspec: filter.Refspec,
	}
	if filter.Cursor != "" {
		resp, err := h.api.ListLocks(ctx, opts)
		if err != nil {
			return nil, h.mapError(err)
		}
		return fromLocks(resp.Locks), nil
	}
	locks, err := h.api.ListAllLocks(ctx, opts)
	if err != nil {
		return nil, h.mapError(err)
	}
	return fromLocks(locks), nil
}

// mapError converts client errors into the lockerr taxonomy: 409 conflict,
// 403 unauthorized, anything else (and transport failures) a server error.
// Caller cancellation is passed through untouched.
func (h *HTTP) mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		h.logger.Warn("backend.http.transport_error", "error", err)
		return &lockerr.RemoteError{Kind: lockerr.ErrRemoteServer, Err: err}
	}
	out := &lockerr.RemoteError{
		Status:           apiErr.Status,
		Message:          apiErr.Response.Message,
		DocumentationURL: apiErr.Response.DocumentationURL,
		RequestID:        apiErr.Response.RequestID,
		Err:              apiErr,
	}
	switch apiErr.Status {
	case http.StatusConflict:
		out.Kind = lockerr.ErrConflict
		if apiErr.Response.Lock != nil {
			out.Lock = FromLock(*apiErr.Response.Lock)
		}
	case http.StatusForbidden:
		out.Kind = lockerr.ErrUnauthorized
	default:
		out.Kind = lockerr.ErrRemoteServer
	}
	return out
}
