// Package assetlock keeps a Git LFS working copy's view of file locks in step
// with the remote locking service. It serializes every Track, Untrack, Lock,
// Unlock and RefreshOne request through a single executor, reconciles the
// local lock cache with a full remote listing on a fixed cadence, and talks
// to the remote either through the Git LFS locks REST API or by spawning
// git-lfs, downgrading from the former to the latter on server errors.
//
// # Embedding a manager
//
// A Manager owns the engine for one working copy. Start loads the cache that
// the previous Shutdown persisted, resolves the lock owner identity in the
// background and runs the reconciliation loop until Shutdown.
//
//	cfg := assetlock.Config{
//	    RepoRoot: "/src/game",
//	    Mode:     "http",
//	}
//	m, err := assetlock.NewManager(ctx, cfg, assetlock.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	if err := m.Start(ctx); err != nil { log.Fatal(err) }
//	defer m.Shutdown(context.Background())
//
// # Tickets
//
// Mutating calls validate against the cache plus the effect of commands that
// are already queued, enqueue, and return a *Ticket. Wait blocks until the
// reconciliation cycle that drains those commands has finished and reports
// both the commands' own failures and the cycle's listing error. A nil
// Ticket means nothing had to be done.
//
//	t, err := m.Lock(ctx, "Art/hero.psd", false)
//	if err != nil { return err } // lockerr.ErrValidation, lockerr.ErrNotReady
//	if err := t.Wait(ctx); err != nil { return err }
//
// Passing force=true skips validation: a forced Lock tracks the path when
// needed and releases any existing lock first, a forced Unlock ignores the
// owner.
//
// # Settings
//
// The engine persists a few keys (lock_cache, use_http, auth_token,
// locks_url) in a YAML file under .git. The file is locked across processes
// and watched, so a rotated auth_token applies to the next request.
//
// # Telemetry
//
// StartTelemetry exports traces over OTLP and serves Prometheus metrics for
// commands, cycles and queue depth. The assetlock CLI wires both behind the
// --otlp-endpoint and --metrics-listen flags.
package assetlock
