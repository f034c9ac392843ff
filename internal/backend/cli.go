package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/assetlock/api"
	"pkt.systems/assetlock/internal/process"
	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/assetlock/lockerr"
	"pkt.systems/assetlock/record"
	"pkt.systems/pslog"
)

const (
	// DefaultLFSBinary is the git-lfs executable name.
	DefaultLFSBinary = "git-lfs"
	// DefaultGitBinary is the git executable name.
	DefaultGitBinary = "git"
)

// CLIOption configures a CLI backend.
type CLIOption func(*CLI)

// WithLFSBinary overrides the git-lfs executable.
func WithLFSBinary(bin string) CLIOption {
	return func(c *CLI) {
		if bin = strings.TrimSpace(bin); bin != "" {
			c.lfs = bin
		}
	}
}

// WithGitBinary overrides the git executable.
func WithGitBinary(bin string) CLIOption {
	return func(c *CLI) {
		if bin = strings.TrimSpace(bin); bin != "" {
			c.git = bin
		}
	}
}

// WithIdentity pins the identity instead of reading git config.
func WithIdentity(identity string) CLIOption {
	return func(c *CLI) {
		c.identity = strings.TrimSpace(identity)
	}
}

// WithSkipInstall skips `git-lfs install` during Initialize.
func WithSkipInstall(skip bool) CLIOption {
	return func(c *CLI) {
		c.skipInstall = skip
	}
}

// WithCLILogger attaches a logger.
func WithCLILogger(logger pslog.Logger) CLIOption {
	return func(c *CLI) {
		c.logger = svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.Backend, "cli"))
	}
}

// CLI drives the git-lfs executable.
type CLI struct {
	runner      process.Runner
	lfs         string
	git         string
	identity    string
	skipInstall bool
	logger      pslog.Logger
}

// NewCLI returns a CLI backend executing through runner.
func NewCLI(runner process.Runner, opts ...CLIOption) *CLI {
	c := &CLI{
		runner: runner,
		lfs:    DefaultLFSBinary,
		git:    DefaultGitBinary,
		logger: svcfields.WithSubsystem(nil, svcfields.Subsystem(svcfields.Backend, "cli")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name implements Backend.
func (c *CLI) Name() string { return string(ModeCLI) }

// Initialize installs the git-lfs hooks and resolves the identity from git
// config, preferring the repository value over the global one.
func (c *CLI) Initialize(ctx context.Context) (string, error) {
	if !c.skipInstall {
		if _, err := c.runner.Run(ctx, c.lfs, "install"); err != nil {
			return "", fmt.Errorf("backend: git-lfs install: %w", err)
		}
	}
	if c.identity != "" {
		return c.identity, nil
	}
	identity, err := c.gitConfig(ctx, "user.name")
	if err != nil || identity == "" {
		identity, err = c.gitConfig(ctx, "--global", "user.name")
	}
	if err != nil {
		return "", fmt.Errorf("backend: resolve identity: %w", err)
	}
	if identity == "" {
		return "", fmt.Errorf("backend: resolve identity: user.name is not set")
	}
	c.logger.Info("backend.cli.identity", "identity", identity)
	return identity, nil
}

func (c *CLI) gitConfig(ctx context.Context, args ...string) (string, error) {
	res, err := c.runner.Run(ctx, c.git, append([]string{"config"}, args...)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Track marks path lockable.
func (c *CLI) Track(ctx context.Context, path string) error {
	_, err := c.runner.Run(ctx, c.lfs, "track", "--filename", "--lockable", path)
	return err
}

// Untrack stops tracking path.
func (c *CLI) Untrack(ctx context.Context, path string) error {
	_, err := c.runner.Run(ctx, c.lfs, "untrack", path)
	return err
}

// CreateLock runs `git-lfs lock --json <path>`.
func (c *CLI) CreateLock(ctx context.Context, path string) (record.Record, error) {
	res, err := c.runner.Run(ctx, c.lfs, "lock", "--json", path)
	if err != nil {
		return record.Record{}, classifyProcessError(err, path)
	}
	var lock api.Lock
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &lock); err != nil {
		return record.Record{}, fmt.Errorf("backend: parse lock output: %w", err)
	}
	if lock.Path == "" {
		lock.Path = path
	}
	return FromLock(lock), nil
}

// DeleteLock runs `git-lfs unlock [--force] (--id=<id> | <path>)`.
func (c *CLI) DeleteLock(ctx context.Context, ref LockRef, force bool) (record.Record, error) {
	args := []string{"unlock"}
	if force {
		args = append(args, "--force")
		ctx = process.Fresh(ctx)
	}
	if ref.ID != "" {
		args = append(args, "--id="+ref.ID)
	} else {
		args = append(args, ref.Path)
	}
	if _, err := c.runner.Run(ctx, c.lfs, args...); err != nil {
		return record.Record{}, classifyProcessError(err, ref.Path)
	}
	return record.FromPath("", ref.Path), nil
}

// ListLocks runs `git-lfs locks --json` with the filter flags.
func (c *CLI) ListLocks(ctx context.Context, filter Filter) ([]record.Record, error) {
	args := []string{"locks", "--json"}
	if filter.Path != "" {
		args = append(args, "--path="+filter.Path)
	}
	if filter.ID != "" {
		args = append(args, "--id="+filter.ID)
	}
	if filter.Limit > 0 {
		args = append(args, "--limit="+strconv.Itoa(filter.Limit))
	}
	if filter.Refspec != "" {
		args = append(args, "--ref="+filter.Refspec)
	}
	res, err := c.runner.Run(ctx, c.lfs, args...)
	if err != nil {
		return nil, err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" || out == "null" {
		return nil, nil
	}
	var locks []api.Lock
	if err := json.Unmarshal([]byte(out), &locks); err != nil {
		return nil, fmt.Errorf("backend: parse locks output: %w", err)
	}
	return fromLocks(locks), nil
}

// RepoRoot returns the top level of the working copy.
func (c *CLI) RepoRoot(ctx context.Context) (string, error) {
	res, err := c.runner.Run(ctx, c.git, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RemoteURL returns the fetch URL of remote as printed by `git remote -v`.
func (c *CLI) RemoteURL(ctx context.Context, remote string) (string, error) {
	res, err := c.runner.Run(ctx, c.git, "remote", "-v")
	if err != nil {
		return "", err
	}
	return parseRemoteFetchURL(res.Stdout, remote)
}

func classifyProcessError(err error, path string) error {
	var perr *lockerr.ProcessError
	if !errors.As(err, &perr) {
		return err
	}
	msg := strings.ToLower(perr.Stderr)
	switch {
	case strings.Contains(msg, "already created lock"), strings.Contains(msg, "lock exists"), strings.Contains(msg, "locked by"):
		return &lockerr.RemoteError{Kind: lockerr.ErrConflict, Message: strings.TrimSpace(perr.Stderr), Lock: record.FromPath("", path), Err: err}
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "permission denied"), strings.Contains(msg, "unauthorized"):
		return &lockerr.RemoteError{Kind: lockerr.ErrUnauthorized, Message: strings.TrimSpace(perr.Stderr), Err: err}
	}
	return err
}
