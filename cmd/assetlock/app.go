package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/assetlock"
	"pkt.systems/assetlock/internal/pathutil"
	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/pslog"
)

const shutdownTimeout = 10 * time.Second

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ASSETLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "assetlock")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "assetlock: %s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// cli carries the state shared by every subcommand of one root command.
type cli struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	logger     pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), baseLogger: svcfields.Ensure(baseLogger)}
	c.logger = svcfields.WithSubsystem(c.baseLogger, "cli.root")

	cmd := &cobra.Command{
		Use:           "assetlock",
		Short:         "assetlock keeps Git LFS file locks in sync for binary assets",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Lock a texture before editing it
  assetlock lock Art/hero.psd

  # Track every binary asset in the working copy
  assetlock track-all

  # Use the locks API and keep the cache fresh until interrupted
  assetlock watch --mode http --metrics-listen 127.0.0.1:9464
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := c.loadConfigFile()
			if err != nil {
				return err
			}
			c.applyLogLevel()
			if configFile != "" {
				c.logger.Debug("cli.config.loaded", "path", configFile)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.assetlock/"+assetlock.DefaultConfigFileName+")")
	flags.StringP("repo", "C", "", "working copy root (defaults to the current directory)")
	flags.String("mode", "", "transport: http (locks API) or cli (git-lfs); empty uses the persisted choice")
	flags.String("locks-url", "", "Git LFS locks endpoint (derived from the remote when empty)")
	flags.String("auth-token", "", "bearer token for the locks API (overrides the settings file)")
	flags.String("remote", assetlock.DefaultRemote, "git remote used to derive the locks URL")
	flags.String("refspec", "", "scope locks API requests to this ref")
	flags.String("git-binary", "git", "git executable")
	flags.String("lfs-binary", "git-lfs", "git-lfs executable")
	flags.String("identity", "", "lock owner name (defaults to git config user.name)")
	flags.Bool("skip-install", false, "do not run git-lfs install on startup")
	flags.Duration("process-timeout", assetlock.DefaultProcessTimeout, "deadline for a single git or git-lfs invocation")
	flags.Duration("debounce-window", assetlock.DefaultDebounceWindow, "reuse identical git-lfs results within this window (negative disables)")
	flags.Duration("http-timeout", assetlock.DefaultHTTPTimeout, "deadline for a single locks API request")
	flags.Duration("ready-timeout", assetlock.DefaultReadyTimeout, "how long a request waits for the lock owner identity")
	flags.Duration("refresh-interval", assetlock.DefaultRefreshInterval, "interval between full remote reconciliations")
	flags.Duration("tick-interval", assetlock.DefaultTickInterval, "reconciliation loop tick")
	flags.Duration("coalesce-delay", assetlock.DefaultCoalesceDelay, "delay before draining newly queued commands (negative disables)")
	flags.String("settings", "", "settings file (defaults to .git/"+assetlock.DefaultSettingsName+")")
	flags.StringSlice("pattern", nil, "include glob for lockable assets (repeatable; defaults to common binary asset types)")
	flags.StringSlice("exclude", nil, "exclude glob (repeatable)")
	flags.String("sniff-limit", humanizeBytes(assetlock.DefaultSniffLimit), "bytes inspected by the binary check (e.g. 1KiB)")
	flags.Bool("track-text", false, "track pattern matches even when they look like text")
	flags.Bool("disable-auto-lock", false, "make edit only check the lock instead of taking it")
	flags.Duration("wait-timeout", 30*time.Second, "how long a command waits for its reconciliation cycle")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	c.v.SetEnvPrefix("ASSETLOCK")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		if err := c.v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(
		newTrackCommand(c),
		newUntrackCommand(c),
		newLockCommand(c),
		newUnlockCommand(c),
		newEditCommand(c),
		newRefreshCommand(c),
		newStatusCommand(c),
		newLocksCommand(c),
		newMoveCommand(c),
		newUnlockAllCommand(c),
		newTrackAllCommand(c),
		newWatchCommand(c),
		newConfigCommand(c),
		newVersionCommand(),
	)
	return cmd
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func (c *cli) applyLogLevel() {
	level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level")))
	if !ok {
		return
	}
	c.baseLogger = c.baseLogger.LogLevel(level)
	c.logger = svcfields.WithSubsystem(c.baseLogger, "cli.root")
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := assetlock.DefaultConfigPath()
		if err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// config assembles an assetlock.Config from flags, environment and the
// config file, in that order of precedence.
func (c *cli) config() (assetlock.Config, error) {
	v := c.v
	cfg := assetlock.Config{
		RepoRoot:        v.GetString("repo"),
		Mode:            v.GetString("mode"),
		LocksURL:        v.GetString("locks-url"),
		AuthToken:       v.GetString("auth-token"),
		Remote:          v.GetString("remote"),
		Refspec:         v.GetString("refspec"),
		GitBinary:       v.GetString("git-binary"),
		LFSBinary:       v.GetString("lfs-binary"),
		Identity:        v.GetString("identity"),
		SkipInstall:     v.GetBool("skip-install"),
		ProcessTimeout:  v.GetDuration("process-timeout"),
		DebounceWindow:  v.GetDuration("debounce-window"),
		HTTPTimeout:     v.GetDuration("http-timeout"),
		ReadyTimeout:    v.GetDuration("ready-timeout"),
		RefreshInterval: v.GetDuration("refresh-interval"),
		TickInterval:    v.GetDuration("tick-interval"),
		CoalesceDelay:   v.GetDuration("coalesce-delay"),
		SettingsPath:    v.GetString("settings"),
		Patterns:        v.GetStringSlice("pattern"),
		Excludes:        v.GetStringSlice("exclude"),
		TrackText:       v.GetBool("track-text"),
		DisableAutoLock: v.GetBool("disable-auto-lock"),
		Telemetry: assetlock.TelemetryConfig{
			OTLPEndpoint:   v.GetString("otlp-endpoint"),
			MetricsListen:  v.GetString("metrics-listen"),
			PprofListen:    v.GetString("pprof-listen"),
			RuntimeMetrics: v.GetBool("runtime-metrics"),
		},
	}
	if raw := strings.TrimSpace(v.GetString("sniff-limit")); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse sniff-limit %q: %w", raw, err)
		}
		cfg.SniffLimit = int64(n)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// session is an open, started manager for the duration of one command.
type session struct {
	*assetlock.Manager
	cli    *cli
	cancel context.CancelFunc
}

func (c *cli) open(ctx context.Context) (*session, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	m, err := assetlock.NewManager(ctx, cfg, assetlock.WithLogger(c.baseLogger))
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := m.Start(runCtx); err != nil {
		cancel()
		return nil, err
	}
	s := &session{Manager: m, cli: c, cancel: cancel}
	if err := m.AwaitReady(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.cli.logger.Warn("cli.shutdown.failed", "error", err)
	}
	s.cancel()
}

// wait blocks on ticket bounded by --wait-timeout.
func (c *cli) wait(ctx context.Context, ticket *assetlock.Ticket) error {
	if ticket == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.v.GetDuration("wait-timeout"))
	defer cancel()
	return ticket.Wait(ctx)
}

// repoPaths maps command-line paths onto repository-relative paths.
func (c *cli) repoPaths(root string, args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		rel, err := pathutil.RepoRelative(root, arg)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}
