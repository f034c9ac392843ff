package assetlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/assetlock/client"
	"pkt.systems/assetlock/internal/backend"
	"pkt.systems/assetlock/internal/candidates"
	"pkt.systems/assetlock/internal/core"
	"pkt.systems/assetlock/internal/pathutil"
	"pkt.systems/assetlock/internal/process"
)

const (
	// DefaultMode is the transport used when neither the config nor the
	// settings file chooses one.
	DefaultMode = backend.ModeCLI
	// DefaultRemote is the git remote whose fetch URL derives the locks URL.
	DefaultRemote = backend.DefaultRemote
	// DefaultProcessTimeout bounds a single git or git-lfs invocation.
	DefaultProcessTimeout = process.DefaultTimeout
	// DefaultDebounceWindow is how long an identical invocation reuses the
	// previous result.
	DefaultDebounceWindow = process.DefaultDebounce
	// DefaultHTTPTimeout bounds a single locks API request.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultReadyTimeout bounds how long a call waits for the identity.
	DefaultReadyTimeout = backend.DefaultReadyTimeout
	// DefaultRefreshInterval is the countdown between reconciliation cycles.
	DefaultRefreshInterval = core.DefaultRefreshInterval
	// DefaultTickInterval is the loop tick.
	DefaultTickInterval = core.DefaultTickInterval
	// DefaultCoalesceDelay postpones a cycle after an enqueue.
	DefaultCoalesceDelay = core.DefaultCoalesceDelay
	// DefaultSniffLimit is how many leading bytes the binary check reads.
	DefaultSniffLimit = candidates.DefaultSniffLimit
	// DefaultSettingsName is the settings file created inside .git.
	DefaultSettingsName = "assetlock.yaml"
	// DefaultConfigFileName is the CLI config file inside DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// ConfigDirEnv overrides DefaultConfigDir.
	ConfigDirEnv = "ASSETLOCK_CONFIG_DIR"
)

// Config captures the runtime configuration of a Manager.
type Config struct {
	// RepoRoot is the working copy. Empty resolves the current directory.
	RepoRoot string `yaml:"repo"`
	// Mode selects the transport ("http" or "cli"). Empty defers to the
	// persisted use_http setting, then DefaultMode.
	Mode string `yaml:"mode"`
	// LocksURL overrides the locks endpoint. Empty defers to the locks_url
	// setting, then to the URL derived from Remote.
	LocksURL string `yaml:"locks-url"`
	// AuthToken overrides the auth_token setting.
	AuthToken string `yaml:"auth-token"`
	Remote    string `yaml:"remote"`
	// Refspec scopes locks API requests to a ref.
	Refspec   string `yaml:"refspec"`
	GitBinary string `yaml:"git-binary"`
	LFSBinary string `yaml:"lfs-binary"`
	// Identity pins the lock owner name instead of reading git config.
	Identity    string `yaml:"identity"`
	SkipInstall bool   `yaml:"skip-install"`

	ProcessTimeout  time.Duration `yaml:"process-timeout"`
	DebounceWindow  time.Duration `yaml:"debounce-window"`
	HTTPTimeout     time.Duration `yaml:"http-timeout"`
	ReadyTimeout    time.Duration `yaml:"ready-timeout"`
	RefreshInterval time.Duration `yaml:"refresh-interval"`
	TickInterval    time.Duration `yaml:"tick-interval"`
	CoalesceDelay   time.Duration `yaml:"coalesce-delay"`

	// SettingsPath is the settings YAML. Empty uses .git/assetlock.yaml.
	SettingsPath string `yaml:"settings"`

	Patterns   []string `yaml:"patterns"`
	Excludes   []string `yaml:"excludes"`
	SniffLimit int64    `yaml:"sniff-limit"`
	TrackText  bool     `yaml:"track-text"`

	DisableAutoLock bool `yaml:"disable-auto-lock"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	root, err := pathutil.ExpandUserAndEnv(c.RepoRoot)
	if err != nil {
		return fmt.Errorf("config: repo: %w", err)
	}
	if root == "" {
		root = "."
	}
	if root, err = filepath.Abs(root); err != nil {
		return fmt.Errorf("config: repo: %w", err)
	}
	c.RepoRoot = root

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode != "" {
		if _, ok := backend.ParseMode(c.Mode); !ok {
			return fmt.Errorf("config: mode must be %q or %q", backend.ModeHTTP, backend.ModeCLI)
		}
	}
	c.LocksURL = strings.TrimSpace(c.LocksURL)
	if c.LocksURL != "" && !strings.HasPrefix(c.LocksURL, "http://") && !strings.HasPrefix(c.LocksURL, "https://") {
		return fmt.Errorf("config: locks url must be http(s): %q", c.LocksURL)
	}
	c.AuthToken = strings.TrimSpace(c.AuthToken)
	if c.Remote = strings.TrimSpace(c.Remote); c.Remote == "" {
		c.Remote = DefaultRemote
	}
	if c.GitBinary = strings.TrimSpace(c.GitBinary); c.GitBinary == "" {
		c.GitBinary = backend.DefaultGitBinary
	}
	if c.LFSBinary = strings.TrimSpace(c.LFSBinary); c.LFSBinary == "" {
		c.LFSBinary = backend.DefaultLFSBinary
	}

	// Zero selects the default. The debounce window and coalesce delay treat a
	// negative value as disabled.
	durations := []struct {
		name      string
		value     *time.Duration
		fallback  time.Duration
		disabling bool
	}{
		{"process timeout", &c.ProcessTimeout, DefaultProcessTimeout, false},
		{"debounce window", &c.DebounceWindow, DefaultDebounceWindow, true},
		{"http timeout", &c.HTTPTimeout, DefaultHTTPTimeout, false},
		{"ready timeout", &c.ReadyTimeout, DefaultReadyTimeout, false},
		{"refresh interval", &c.RefreshInterval, DefaultRefreshInterval, false},
		{"tick interval", &c.TickInterval, DefaultTickInterval, false},
		{"coalesce delay", &c.CoalesceDelay, DefaultCoalesceDelay, true},
	}
	for _, d := range durations {
		switch {
		case *d.value < 0 && d.disabling:
			*d.value = 0
		case *d.value < 0:
			return fmt.Errorf("config: %s must be >= 0", d.name)
		case *d.value == 0:
			*d.value = d.fallback
		}
	}
	if c.TickInterval > c.RefreshInterval {
		return fmt.Errorf("config: tick interval %s exceeds refresh interval %s", c.TickInterval, c.RefreshInterval)
	}

	if c.SettingsPath, err = pathutil.ExpandUserAndEnv(c.SettingsPath); err != nil {
		return fmt.Errorf("config: settings: %w", err)
	}
	if c.SettingsPath == "" {
		c.SettingsPath = filepath.Join(c.RepoRoot, ".git", DefaultSettingsName)
	} else if !filepath.IsAbs(c.SettingsPath) {
		c.SettingsPath = filepath.Join(c.RepoRoot, c.SettingsPath)
	}

	if c.SniffLimit < 0 {
		return fmt.Errorf("config: sniff limit must be >= 0")
	}
	if c.SniffLimit == 0 {
		c.SniffLimit = DefaultSniffLimit
	}
	c.Patterns = trimEmpty(c.Patterns)
	c.Excludes = trimEmpty(c.Excludes)

	if c.Telemetry.RuntimeMetrics && strings.TrimSpace(c.Telemetry.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	return nil
}

func trimEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DefaultConfigDir returns the CLI configuration directory: $ASSETLOCK_CONFIG_DIR
// when set, else ~/.assetlock.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(ConfigDirEnv)); override != "" {
		expanded, err := pathutil.ExpandUserAndEnv(override)
		if err != nil {
			return "", err
		}
		return filepath.Abs(expanded)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".assetlock"), nil
}

// DefaultConfigPath returns DefaultConfigDir joined with DefaultConfigFileName.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
