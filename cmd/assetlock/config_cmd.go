package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/assetlock"
	"pkt.systems/assetlock/internal/candidates"
)

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage assetlock configuration files",
	}
	cmd.AddCommand(newConfigGenCommand(), newConfigShowCommand(c))
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.assetlock/" + assetlock.DefaultConfigFileName
	if p, err := assetlock.DefaultConfigPath(); err == nil {
		defaultOutput = p
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default assetlock configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				if outPath, err = assetlock.DefaultConfigPath(); err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

func newConfigShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after flags, environment and config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if cfg.AuthToken != "" {
				cfg.AuthToken = "<redacted>"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// configDefaults mirrors the persistent flag names so a generated file can be
// read back through viper unchanged.
type configDefaults struct {
	Mode            string   `yaml:"mode"`
	LocksURL        string   `yaml:"locks-url"`
	Remote          string   `yaml:"remote"`
	Refspec         string   `yaml:"refspec"`
	GitBinary       string   `yaml:"git-binary"`
	LFSBinary       string   `yaml:"lfs-binary"`
	SkipInstall     bool     `yaml:"skip-install"`
	ProcessTimeout  string   `yaml:"process-timeout"`
	DebounceWindow  string   `yaml:"debounce-window"`
	HTTPTimeout     string   `yaml:"http-timeout"`
	ReadyTimeout    string   `yaml:"ready-timeout"`
	RefreshInterval string   `yaml:"refresh-interval"`
	TickInterval    string   `yaml:"tick-interval"`
	CoalesceDelay   string   `yaml:"coalesce-delay"`
	Patterns        []string `yaml:"pattern"`
	Excludes        []string `yaml:"exclude"`
	SniffLimit      string   `yaml:"sniff-limit"`
	TrackText       bool     `yaml:"track-text"`
	DisableAutoLock bool     `yaml:"disable-auto-lock"`
	WaitTimeout     string   `yaml:"wait-timeout"`
	MetricsListen   string   `yaml:"metrics-listen"`
	PprofListen     string   `yaml:"pprof-listen"`
	OTLPEndpoint    string   `yaml:"otlp-endpoint"`
	RuntimeMetrics  bool     `yaml:"runtime-metrics"`
	StatusInterval  string   `yaml:"status-interval"`
	LogLevel        string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Remote:          assetlock.DefaultRemote,
		GitBinary:       "git",
		LFSBinary:       "git-lfs",
		ProcessTimeout:  assetlock.DefaultProcessTimeout.String(),
		DebounceWindow:  assetlock.DefaultDebounceWindow.String(),
		HTTPTimeout:     assetlock.DefaultHTTPTimeout.String(),
		ReadyTimeout:    assetlock.DefaultReadyTimeout.String(),
		RefreshInterval: assetlock.DefaultRefreshInterval.String(),
		TickInterval:    assetlock.DefaultTickInterval.String(),
		CoalesceDelay:   assetlock.DefaultCoalesceDelay.String(),
		Patterns:        append([]string(nil), candidates.DefaultPatterns...),
		Excludes:        []string{},
		SniffLimit:      humanizeBytes(assetlock.DefaultSniffLimit),
		WaitTimeout:     "30s",
		StatusInterval:  "1m0s",
		LogLevel:        "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
