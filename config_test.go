package assetlock

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	root := t.TempDir()
	cfg := Config{RepoRoot: root}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Remote != DefaultRemote {
		t.Fatalf("expected remote %q, got %q", DefaultRemote, cfg.Remote)
	}
	if cfg.GitBinary != "git" || cfg.LFSBinary != "git-lfs" {
		t.Fatalf("unexpected binaries %q %q", cfg.GitBinary, cfg.LFSBinary)
	}
	if cfg.ProcessTimeout != DefaultProcessTimeout || cfg.HTTPTimeout != DefaultHTTPTimeout {
		t.Fatalf("unexpected timeouts %s %s", cfg.ProcessTimeout, cfg.HTTPTimeout)
	}
	if cfg.DebounceWindow != DefaultDebounceWindow || cfg.CoalesceDelay != DefaultCoalesceDelay {
		t.Fatalf("unexpected debounce %s coalesce %s", cfg.DebounceWindow, cfg.CoalesceDelay)
	}
	if cfg.ReadyTimeout != DefaultReadyTimeout || cfg.RefreshInterval != DefaultRefreshInterval || cfg.TickInterval != DefaultTickInterval {
		t.Fatalf("unexpected loop defaults %+v", cfg)
	}
	if want := filepath.Join(root, ".git", DefaultSettingsName); cfg.SettingsPath != want {
		t.Fatalf("expected settings %q, got %q", want, cfg.SettingsPath)
	}
	if cfg.SniffLimit != DefaultSniffLimit {
		t.Fatalf("expected sniff default, got %d", cfg.SniffLimit)
	}
}

func TestConfigValidateNormalizes(t *testing.T) {
	root := t.TempDir()
	cfg := Config{
		RepoRoot:     root,
		Mode:         " HTTP ",
		SettingsPath: "state/settings.yaml",
		Patterns:     []string{" **/*.psd ", ""},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Mode != "http" {
		t.Fatalf("expected lower-cased mode, got %q", cfg.Mode)
	}
	if want := filepath.Join(root, "state", "settings.yaml"); cfg.SettingsPath != want {
		t.Fatalf("expected settings relative to repo, got %q", cfg.SettingsPath)
	}
	if len(cfg.Patterns) != 1 || cfg.Patterns[0] != "**/*.psd" {
		t.Fatalf("unexpected patterns %q", cfg.Patterns)
	}

	disabled := Config{RepoRoot: root, DebounceWindow: -1, CoalesceDelay: -1}
	if err := disabled.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if disabled.DebounceWindow != 0 || disabled.CoalesceDelay != 0 {
		t.Fatalf("negative values should disable, got %s %s", disabled.DebounceWindow, disabled.CoalesceDelay)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"mode", Config{Mode: "svn"}, "mode"},
		{"locks url", Config{LocksURL: "ftp://example.com/locks"}, "locks url"},
		{"negative timeout", Config{ProcessTimeout: -time.Second}, "process timeout"},
		{"negative http timeout", Config{HTTPTimeout: -time.Millisecond}, "http timeout"},
		{"tick above refresh", Config{TickInterval: time.Minute, RefreshInterval: time.Second}, "tick interval"},
		{"sniff", Config{SniffLimit: -1}, "sniff"},
		{"runtime metrics", Config{Telemetry: TelemetryConfig{RuntimeMetrics: true}}, "metrics-listen"},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		cfg.RepoRoot = t.TempDir()
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigDirEnv, dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %q", path)
	}
}

func TestDefaultConfigDirHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(ConfigDirEnv, "")
	t.Setenv("HOME", home)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != filepath.Join(home, ".assetlock") {
		t.Fatalf("unexpected config dir %q", got)
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:9000", otlpTarget{protocol: "grpc", endpoint: "collector:9000", insecure: true}},
		{"grpcs://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{"https://collector:443", otlpTarget{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.in, got, tc.want)
		}
	}
	if _, err := resolveOTLPTarget("udp://collector"); err == nil {
		t.Fatal("expected unknown scheme error")
	}
}
