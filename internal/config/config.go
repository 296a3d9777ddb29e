// Package config loads, normalizes, and validates opentmuxd's runtime
// tunables. A Config is frozen once constructed: callers read it, never
// mutate it, and every field has already been snapped into its declared
// range by Normalize.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB

	minMainPaneSize = 20
	maxMainPaneSize = 80

	minAgentsPerColumn = 1
	maxAgentsPerColumn = 10

	minSpawnDelayMs = 50
	maxSpawnDelayMs = 2000

	minRetryAttempts = 0
	maxRetryAttempts = 5

	minLayoutDebounceMs = 50
	maxLayoutDebounceMs = 1000

	minPorts = 1
	maxPorts = 100
)

// legacyConfigFileName is the pre-rename config file name, still honored
// for discovery so upgrading users keep their existing settings.
const (
	primaryConfigFileName = "opentmux.json"
	legacyConfigFileName  = "opencode-agent-tmux.json"
)

var userHomeDirFn = os.UserHomeDir

// Layout is one of the tmux layout presets opentmuxd knows how to apply.
type Layout string

const (
	LayoutMainHorizontal Layout = "main-horizontal"
	LayoutMainVertical   Layout = "main-vertical"
	LayoutTiled          Layout = "tiled"
	LayoutEvenHorizontal Layout = "even-horizontal"
	LayoutEvenVertical   Layout = "even-vertical"
)

func (l Layout) valid() bool {
	switch l {
	case LayoutMainHorizontal, LayoutMainVertical, LayoutTiled, LayoutEvenHorizontal, LayoutEvenVertical:
		return true
	default:
		return false
	}
}

// Config is opentmuxd's process-scoped, immutable runtime configuration.
// It is loaded once at init and never mutated thereafter; Clone exists for
// callers that want their own copy to hold onto across goroutines.
type Config struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	ServerURL           string `json:"serverUrl" yaml:"serverUrl"`
	Layout              Layout `json:"layout" yaml:"layout"`
	MainPaneSize        int    `json:"mainPaneSize" yaml:"mainPaneSize"`
	MaxAgentsPerColumn  int    `json:"maxAgentsPerColumn" yaml:"maxAgentsPerColumn"`
	SpawnDelayMs        int    `json:"spawnDelayMs" yaml:"spawnDelayMs"`
	MaxRetryAttempts    int    `json:"maxRetryAttempts" yaml:"maxRetryAttempts"`
	LayoutDebounceMs    int    `json:"layoutDebounceMs" yaml:"layoutDebounceMs"`
	ReaperEnabled       bool   `json:"reaperEnabled" yaml:"reaperEnabled"`
	ReaperIntervalMs    int    `json:"reaperIntervalMs" yaml:"reaperIntervalMs"`
	ReaperMinZombieChks int    `json:"reaperMinZombieChecks" yaml:"reaperMinZombieChecks"`
	ReaperGracePeriodMs int    `json:"reaperGracePeriodMs" yaml:"reaperGracePeriodMs"`
	RotatePort          bool   `json:"rotatePort" yaml:"rotatePort"`
	MaxPorts            int    `json:"maxPorts" yaml:"maxPorts"`

	// SocketPath and LogLevel are ambient daemon-process tunables; they are
	// not part of the pane-lifecycle contract in spec but are required to
	// run the process standalone. Both are normalized the same way as the
	// rest of Config: out-of-range/empty values snap to a default.
	SocketPath string `json:"socketPath" yaml:"socketPath"`
	LogLevel   string `json:"logLevel" yaml:"logLevel"`
}

// Default returns opentmuxd's default configuration.
func Default() Config {
	return Config{
		Enabled:             true,
		ServerURL:           "",
		Layout:              LayoutMainVertical,
		MainPaneSize:        60,
		MaxAgentsPerColumn:  6,
		SpawnDelayMs:        300,
		MaxRetryAttempts:    2,
		LayoutDebounceMs:    150,
		ReaperEnabled:       true,
		ReaperIntervalMs:    30_000,
		ReaperMinZombieChks: 3,
		ReaperGracePeriodMs: 5_000,
		RotatePort:          false,
		MaxPorts:            10,
		SocketPath:          defaultSocketPath(),
		LogLevel:            "info",
	}
}

func defaultSocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("opentmuxd-%d.sock", os.Getpid()))
}

// LoadFromDirectory searches dir for opentmux.json, then the legacy
// opencode-agent-tmux.json name, then falls back to
// $HOME/.config/opencode/opentmux.json. The first file that exists and
// parses successfully wins; any other failure (including "nothing found")
// falls back to Default().
func LoadFromDirectory(dir string) Config {
	candidates := make([]string, 0, 3)
	if dir != "" {
		candidates = append(candidates,
			filepath.Join(dir, primaryConfigFileName),
			filepath.Join(dir, legacyConfigFileName),
		)
	}
	if home, err := userHomeDirFn(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "opencode", primaryConfigFileName))
	}

	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if int64(len(raw)) > maxConfigFileBytes {
			slog.Warn("[config] config file exceeds size limit, skipping", "path", path, "bytes", len(raw))
			continue
		}
		cfg, err := ParseFromString(string(raw))
		if err != nil {
			slog.Warn("[config] failed to parse config file, trying next candidate", "path", path, "error", err)
			continue
		}
		return cfg
	}
	return Default()
}

// ParseFromString parses text (JSON, which is valid YAML, covering both
// this project's on-disk schema and any future YAML config) into a Config.
// Unknown keys are ignored. On parse failure, Default() is returned
// alongside the error.
func ParseFromString(text string) (Config, error) {
	cfg := Default()
	if text == "" {
		return cfg, nil
	}
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return Default(), err
	}
	return Normalize(cfg), nil
}

// MaxRetryAttemptsUnset marks an override's MaxRetryAttempts as "not
// provided" to Merge. Every other numeric field's Go zero value doubles as
// its own "unset" marker because 0 is out of that field's declared range;
// maxRetryAttempts is the one field whose declared range (spec.md's 0-5)
// includes 0 as a legal value, so callers building an override Config must
// set this sentinel explicitly to leave maxRetryAttempts untouched.
const MaxRetryAttemptsUnset = -1

// Merge overlays override on top of base: any override field that differs
// from the zero value of its type replaces the corresponding base field.
// The result is re-normalized before being returned. There are two
// exceptions: MaxRetryAttempts' "unset" value is MaxRetryAttemptsUnset, not
// 0 (see that constant's doc), and the bool fields (Enabled, ReaperEnabled,
// RotatePort) are always taken from override, false included.
func Merge(base, override Config) Config {
	out := base

	if override.ServerURL != "" {
		out.ServerURL = override.ServerURL
	}
	if override.Layout != "" {
		out.Layout = override.Layout
	}
	if override.MainPaneSize != 0 {
		out.MainPaneSize = override.MainPaneSize
	}
	if override.MaxAgentsPerColumn != 0 {
		out.MaxAgentsPerColumn = override.MaxAgentsPerColumn
	}
	if override.SpawnDelayMs != 0 {
		out.SpawnDelayMs = override.SpawnDelayMs
	}
	if override.MaxRetryAttempts != MaxRetryAttemptsUnset {
		out.MaxRetryAttempts = override.MaxRetryAttempts
	}
	if override.LayoutDebounceMs != 0 {
		out.LayoutDebounceMs = override.LayoutDebounceMs
	}
	if override.ReaperIntervalMs != 0 {
		out.ReaperIntervalMs = override.ReaperIntervalMs
	}
	if override.ReaperMinZombieChks != 0 {
		out.ReaperMinZombieChks = override.ReaperMinZombieChks
	}
	if override.ReaperGracePeriodMs != 0 {
		out.ReaperGracePeriodMs = override.ReaperGracePeriodMs
	}
	if override.MaxPorts != 0 {
		out.MaxPorts = override.MaxPorts
	}
	if override.SocketPath != "" {
		out.SocketPath = override.SocketPath
	}
	if override.LogLevel != "" {
		out.LogLevel = override.LogLevel
	}
	// Bools have no "unset" value distinct from false, so a caller wanting
	// to override one of these must supply the full override struct
	// (typically built by copying base and flipping one field) rather than
	// a sparse partial; overrides always win outright.
	out.Enabled = override.Enabled
	out.ReaperEnabled = override.ReaperEnabled
	out.RotatePort = override.RotatePort

	return Normalize(out)
}

// Normalize snaps every numeric field into its declared range and
// substitutes defaults for missing or out-of-range values. It never
// mutates its argument; it returns the normalized copy.
func Normalize(cfg Config) Config {
	def := Default()

	if !cfg.Layout.valid() {
		cfg.Layout = def.Layout
	}
	cfg.MainPaneSize = clamp(cfg.MainPaneSize, minMainPaneSize, maxMainPaneSize, def.MainPaneSize)
	cfg.MaxAgentsPerColumn = clamp(cfg.MaxAgentsPerColumn, minAgentsPerColumn, maxAgentsPerColumn, def.MaxAgentsPerColumn)
	cfg.SpawnDelayMs = clamp(cfg.SpawnDelayMs, minSpawnDelayMs, maxSpawnDelayMs, def.SpawnDelayMs)
	cfg.MaxRetryAttempts = clamp(cfg.MaxRetryAttempts, minRetryAttempts, maxRetryAttempts, def.MaxRetryAttempts)
	cfg.LayoutDebounceMs = clamp(cfg.LayoutDebounceMs, minLayoutDebounceMs, maxLayoutDebounceMs, def.LayoutDebounceMs)
	cfg.MaxPorts = clamp(cfg.MaxPorts, minPorts, maxPorts, def.MaxPorts)

	if cfg.ReaperIntervalMs <= 0 {
		cfg.ReaperIntervalMs = def.ReaperIntervalMs
	}
	if cfg.ReaperMinZombieChks <= 0 {
		cfg.ReaperMinZombieChks = def.ReaperMinZombieChks
	}
	if cfg.ReaperGracePeriodMs <= 0 {
		cfg.ReaperGracePeriodMs = def.ReaperGracePeriodMs
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = def.SocketPath
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		cfg.LogLevel = def.LogLevel
	}

	return cfg
}

// clamp substitutes def for any v outside [lo, hi]; a v inside the range,
// including 0 when lo is 0 (maxRetryAttempts' floor), is preserved as-is
// rather than pinned to the nearer bound.
func clamp(v, lo, hi, def int) int {
	if v < lo || v > hi {
		return def
	}
	return v
}

// Validate rejects a Config whose layout is empty or not one of the known
// presets (Normalize never produces either); every numeric field is already
// in-range by construction once it has passed through Normalize.
func Validate(cfg Config) error {
	if cfg.Layout == "" {
		return errors.New("config: layout must not be empty")
	}
	if !cfg.Layout.valid() {
		return errors.New("config: invalid layout")
	}
	return nil
}

// Clone returns a deep copy of cfg. Config currently has no mutable shared
// references (no maps/slices/pointers), so this is a value copy; Clone
// exists so callers don't need to know that invariant holds to be safe
// sharing a Config across goroutines.
func Clone(cfg Config) Config {
	return cfg
}
