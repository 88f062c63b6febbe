package petalmacro

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalmacro/convert"
	"github.com/petal-labs/petalmacro/macro"
	"github.com/petal-labs/petalmacro/runtime"
	"github.com/petal-labs/petalmacro/symbol"
	"github.com/petal-labs/petalmacro/undo"
)

const (
	projectConfigName = "petalmacro.yaml"
	homeConfigName    = "config.yaml"

	defaultRootName        = "ui"
	defaultReplayCacheSize = 256
)

// Config holds the recording defaults of a session. The zero value of a
// field means "use the default".
type Config struct {
	// RootName is the variable the root node records under (default "ui").
	RootName string `yaml:"root_name,omitempty"`

	// MacroMaxHistory bounds the trace (default 100000).
	MacroMaxHistory int `yaml:"macro_max_history,omitempty"`

	// UndoMaxHistory bounds the undo stack (default 100).
	UndoMaxHistory int `yaml:"undo_max_history,omitempty"`

	// NonUndoable is the policy for recorded calls without a reverse:
	// "clear_redo" (default) or "clear_history".
	NonUndoable string `yaml:"non_undoable,omitempty"`

	// MaxInlineElements bounds inline lists and dicts (default 256).
	MaxInlineElements int `yaml:"max_inline_elements,omitempty"`

	// StoredMaxSize bounds each stored-value slot; 0 keeps every value.
	StoredMaxSize int `yaml:"stored_max_size,omitempty"`

	// MaxWorkers bounds concurrently running deferred bodies (default 4).
	MaxWorkers int `yaml:"max_workers,omitempty"`

	// TimestampHeader adds a "# recorded at" line to rendered macros.
	TimestampHeader bool `yaml:"timestamp_header,omitempty"`

	// ReplayCacheSize is the number of parsed lines cached for replay
	// (default 256).
	ReplayCacheSize int `yaml:"replay_cache_size,omitempty"`

	// Autosave configures periodic macro snapshots.
	Autosave AutosaveConfig `yaml:"autosave,omitempty"`
}

// AutosaveConfig configures the Autosaver.
type AutosaveConfig struct {
	// Schedule is a five-field UTC cron expression. Empty disables autosave.
	Schedule string `yaml:"schedule,omitempty"`

	// Store is the archive DSN: a SQLite path or a postgres:// URL.
	// Environment variables are expanded.
	Store string `yaml:"store,omitempty"`
}

// DefaultConfig returns the process-wide defaults.
func DefaultConfig() Config {
	return Config{
		RootName:          defaultRootName,
		MacroMaxHistory:   macro.DefaultMaxLen,
		UndoMaxHistory:    undo.DefaultMaxDepth,
		NonUndoable:       undo.ClearRedo.String(),
		MaxInlineElements: convert.DefaultMaxInline,
		MaxWorkers:        runtime.DefaultMaxWorkers,
		ReplayCacheSize:   defaultReplayCacheSize,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RootName == "" {
		c.RootName = d.RootName
	}
	if c.MacroMaxHistory <= 0 {
		c.MacroMaxHistory = d.MacroMaxHistory
	}
	if c.UndoMaxHistory <= 0 {
		c.UndoMaxHistory = d.UndoMaxHistory
	}
	if c.NonUndoable == "" {
		c.NonUndoable = d.NonUndoable
	}
	if c.MaxInlineElements <= 0 {
		c.MaxInlineElements = d.MaxInlineElements
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.ReplayCacheSize <= 0 {
		c.ReplayCacheSize = d.ReplayCacheSize
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if !symbol.IsIdent(c.RootName) {
		return fmt.Errorf("root_name %q: %w", c.RootName, ErrInvalidName)
	}
	if _, err := undo.ParsePolicy(c.NonUndoable); err != nil {
		return err
	}
	if c.StoredMaxSize < 0 {
		return fmt.Errorf("stored_max_size must not be negative, got %d", c.StoredMaxSize)
	}
	if c.Autosave.Schedule != "" {
		if _, err := parseCronExpressionUTC(c.Autosave.Schedule); err != nil {
			return fmt.Errorf("autosave.schedule: %w", err)
		}
	}
	return nil
}

// Policy returns the parsed non-undoable policy.
func (c Config) Policy() undo.Policy {
	p, _ := undo.ParsePolicy(c.NonUndoable)
	return p
}

// LoadConfig reads a YAML config file. Missing fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.Autosave.Store = os.ExpandEnv(strings.TrimSpace(cfg.Autosave.Store))
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// DiscoverConfigPath resolves the config location with first-match
// semantics: an explicit path, then ./petalmacro.yaml, then
// ~/.petalmacro/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".petalmacro", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// ResolveConfig discovers and loads the config, falling back to
// DefaultConfig when no file exists.
func ResolveConfig(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	if !found {
		return DefaultConfig(), "", nil
	}
	cfg, err := LoadConfig(path)
	return cfg, path, err
}
