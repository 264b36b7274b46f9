// Package config holds the on-disk layout (~/.piloty/), optional YAML
// defaults, and child-environment sanitation shared by the PTY engine and
// the session registry.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the optional ~/.piloty/config.yaml file. Every field has a
// sane default; the file itself need not exist.
type Config struct {
	DefaultRows   int    `yaml:"default_rows"`
	DefaultCols   int    `yaml:"default_cols"`
	DefaultShell  string `yaml:"default_shell"`
	MaxSessions   int    `yaml:"max_sessions"`
	QuiescenceMS  int    `yaml:"quiescence_ms"`
	DefaultLimits struct {
		MaxLines     int `yaml:"max_lines"`
		ContextLines int `yaml:"context_lines"`
	} `yaml:"default_limits"`
}

// Defaults returns the built-in configuration used when no config.yaml is
// present or a field is unset.
func Defaults() Config {
	var c Config
	c.DefaultRows = 24
	c.DefaultCols = 80
	c.DefaultShell = "/bin/sh"
	c.MaxSessions = 32
	c.QuiescenceMS = 300
	c.DefaultLimits.MaxLines = 100
	c.DefaultLimits.ContextLines = 20
	return c
}

// BaseDir returns the piloty base directory (~/.piloty).
func BaseDir() string {
	if v := os.Getenv("PILOTY_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".piloty")
	}
	return filepath.Join(home, ".piloty")
}

// SessionsDir returns the directory holding per-session artifact dirs.
func SessionsDir() string {
	return filepath.Join(BaseDir(), "sessions")
}

// SessionDir returns the artifact directory for a given safe session id.
func SessionDir(safeID string) string {
	return filepath.Join(SessionsDir(), safeID)
}

// ActiveDir returns the directory holding "active" session pointer files.
func ActiveDir() string {
	return filepath.Join(BaseDir(), "active")
}

// ActivePointerPath returns the path of the active pointer for a safe id.
func ActivePointerPath(safeID string) string {
	return filepath.Join(ActiveDir(), safeID)
}

// Load reads ~/.piloty/config.yaml, falling back to Defaults for any
// field left zero-valued. A missing file is not an error.
func Load() (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(filepath.Join(BaseDir(), "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return cfg, err
	}
	applyOverride(&cfg, override)
	return cfg, nil
}

func applyOverride(cfg *Config, o Config) {
	if o.DefaultRows != 0 {
		cfg.DefaultRows = o.DefaultRows
	}
	if o.DefaultCols != 0 {
		cfg.DefaultCols = o.DefaultCols
	}
	if o.DefaultShell != "" {
		cfg.DefaultShell = o.DefaultShell
	}
	if o.MaxSessions != 0 {
		cfg.MaxSessions = o.MaxSessions
	}
	if o.QuiescenceMS != 0 {
		cfg.QuiescenceMS = o.QuiescenceMS
	}
	if o.DefaultLimits.MaxLines != 0 {
		cfg.DefaultLimits.MaxLines = o.DefaultLimits.MaxLines
	}
	if o.DefaultLimits.ContextLines != 0 {
		cfg.DefaultLimits.ContextLines = o.DefaultLimits.ContextLines
	}
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SafeID derives the on-disk directory name for a caller-supplied session
// id: characters outside [A-Za-z0-9_.-] become '_', and leading/trailing
// separators are stripped. An empty result becomes "default".
func SafeID(id string) string {
	safe := unsafeIDChars.ReplaceAllString(id, "_")
	safe = strings.Trim(safe, "_.-")
	if safe == "" {
		return "default"
	}
	return safe
}

// venvEnvKeys are environment variables removed from the child so a
// Python virtualenv active in the driver's own process doesn't leak into
// the spawned shell.
var venvEnvKeys = []string{
	"VIRTUAL_ENV",
	"VIRTUAL_ENV_PROMPT",
	"PYTHONHOME",
	"PYTHONPATH",
	"__PYVENV_LAUNCHER__",
}

// SanitizeEnv builds a child environment from the driver's own
// os.Environ(), stripping virtualenv pollution per spec.md §6: the venv
// keys above are dropped entirely, and any PATH entry belonging to a
// leaked virtualenv's bin/ directory (or to the running interpreter's
// bin/ directory when it has a pyvenv.cfg sibling) is removed. rows/cols
// set TERM/LINES/COLUMNS.
func SanitizeEnv(rows, cols int) []string {
	venv := make(map[string]bool, len(venvEnvKeys))
	for _, k := range venvEnvKeys {
		venv[k] = true
	}

	var pathVal string
	env := make([]string, 0, len(os.Environ())+3)
	for _, e := range os.Environ() {
		key, val, _ := strings.Cut(e, "=")
		if venv[key] {
			continue
		}
		if key == "PATH" {
			pathVal = val
			continue
		}
		if key == "TERM" || key == "LINES" || key == "COLUMNS" {
			continue
		}
		env = append(env, e)
	}

	env = append(env, "PATH="+sanitizePath(pathVal))
	env = append(env, "TERM=xterm-256color")
	env = append(env, "LINES="+strconv.Itoa(rows))
	env = append(env, "COLUMNS="+strconv.Itoa(cols))
	return env
}

// sanitizePath removes any PATH entry that is a leaked virtualenv bin/
// directory: a dir named "bin" or "Scripts" whose parent directory
// contains a pyvenv.cfg file.
func sanitizePath(path string) string {
	if path == "" {
		return path
	}
	parts := strings.Split(path, string(os.PathListSeparator))
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if isVenvBinDir(p) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, string(os.PathListSeparator))
}

func isVenvBinDir(dir string) bool {
	if dir == "" {
		return false
	}
	base := filepath.Base(dir)
	if base != "bin" && base != "Scripts" {
		return false
	}
	parent := filepath.Dir(dir)
	if _, err := os.Stat(filepath.Join(parent, "pyvenv.cfg")); err == nil {
		return true
	}
	return false
}
