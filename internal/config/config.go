package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/multiproc/internal/logger"
	"github.com/loykin/multiproc/internal/multiproc"
)

var (
	ErrNoWorkers     = errors.New("config: no workers defined")
	ErrWorkerName    = errors.New("config: worker requires name")
	ErrDuplicateName = errors.New("config: duplicate worker name")
	ErrWorkerTask    = errors.New("config: worker requires task")
)

// File represents the top-level supervisor configuration (TOML or YAML).
type File struct {
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Env        []string         `toml:"env" mapstructure:"env"`
	EnvFiles   []string         `toml:"env_files" mapstructure:"env_files"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Workers    []WorkerConfig   `toml:"workers" mapstructure:"workers"`
}

type SupervisorConfig struct {
	StopTimeout  time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	UnitTesting  bool          `toml:"unit_testing" mapstructure:"unit_testing"`
	DebugHandoff bool          `toml:"debug_handoff" mapstructure:"debug_handoff"`
}

// HistoryConfig selects where start/stop events are persisted. Empty disables history.
type HistoryConfig struct {
	SQLite string `toml:"sqlite" mapstructure:"sqlite"`
}

type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type WorkerConfig struct {
	Name     string         `toml:"name" mapstructure:"name"`
	Task     string         `toml:"task" mapstructure:"task"`
	Group    string         `toml:"group" mapstructure:"group"`
	Env      []string       `toml:"env" mapstructure:"env"`
	DNE      bool           `toml:"dne" mapstructure:"dne"`
	LogLevel string         `toml:"log_level" mapstructure:"log_level"`
	Config   map[string]any `toml:"config" mapstructure:"config"`
}

// Load reads and validates a configuration file. The format follows the
// file extension; files without one are parsed as TOML.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("toml")
	}
	v.SetDefault("supervisor.stop_timeout", multiproc.DefaultStopTimeout)
	v.SetDefault("log.level", "info")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc File
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks worker names and tasks. Whether a task is registered is only
// known to the binary that runs it and is checked at SetUp.
func (fc *File) Validate() error {
	if len(fc.Workers) == 0 {
		return ErrNoWorkers
	}
	seen := make(map[string]struct{}, len(fc.Workers))
	for i, w := range fc.Workers {
		if strings.TrimSpace(w.Name) == "" {
			return fmt.Errorf("%w (entry %d)", ErrWorkerName, i)
		}
		if _, dup := seen[w.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateName, w.Name)
		}
		seen[w.Name] = struct{}{}
		if strings.TrimSpace(w.Task) == "" {
			return fmt.Errorf("%w: %s", ErrWorkerTask, w.Name)
		}
	}
	if _, err := logger.ParseLevel(fc.Log.Level); err != nil {
		return err
	}
	for _, w := range fc.Workers {
		if _, err := logger.ParseLevel(w.LogLevel); w.LogLevel != "" && err != nil {
			return fmt.Errorf("config: worker %s: %w", w.Name, err)
		}
	}
	return nil
}

// GlobalEnv merges env_files contents with the top-level env list; the list wins.
func (fc *File) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	put := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			put(kv[0], kv[1])
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			put(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// Options converts every worker entry to multiproc.Options, in file order.
// Worker env entries are applied after the global env.
func (fc *File) Options() ([]multiproc.Options, error) {
	global, err := fc.GlobalEnv()
	if err != nil {
		return nil, err
	}
	baseLevel, err := logger.ParseLevel(fc.Log.Level)
	if err != nil {
		return nil, err
	}
	out := make([]multiproc.Options, 0, len(fc.Workers))
	for _, w := range fc.Workers {
		level := baseLevel
		if w.LogLevel != "" {
			if level, err = logger.ParseLevel(w.LogLevel); err != nil {
				return nil, err
			}
		}
		cfg := w.Config
		if cfg == nil {
			// Workers always receive a configuration, even an empty one.
			cfg = map[string]any{}
		}
		o := multiproc.Options{
			Name:        w.Name,
			Task:        w.Task,
			Config:      cfg,
			Env:         append(append([]string(nil), global...), w.Env...),
			LogLevel:    level,
			Log:         fc.Log,
			UnitTesting: fc.Supervisor.UnitTesting,
		}
		if w.DNE {
			o.ProcTest |= multiproc.ProcTestDNE
		}
		if fc.Supervisor.DebugHandoff {
			o.Debug |= multiproc.DebugLogHandoff
		}
		out = append(out, o)
	}
	return out, nil
}

// Groups maps group name to member worker names in file order. Workers
// without a group are not listed.
func (fc *File) Groups() map[string][]string {
	res := make(map[string][]string)
	for _, w := range fc.Workers {
		if w.Group != "" {
			res[w.Group] = append(res[w.Group], w.Name)
		}
	}
	return res
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries in file order.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, kv[0]+"="+kv[1])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
