package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the supervisor's runtime configuration.
type Config struct {
	ListenAddr   string
	MaxClients   int
	MaxProcesses int
	// TaskManagerPath is the Task Manager binary started for each client.
	TaskManagerPath string
	// TaskManagerStderr, when set, is a file Task Manager stderr is appended to.
	TaskManagerStderr string
	// MetricsAddr, when set, serves supervisor metrics as JSON at /metrics.
	MetricsAddr string
}

type fileConfig struct {
	ListenAddr        string `toml:"listen_addr"`
	MaxClients        int    `toml:"max_clients"`
	MaxProcesses      int    `toml:"max_processes"`
	TaskManagerPath   string `toml:"tm_path"`
	TaskManagerStderr string `toml:"tm_stderr"`
	MetricsAddr       string `toml:"metrics_addr"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":0",
		MaxClients:      5,
		MaxProcesses:    10,
		TaskManagerPath: defaultTaskManagerPath(),
	}
}

// defaultTaskManagerPath is "tm" in the directory of the running executable.
func defaultTaskManagerPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "tm"
	}
	return filepath.Join(filepath.Dir(exe), "tm")
}

// Load applies the keys present in the TOML file at path on top of the
// defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load taskmux config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("max_clients") {
		cfg.MaxClients = raw.MaxClients
	}
	if meta.IsDefined("max_processes") {
		cfg.MaxProcesses = raw.MaxProcesses
	}
	if meta.IsDefined("tm_path") {
		p := strings.TrimSpace(raw.TaskManagerPath)
		if p != "" && !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		cfg.TaskManagerPath = p
	}
	if meta.IsDefined("tm_stderr") {
		cfg.TaskManagerStderr = strings.TrimSpace(raw.TaskManagerStderr)
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: listen_addr %q: %v", ErrInvalid, c.ListenAddr, err)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("%w: max_clients must be positive, got %d", ErrInvalid, c.MaxClients)
	}
	if c.MaxProcesses <= 0 {
		return fmt.Errorf("%w: max_processes must be positive, got %d", ErrInvalid, c.MaxProcesses)
	}
	if c.TaskManagerPath == "" {
		return fmt.Errorf("%w: tm_path required", ErrInvalid)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("%w: metrics_addr %q: %v", ErrInvalid, c.MetricsAddr, err)
		}
	}
	return nil
}
