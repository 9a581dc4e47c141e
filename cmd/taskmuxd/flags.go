package main

import (
	"flag"
	"io"

	"github.com/danmuck/taskmux/internal/config"
)

// loadConfig builds the configuration from defaults, an optional TOML file,
// and command-line flags, in that order of precedence.
func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("taskmuxd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("config", "", "path to a TOML config file")
	listen := fs.String("listen", "", "listen address, host:port")
	maxClients := fs.Int("max-clients", 0, "maximum concurrent clients")
	maxProcs := fs.Int("max-processes", 0, "maximum processes per Task Manager")
	tmPath := fs.String("tm", "", "path to the tm binary")
	tmStderr := fs.String("tm-stderr", "", "file Task Manager stderr is appended to")
	metrics := fs.String("metrics-addr", "", "serve supervisor metrics on host:port")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.DefaultConfig()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = *listen
		case "max-clients":
			cfg.MaxClients = *maxClients
		case "max-processes":
			cfg.MaxProcesses = *maxProcs
		case "tm":
			cfg.TaskManagerPath = *tmPath
		case "tm-stderr":
			cfg.TaskManagerStderr = *tmStderr
		case "metrics-addr":
			cfg.MetricsAddr = *metrics
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
