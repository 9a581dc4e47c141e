package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/danmuck/taskmux/internal/logging"
	"github.com/danmuck/taskmux/internal/observability"
	"github.com/danmuck/taskmux/internal/supervisor"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmuxd: %v\n", err)
		os.Exit(2)
	}

	stderr := os.Stderr
	if cfg.TaskManagerStderr != "" {
		f, err := os.OpenFile(cfg.TaskManagerStderr, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "taskmuxd: %v\n", err)
			os.Exit(1)
		}
		stderr = f
	}

	sv, err := supervisor.New(supervisor.Options{
		ListenAddr: cfg.ListenAddr,
		MaxClients: cfg.MaxClients,
		Launcher: supervisor.ExecLauncher{
			Path:   cfg.TaskManagerPath,
			Args:   []string{"-max-processes", strconv.Itoa(cfg.MaxProcesses)},
			Stderr: stderr,
		},
		Console: fdio.New(int(os.Stdin.Fd()), "console"),
		Out:     os.Stdout,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmuxd: %v\n", err)
		os.Exit(1)
	}
	if err := sv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "taskmuxd: %v\n", err)
		os.Exit(1)
	}

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		metrics = serveMetrics(cfg.MetricsAddr)
	}

	code := sv.Run()

	if metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metrics.Shutdown(ctx)
		cancel()
	}
	if stderr != os.Stderr {
		_ = stderr.Close()
	}
	os.Exit(code)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("taskmuxd.Metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("taskmuxd.Metrics stopped")
		}
	}()
	return srv
}
