package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kalix-bridge/internal/config"
	"kalix-bridge/internal/locator"
	"kalix-bridge/internal/logging"
	"kalix-bridge/internal/progress"
	"kalix-bridge/internal/realtime"
	"kalix-bridge/internal/session"
	"kalix-bridge/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kalix-bridge:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	logger := logging.Setup(os.Stderr, level, cfg.LogFormat)
	if err != nil {
		logger.Warn("using info level", "error", err)
	}
	for _, w := range cfg.Warnings {
		logger.Warn("config", "warning", w)
	}

	loc, err := locator.New(cfg.EnginePath, locator.WithLogger(logger))
	if err != nil {
		return err
	}

	// Callbacks are bound after the realtime server exists.
	var rtServer *realtime.Server

	sessMgr := session.NewManager(
		session.WithLogger(logger),
		session.WithReadyTimeout(cfg.ReadyTimeout),
		session.WithTerminateGrace(cfg.TerminateGrace),
		session.WithPollInterval(cfg.PollInterval),
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithCallbacks(session.Callbacks{
			OnStatus: func(text string) {
				if rtServer != nil {
					rtServer.OnStatus(text)
				}
			},
			OnEvent: func(ev session.Event) {
				if rtServer != nil {
					rtServer.OnSessionEvent(ev)
				}
			},
			OnProgress: func(key string, info progress.Info) {
				if rtServer != nil {
					rtServer.OnProgress(key, info)
				}
			},
		}),
	)

	opts := []realtime.Option{
		realtime.WithEngine(func(ctx context.Context) (string, error) {
			l, err := loc.Locate(ctx)
			if err != nil {
				return "", err
			}
			logger.Debug("engine located", "path", l.Path, "version", l.Version, "in_path", l.InPath)
			return l.Path, nil
		}, cfg.EngineArgs...),
		realtime.WithWorkDir(cfg.WorkDir),
		realtime.WithStaticDir(cfg.StaticDir),
		realtime.WithLogger(logger),
	}

	var models *watcher.Watcher
	if cfg.AutoReload {
		models = watcher.New(func(key, path string) {
			if rtServer != nil {
				rtServer.OnModelChanged(key, path)
			}
		}, watcher.WithLogger(logger))
		opts = append(opts, realtime.WithModelWatcher(models))
	}

	rtServer = realtime.New(sessMgr, opts...)

	if l, err := loc.Locate(context.Background()); err != nil {
		logger.Warn("engine not available yet", "error", err)
	} else {
		logger.Info("engine found", "path", l.Path, "version", l.Version)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("kalix bridge listening", "addr", cfg.Addr, "auto_reload", cfg.AutoReload)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if models != nil {
		models.Shutdown()
	}
	if err := sessMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return nil
}
