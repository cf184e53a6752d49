package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"splice-injector/internal/engine"
	"splice-injector/internal/eventid"
	"splice-injector/internal/injector"
	"splice-injector/internal/platform/config"
	"splice-injector/internal/platform/logger"
	"splice-injector/internal/platform/metrics"
	"splice-injector/internal/publisher"
	"splice-injector/internal/stream"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	opts := injector.Options{
		ProfileDir:       config.GetEnv("PROFILE_DIR", "./profiles"),
		StateDir:         config.GetEnv("STATE_DIR", "./state"),
		MarkerDir:        config.GetEnv("MARKER_DIR", "./markers"),
		EngineBinary:     config.GetEnv("ENGINE_BINARY", injector.DefaultEngineBinary),
		MarkerInterval:   config.GetEnvDuration("MARKER_INTERVAL", publisher.DefaultInterval),
		StabilityWait:    config.GetEnvDuration("MARKER_STABILITY_WAIT", publisher.DefaultStabilityWait),
		TerminateTimeout: config.GetEnvDuration("ENGINE_TERMINATE_TIMEOUT", engine.DefaultTerminateTimeout),
		StableAfter:      config.GetEnvDuration("ENGINE_STABLE_AFTER", engine.DefaultStableAfter),
	}

	log := logger.New(logLevel, logFormat)

	if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
		log.Error("cannot create state dir", "dir", opts.StateDir, "error", err)
		os.Exit(1)
	}

	profiles, failed, err := stream.CheckDir(opts.ProfileDir)
	if err != nil {
		log.Warn("cannot read profile dir", "dir", opts.ProfileDir, "error", err)
	}
	for file, perr := range failed {
		log.Warn("profile will be rejected", "file", file, "error", perr)
	}

	met := metrics.New()
	seq := eventid.NewSequencer(eventid.NewFileStore(opts.StateDir), log)
	repo := injector.NewInMemoryRepository()
	svc := injector.NewService(repo, seq, nil, opts, log, met)
	h := injector.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"log_level", logLevel,
		"profile_dir", opts.ProfileDir,
		"profiles", profiles,
		"state_dir", opts.StateDir,
		"marker_dir", opts.MarkerDir,
		"engine_binary", opts.EngineBinary,
		"marker_interval", opts.MarkerInterval.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping sessions")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.Error("sessions did not stop cleanly", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
