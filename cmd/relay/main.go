package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teamsync/relay/internal/api"
	"github.com/teamsync/relay/internal/archive"
	"github.com/teamsync/relay/internal/auth"
	"github.com/teamsync/relay/internal/config"
	"github.com/teamsync/relay/internal/metrics"
	"github.com/teamsync/relay/internal/ratelimit"
	"github.com/teamsync/relay/internal/ws"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "relay")
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var store *archive.Store
	if cfg.Archive.Path != "" {
		store, err = archive.New(cfg.Archive.Path)
		if err != nil {
			logger.Error("failed to open snapshot archive", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close()
		logger.Info("snapshot archive enabled", slog.String("path", cfg.Archive.Path))
	}

	hub := ws.NewHub(logger, m)
	go hub.Run()

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	if verifier.Enabled() {
		logger.Info("room authorization enabled")
	} else {
		logger.Warn("room authorization disabled, any client may join any room")
	}

	joinLimiter := ratelimit.NewClientLimiters(cfg.Limits.JoinsPerMinute/60, int(cfg.Limits.JoinsPerMinute))
	defer joinLimiter.Stop()

	wsOpts := ws.Options{
		Verifier:          verifier,
		JoinLimiter:       joinLimiter,
		MessagesPerSecond: cfg.Limits.MessagesPerSecond,
		Burst:             cfg.Limits.Burst,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
	}

	apiHandler := api.New(hub, store, logger)

	router := chi.NewRouter()
	router.Use(corsMiddleware)
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, wsOpts, w, r)
	})
	router.Get("/healthz", apiHandler.HealthHandler)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Mount("/api", apiHandler.Router())

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", slog.Any("error", err))
		}
		hub.Stop()
	}()

	logger.Info("relay listening",
		slog.String("addr", cfg.Server.Addr),
		slog.Bool("archive", store != nil))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
