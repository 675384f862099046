package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/isoforge/isoforge/internal/broadcast"
	"github.com/isoforge/isoforge/internal/catalog"
	"github.com/isoforge/isoforge/internal/cleanup"
	"github.com/isoforge/isoforge/internal/config"
	"github.com/isoforge/isoforge/internal/download"
	"github.com/isoforge/isoforge/internal/http/rest"
	"github.com/isoforge/isoforge/internal/http/ws"
	"github.com/isoforge/isoforge/internal/logctx"
	"github.com/isoforge/isoforge/internal/storage/sqlite"
	"github.com/isoforge/isoforge/internal/telemetry"
	"github.com/isoforge/isoforge/internal/transfer"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("isoforge starting...", "log_level", cfg.LogLevel, "download_dir", cfg.DownloadDir)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("DB error: %w", err)
	}
	defer database.Close()

	images := catalog.NewSQLiteCatalog(database)
	if err := images.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize image catalog: %w", err)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Download Controller
	repo := sqlite.NewInstrumentedRecordRepository(database, tel)

	hub := broadcast.NewHub(cfg.BroadcastInterval, logger, tel)
	defer hub.Close()

	fetcher := transfer.NewInstrumentedFetcher(
		transfer.NewHTTPFetcher(&http.Client{}, cfg.SpeedWindow),
		tel,
	)

	ctrl := download.NewController(
		ctx,
		repo,
		fetcher,
		hub,
		catalog.NewAllocator(cfg.DownloadDir),
		cfg.MaxConcurrent,
		tel,
	)
	defer ctrl.Close()

	if err := ctrl.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore download records: %w", err)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, ctrl, images, hub, tel, cfg)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		sweepPartials(gctx, ctrl, cfg)

		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"max_concurrent", cfg.MaxConcurrent,
		"broadcast_interval", cfg.BroadcastInterval.String(),
		"cleanup_interval", cfg.CleanupInterval.String(),
	)

	return group.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	ctrl *download.Controller,
	images catalog.Finder,
	hub *broadcast.Hub,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)

	r.Group(func(r chi.Router) {
		r.Use(telemetry.HTTPLogging)
		r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

		r.Mount("/api/downloads", rest.NewDownloadsHandler(ctrl, images, tel).Routes())
		r.Mount("/api/images", rest.NewImagesHandler(images).Routes())
		r.Handle("/metrics", tel.Handler())
	})

	// The WebSocket route skips the response-wrapping middlewares; the
	// upgrade needs the raw connection and a per-request completion log is
	// meaningless for a long-lived push channel.
	r.Handle("/api/ws/downloads", ws.NewHandler(hub))

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "isoforge"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// sweepPartials periodically removes orphaned partial artifacts until the
// context is cancelled.
func sweepPartials(ctx context.Context, ctrl *download.Controller, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			if err := cleanup.SweepPartials(ctx, cfg.DownloadDir, ctrl.ActivePartials(), cfg.PartialMaxAge); err != nil {
				logger.Error("failed to sweep partial artifacts", "err", err)
			}
		}
	}
}
