// Vault Server
//
// Serves a directory of Markdown documents as a virtual tree:
// - JSON document API and optional WebDAV mount
// - SSE change events per collection
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fruitsalade/vault/internal/api"
	"github.com/fruitsalade/vault/internal/config"
	"github.com/fruitsalade/vault/internal/events"
	"github.com/fruitsalade/vault/internal/logging"
	"github.com/fruitsalade/vault/internal/metrics"
	"github.com/fruitsalade/vault/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("VAULT_CONFIG"), "Path to a YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("vault server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("root", cfg.StorageRoot),
		zap.String("root_name", cfg.RootName))

	locale, err := cfg.Locale()
	if err != nil {
		logging.Fatal("invalid sort locale", zap.Error(err))
	}

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster(events.WithBuffer(cfg.EventBuffer))
	logging.Info("event broadcaster initialized", zap.Int("buffer", cfg.EventBuffer))

	// Initialize document store
	st, err := store.New(store.Config{
		Root:           cfg.StorageRoot,
		RootName:       cfg.RootName,
		Locale:         locale,
		MaxContentSize: cfg.MaxContentSize,
	}, broadcaster)
	if err != nil {
		logging.Fatal("store init failed", zap.Error(err))
	}

	// Create API server
	srv := api.NewServer(st, broadcaster,
		api.WithMaxBodySize(cfg.MaxContentSize+64<<10),
		api.WithWebDAV(cfg.WebDAVEnabled),
	)

	// Start metrics server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	// Event streams never go idle; ending them lets Shutdown drain.
	httpServer.RegisterOnShutdown(broadcaster.Close)

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...", zap.Duration("timeout", cfg.ShutdownTimeout))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
			httpServer.Close()
		}
		broadcaster.Close()
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	if cfg.WebDAVEnabled {
		logging.Info("webdav enabled", zap.String("prefix", "/webdav/"))
	}
	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-done
	logging.Info("server stopped")
}
