// Command server runs the mesh control plane.
//
// # Usage
//
//	server --config /etc/meshcp/config.yaml --port 8080
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Config file (YAML)
// - Environment variables (MESHCP_*)
//
// The database URL and admin JWT signing key are resolved through the
// secrets provider (1Password Connect in production, environment variables
// otherwise) when not set in the config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lattice-net/mesh-cp/db/migrate"
	"github.com/lattice-net/mesh-cp/internal/api"
	"github.com/lattice-net/mesh-cp/internal/config"
	"github.com/lattice-net/mesh-cp/internal/geoip"
	"github.com/lattice-net/mesh-cp/internal/metrics"
	"github.com/lattice-net/mesh-cp/internal/secrets"
	"github.com/lattice-net/mesh-cp/internal/service"
	"github.com/lattice-net/mesh-cp/internal/session"
	"github.com/lattice-net/mesh-cp/internal/store"
	"github.com/lattice-net/mesh-cp/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("meshcp-server v0.1.0")
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	// Resolve secrets not present in the config
	provider, err := secrets.NewProvider(secrets.ConfigFromEnv(), logger)
	if err != nil {
		logger.Error("failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbURL := cfg.Database.URL
	if v, err := provider.Get(startCtx, secrets.SecretDatabaseURL); err != nil {
		logger.Error("failed to resolve database secret", "error", err)
		os.Exit(1)
	} else if v != "" {
		dbURL = v
	}

	jwtKey := cfg.Server.JWTSigningKey
	if v, err := provider.Get(startCtx, secrets.SecretJWTSigningKey); err != nil {
		logger.Error("failed to resolve JWT signing key", "error", err)
		os.Exit(1)
	} else if v != "" {
		jwtKey = v
	}
	if jwtKey == "" {
		logger.Warn("no JWT signing key configured, admin API is disabled")
	}

	// Connect to database
	db, err := store.NewFromURL(startCtx, dbURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(startCtx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if err := migrate.Run(startCtx, db.Pool(), logger); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	// Optional geo enrichment, cached in Redis when available
	var geo service.GeoResolver
	if cfg.Geo.ServiceURL != "" {
		resolver := geoip.NewHTTPResolver(cfg.Geo.ServiceURL)
		if cfg.Redis.URL != "" {
			cached, err := geoip.NewCachedResolver(resolver, cfg.Redis.URL, logger)
			if err != nil {
				logger.Warn("failed to connect to redis, geo lookups uncached", "error", err)
				geo = resolver
			} else {
				geo = cached
			}
		} else {
			geo = resolver
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	sessions := session.NewTable(session.DefaultQueueSize, logger)

	svc := service.New(db, sessions, geo, m, service.Config{
		InstanceCap:     cfg.Engine.InstanceCap,
		VirtualAddrPool: cfg.AddrPool(),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweep := worker.NewSweepWorker(sessions, svc, worker.SweepConfig{
		Interval: cfg.Sweep.Interval,
		Timeout:  cfg.Sweep.Timeout,
	}, m, logger)
	sweep.Start(ctx)

	apiServer := api.NewServer(svc, api.Config{
		JWTSigningKey:       []byte(jwtKey),
		HeartbeatsPerMinute: cfg.RateLimit.HeartbeatsPerMinute,
		Burst:               cfg.RateLimit.Burst,
	}, logger)
	apiServer.Mux().Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	sweep.Stop()

	logger.Info("shutdown complete")
}
