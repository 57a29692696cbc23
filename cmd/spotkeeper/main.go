// -------------------------------------------------------------------------------
// Spotkeeper - Place Discovery and Saved-Spot Service
//
// Author: Alex Freidah
//
// Entry point for the spot service. Dispatches to subcommands: "serve"
// (default) starts the API server and background services, "validate" checks
// a configuration file, and "version" prints build information.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/afreidah/spotkeeper/internal/cache"
	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/lifecycle"
	"github.com/afreidah/spotkeeper/internal/lists"
	"github.com/afreidah/spotkeeper/internal/objectstore"
	"github.com/afreidah/spotkeeper/internal/photos"
	"github.com/afreidah/spotkeeper/internal/places"
	"github.com/afreidah/spotkeeper/internal/search"
	"github.com/afreidah/spotkeeper/internal/server"
	"github.com/afreidah/spotkeeper/internal/store"
	"github.com/afreidah/spotkeeper/internal/telemetry"
	"github.com/afreidah/spotkeeper/internal/ui"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "validate":
			os.Args = os.Args[1:]
			runValidate()
			return
		case "version":
			runVersion()
			return
		case "serve":
			os.Args = os.Args[1:]
		}
	}
	runServe()
}

func runServe() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	// --- Initialize structured logger ---
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	loadEnvFile(*envFile)

	// --- Load configuration ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	var live atomic.Pointer[config.Config]
	live.Store(cfg)

	// --- Initialize tracing ---
	ctx := context.Background()
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		slog.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}

	// --- Set build info metric ---
	telemetry.BuildInfo.WithLabelValues(telemetry.Version, runtime.Version()).Set(1)

	// --- Initialize PostgreSQL store ---
	pg, err := store.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Database,
	)

	// --- Run database migrations ---
	if err := pg.RunMigrations(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database migrations applied")

	// --- Wrap store with circuit breaker for runtime ---
	cbStore := store.NewCircuitBreakerStore(pg, cfg.CircuitBreaker)

	// --- Optional shared response cache tier ---
	var (
		redisClient *redis.Client
		shared      cache.SharedTier
	)
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("Redis unavailable, search cache stays in-process", "error", err)
		} else {
			shared = cache.NewRedisTier(redisClient, cfg.Redis.KeyPrefix, "search")
			slog.Info("Redis response cache tier enabled", "addr", cfg.Redis.Addr)
		}
	}

	// --- Caches ---
	responses := cache.NewResponseCache[[]search.Candidate]("search", cache.ResponseOptions{
		TTL:             cfg.Search.ResponseTTL,
		MaxEntries:      cfg.Search.ResponseCacheEntries,
		Shared:          shared,
		JanitorInterval: time.Minute,
	})
	coords := cache.NewCoordinateCache(cfg.Search.CoordinateCacheEntries)
	photoCache := cache.NewPhotoCache(cfg.Photos.CacheEntries, cfg.Photos.CacheBytes)

	// --- Upstream provider and photo bucket ---
	provider := places.New(cfg.Places)
	bucket, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		slog.Error("Failed to initialize object store", "error", err)
		os.Exit(1)
	}
	if err := bucket.Ping(ctx); err != nil {
		slog.Warn("Photo bucket not reachable at startup", "bucket", cfg.ObjectStore.Bucket, "error", err)
	}

	// --- Domain services ---
	photoSvc := photos.New(cbStore, provider, bucket, photoCache, cfg.Photos)
	searchSvc := search.New(search.Deps{
		Provider:    provider,
		Store:       cbStore,
		Photos:      photoSvc,
		Responses:   responses,
		Coordinates: coords,
	}, cfg.Search)
	listSvc := lists.New(cbStore)

	// --- Start background services with lifecycle manager ---
	sm := lifecycle.NewManager()
	sm.Register("photo-backfill", newPhotoBackfillService(photoSvc, cbStore, &live))
	sm.Register("spot-stats", newSpotStatsService(cbStore))

	if cfg.Photos.BackfillInterval > 0 {
		slog.Info("Photo backfill enabled",
			"interval", cfg.Photos.BackfillInterval,
			"limit", cfg.Photos.BackfillLimit,
		)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	bgDone := make(chan struct{})
	go func() {
		sm.Run(bgCtx)
		close(bgDone)
	}()

	// --- Create server ---
	srv := server.New(server.Deps{
		Search:         searchSvc,
		Photos:         photoSvc,
		Lists:          listSvc,
		Database:       cbStore,
		Services:       sm,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	// --- Setup HTTP mux ---
	mux := http.NewServeMux()
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle(cfg.Telemetry.Metrics.Path, promhttp.Handler())
		slog.Info("Metrics endpoint enabled", "path", cfg.Telemetry.Metrics.Path)
	}
	if cfg.UI.Enabled {
		ui.New(ui.Deps{
			Stats:    cbStore,
			Database: cbStore,
			Services: sm,
			Photos:   photoCache,
			Config:   live.Load,
		}).Register(mux, cfg.UI.Path)
		slog.Info("Dashboard enabled", "path", cfg.UI.Path)
	}

	var rl *server.RateLimiter
	var api http.Handler = srv
	if cfg.RateLimit.Enabled {
		rl = server.NewRateLimiter(cfg.RateLimit)
		api = rl.Middleware(srv)
		slog.Info("Rate limiting enabled",
			"requests_per_sec", cfg.RateLimit.RequestsPerSec,
			"burst", cfg.RateLimit.Burst,
		)
	}
	mux.Handle("/", api)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Configure TLS if cert and key are provided ---
	var certReloader *server.CertReloader
	if cfg.Server.TLS.CertFile != "" {
		certReloader, err = server.NewCertReloader(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			slog.Error("Failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		httpServer.TLSConfig = &tls.Config{
			GetCertificate: certReloader.GetCertificate,
			MinVersion:     parseTLSVersion(cfg.Server.TLS.MinVersion),
		}
	}

	// --- Handle SIGHUP for config reload ---
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			slog.Info("SIGHUP received, reloading configuration", "path", *configPath)

			newCfg, err := config.LoadConfig(*configPath)
			if err != nil {
				slog.Error("Config reload failed, keeping current config", "error", err)
				continue
			}

			for _, field := range config.NonReloadableFieldsChanged(live.Load(), newCfg) {
				slog.Warn("Config field changed but requires restart to take effect", "field", field)
			}

			if certReloader != nil {
				if err := certReloader.Reload(); err != nil {
					slog.Error("Failed to reload TLS certificate", "error", err)
				}
			}

			if rl != nil && newCfg.RateLimit.Enabled {
				rl.UpdateLimits(newCfg.RateLimit.RequestsPerSec, newCfg.RateLimit.Burst)
				slog.Info("Reloaded rate limits",
					"requests_per_sec", newCfg.RateLimit.RequestsPerSec,
					"burst", newCfg.RateLimit.Burst,
				)
			}

			live.Store(newCfg)
			slog.Info("Configuration reload complete",
				"backfill_interval", newCfg.Photos.BackfillInterval,
				"backfill_limit", newCfg.Photos.BackfillLimit,
			)
		}
	}()

	// --- Handle graceful shutdown ---
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		slog.Info("Shutting down")

		signal.Stop(hupChan)
		close(hupChan)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Drain inflight HTTP requests first so clients get responses quickly
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		if rl != nil {
			rl.Close()
		}

		bgCancel()
		<-bgDone
		sm.Stop(10 * time.Second)

		// Let detached photo uploads land before the pool closes
		if err := photoSvc.Wait(shutdownCtx); err != nil {
			slog.Warn("Photo enrichment still running at shutdown", "error", err)
		}

		responses.Close()
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				slog.Warn("Redis close error", "error", err)
			}
		}
		pg.Close()

		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Error("Tracer shutdown error", "error", err)
		}
	}()

	// --- Log startup info ---
	slog.Info("Spotkeeper starting",
		"version", telemetry.Version,
		"listen_addr", cfg.Server.ListenAddr,
		"places_base_url", cfg.Places.BaseURL,
		"photo_bucket", cfg.ObjectStore.Bucket,
		"response_ttl", cfg.Search.ResponseTTL,
		"bias_radius_m", cfg.Search.BiasRadiusMeters,
	)
	if cfg.Telemetry.Tracing.Enabled {
		slog.Info("Tracing enabled",
			"endpoint", cfg.Telemetry.Tracing.Endpoint,
			"sample_rate", cfg.Telemetry.Tracing.SampleRate,
			"insecure", cfg.Telemetry.Tracing.Insecure,
		)
	}
	if cfg.Server.TLS.CertFile != "" {
		slog.Info("TLS enabled",
			"cert_file", cfg.Server.TLS.CertFile,
			"min_version", cfg.Server.TLS.MinVersion,
			"not_after", certReloader.Expiry(),
		)
	}

	// --- Start server ---
	if httpServer.TLSConfig != nil {
		err = httpServer.ListenAndServeTLS("", "") // certs provided via GetCertificate
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-shutdownDone
	slog.Info("Server stopped")
}

// loadEnvFile loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}
	if err := godotenv.Load(path); err != nil {
		slog.Warn("Failed to load env file", "path", path, "error", err)
		return
	}
	slog.Info("Loaded env file", "path", path)
}

// parseTLSVersion maps a config string to a tls.VersionTLS constant.
func parseTLSVersion(v string) uint16 {
	switch v {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
