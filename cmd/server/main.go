// @title           Organization Manager API
// @version         1.0.0
// @description     Organization lifecycle and cross-service consistency for users, roles and devices
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                        Authorization
// @description                 "Identity-provider ID token or service JWT: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health and readiness probes.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated port (default 9090) at GET /metrics, outside the Gin router. Configure the port with ORGM_TELEMETRY_METRICS_PROMETHEUS_PORT.

// Package main is the entry point for the organization manager server binary.
// It dispatches the serve, migrate and version subcommands with a switch on os.Args.
// serve applies pending migrations on startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/organization-manager/organization-manager/internal/acceptkey"
	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/api"
	"github.com/organization-manager/organization-manager/internal/audit"
	"github.com/organization-manager/organization-manager/internal/auth"
	"github.com/organization-manager/organization-manager/internal/auth/oidc"
	"github.com/organization-manager/organization-manager/internal/config"
	"github.com/organization-manager/organization-manager/internal/db"
	"github.com/organization-manager/organization-manager/internal/db/repositories"
	"github.com/organization-manager/organization-manager/internal/gateway/asset"
	"github.com/organization-manager/organization-manager/internal/gateway/callback"
	"github.com/organization-manager/organization-manager/internal/gateway/identity"
	"github.com/organization-manager/organization-manager/internal/gateway/image"
	"github.com/organization-manager/organization-manager/internal/gateway/mailing"
	"github.com/organization-manager/organization-manager/internal/lifecycle"
	"github.com/organization-manager/organization-manager/internal/middleware"
	"github.com/organization-manager/organization-manager/internal/orglock"
	"github.com/organization-manager/organization-manager/internal/storage"
	"github.com/organization-manager/organization-manager/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/organization-manager/organization-manager/internal/storage/azure"
	_ "github.com/organization-manager/organization-manager/internal/storage/gcs"
	_ "github.com/organization-manager/organization-manager/internal/storage/local"
	_ "github.com/organization-manager/organization-manager/internal/storage/s3"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("Organization Manager %s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down|force VERSION>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2:])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(slog.Default().With("service", cfg.Telemetry.ServiceName))

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := repositories.NewStore(database)
	policy, err := access.NewPolicy(ctx, store.Users())
	if err != nil {
		return fmt.Errorf("failed to prepare access policy: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = orglock.Connect(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
	}

	var locker orglock.Locker
	if rdb != nil {
		locker = orglock.NewRedisLocker(rdb, cfg.Orchestration.LockTTL, cfg.Orchestration.LockWait)
	} else {
		slog.Warn("redis disabled, organization locks are process-local")
		locker = orglock.NewLocalLocker(cfg.Orchestration.LockWait)
	}

	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	timeout := cfg.Orchestration.GatewayTimeout
	idp := identity.New(&cfg.Identity, timeout)
	deps := lifecycle.Dependencies{
		Store:         lifecycle.NewSQLStore(store),
		Policy:        policy,
		Locker:        locker,
		Keys:          acceptkey.NewManager(cfg.Orchestration.AcceptKeyMaxAgeHours, expiryPolicy(cfg)),
		IdentityRoles: idp,
		IdentityUsers: idp,
		Images:        image.New(storageBackend),
		Mailing:       mailing.New(&cfg.Mailing, timeout),
		Callbacks:     callback.New(cfg.Callbacks.BaseURL, cfg.Callbacks.Secret, timeout),
	}
	if cfg.Assets.Enabled {
		deps.Assets = asset.New(cfg.Assets.BaseURL, timeout)
	} else {
		slog.Warn("asset service disabled, device operations will fail")
	}

	orchestrator := lifecycle.New(deps, lifecycle.Options{
		AcceptURL:               cfg.Orchestration.AcceptURL,
		DefaultLanguage:         cfg.Mailing.DefaultLanguage,
		AllowedDeviceProperties: cfg.Assets.AllowedProperties,
		CustomDeviceProperties:  cfg.Assets.CustomProperties,
		EmailVerificationTTL:    cfg.Orchestration.EmailVerificationTTL,
		RoleNameMaxAttempts:     cfg.Orchestration.RoleNameMaxAttempts,
	})

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	routerDeps := api.Dependencies{
		DB:           database.DB,
		Storage:      storageBackend,
		Orchestrator: orchestrator,
		Verifier:     verifier,
	}

	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.RateLimitConfigFrom(&cfg.Security.RateLimiting)
		if rdb != nil {
			routerDeps.Limiter = middleware.NewRedisLimiter(rdb, rlCfg)
		} else {
			local := middleware.NewLocalLimiter(rlCfg)
			defer local.Stop()
			routerDeps.Limiter = local
		}
	}

	if cfg.Audit.Enabled {
		shipper, err := audit.New(&cfg.Audit)
		if err != nil {
			return fmt.Errorf("failed to initialize audit shipper: %w", err)
		}
		defer shipper.Close()
		routerDeps.Shipper = shipper
	}

	if cfg.Telemetry.Metrics.Enabled {
		go serveMetrics(cfg.Telemetry.Metrics.PrometheusPort)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      api.NewRouter(cfg, routerDeps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", server.Addr, "base_url", cfg.Server.BaseURL, "tls", cfg.Security.TLS.Enabled)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

func expiryPolicy(cfg *config.Config) acceptkey.ExpiryPolicy {
	if cfg.Orchestration.AcceptExpiredKeys {
		return acceptkey.AcceptExpiredKeys
	}
	return acceptkey.RejectExpiredKeys
}

// newVerifier accepts service JWTs and, when configured, identity-provider ID tokens
func newVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	var chain auth.Chain
	if cfg.Auth.JWT.Secret != "" {
		j, err := auth.NewJWT(&cfg.Auth.JWT)
		if err != nil {
			return nil, fmt.Errorf("failed to configure JWT verification: %w", err)
		}
		chain = append(chain, j)
	}
	if cfg.Auth.OIDC.Enabled {
		p, err := oidc.NewProvider(ctx, &cfg.Auth.OIDC)
		if err != nil {
			return nil, fmt.Errorf("failed to configure OIDC verification: %w", err)
		}
		chain = append(chain, p)
	}
	if len(chain) == 0 {
		return nil, errors.New("no authentication configured: set auth.jwt.secret or enable auth.oidc")
	}
	return chain, nil
}

// serveMetrics exposes Prometheus metrics on their own port, off the public API listener
func serveMetrics(port int) {
	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	slog.Info("starting Prometheus metrics server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}

func runMigrations(cfg *config.Config, args []string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch args[0] {
	case "force":
		if len(args) < 2 {
			return errors.New("usage: migrate force VERSION")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := db.ForceMigrationVersion(database.DB, version); err != nil {
			return err
		}
	default:
		log.Printf("Running migrations: %s", args[0])
		if err := db.RunMigrations(database.DB, args[0]); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}
