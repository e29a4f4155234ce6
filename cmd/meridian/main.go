package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-gallery/meridian/internal/app"
	"github.com/meridian-gallery/meridian/internal/audit"
	audithttp "github.com/meridian-gallery/meridian/internal/audit/http"
	"github.com/meridian-gallery/meridian/internal/authz"
	"github.com/meridian-gallery/meridian/internal/observability"
	platformcache "github.com/meridian-gallery/meridian/internal/platform/cache"
	"github.com/meridian-gallery/meridian/internal/platform/db"
	"github.com/meridian-gallery/meridian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "bootstrap" {
		if err := runBootstrap(ctx, cfg, logger, os.Args[2:]); err != nil {
			logger.Error("bootstrap", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := platformcache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	auditRepo := audit.NewPGRepository(pool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audithttp.NewHandler(logger, auditService)

	authzRepo := authz.NewPGRepository(pool)
	resolver := authz.NewResolver(authzRepo, logger, cfg.AuthzStoreTimeout)
	permCache := authz.NewCache(resolver, authz.CacheConfig{
		TTL:           cfg.AuthzCacheTTL,
		MaxSize:       cfg.AuthzCacheMaxSize,
		SweepInterval: cfg.AuthzCacheSweepInterval,
		Logger:        logger,
		Metrics:       metrics,
	})
	defer permCache.Close()

	guard := authz.NewGuard(permCache, logger, metrics)
	broadcaster := authz.NewBroadcaster(redisClient, cfg.AuthzInvalidateChannel, logger)
	admin := authz.NewAdmin(authzRepo, guard, permCache, broadcaster, logger)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	authzMW := authz.Middleware{Guard: guard, Logger: logger}
	authzHandler := authz.NewHandler(logger, admin, permCache, jobsClient, authzMW)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Identity:     app.HeaderIdentity{Header: cfg.IdentityHeader},
		AuthzHandler: authzHandler,
		AuthzMW:      authzMW,
		AuditHandler: auditHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := broadcaster.Listen(gctx, permCache); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("invalidation listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("runtime", slog.Any("error", err))
		os.Exit(1)
	}
}

// runBootstrap establishes the first super_admin grant. The token is
// taken from MERIDIAN_BOOTSTRAP_TOKEN so it never shows up in process
// listings.
func runBootstrap(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	identity := fs.String("identity", "", "identity receiving the initial super_admin grant")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *identity == "" {
		return fmt.Errorf("bootstrap: -identity is required")
	}
	token := os.Getenv("MERIDIAN_BOOTSTRAP_TOKEN")
	if token == "" {
		return fmt.Errorf("bootstrap: MERIDIAN_BOOTSTRAP_TOKEN is not set")
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	bootstrapper := authz.NewBootstrapper(authz.NewPGRepository(pool), cfg.BootstrapTokenHash, logger)
	grant, err := bootstrapper.Establish(ctx, token, authz.Identity(*identity))
	if err != nil {
		return err
	}
	logger.Info("bootstrap complete",
		slog.String("identity", string(grant.Identity)),
		slog.String("tier", grant.Tier.String()))
	return nil
}
