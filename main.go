package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/keyportal/config"
	"github.com/example/keyportal/handlers"
	"github.com/example/keyportal/keypool"
	"github.com/example/keyportal/middleware"
	"github.com/example/keyportal/models"
	"github.com/example/keyportal/scheduler"
	"github.com/example/keyportal/services"
	"github.com/example/keyportal/snapshot"
	"github.com/example/keyportal/storage"
)

func main() {
	// 1. Load Config
	config.LoadConfig()
	cfg := config.AppConfig

	// 2. Initialize DB and document store
	models.InitDB(cfg.DatabaseURL)

	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		logrus.Fatalf("Failed to open data dir: %v", err)
	}

	// 3. Initialize Services
	management := services.NewManagementClient(cfg.UpstreamURL, cfg.ManagementKey, cfg.UpstreamTimeout)
	notifier := services.NewNotifierClient(cfg.FeishuAppID, cfg.FeishuAppSecret)

	allocator, err := keypool.NewAllocator(store, management, cfg.RecycleRevoked)
	if err != nil {
		logrus.Fatalf("Failed to load key pool: %v", err)
	}

	snapshots := snapshot.NewManager(store, management)
	detector := snapshot.NewDetector(management, snapshots, cfg.RestartTolerance)
	syncer := services.NewUsageSyncer(models.DB, management, allocator.OwnerOf)
	expiry := services.NewExpiryChecker(management, notifier, cfg.ExpiryWarning)

	// 4. Initialize Handlers
	h := handlers.NewHandler(allocator, snapshots, detector, management, syncer, models.DB)

	// 5. Setup Echo
	e := echo.New()
	e.HideBanner = true

	e.Use(echoMiddleware.RequestLoggerWithConfig(echoMiddleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogValuesFunc: func(c echo.Context, v echoMiddleware.RequestLoggerValues) error {
			logrus.WithFields(logrus.Fields{"uri": v.URI, "status": v.Status}).Info("request")
			return nil
		},
	}))
	e.Use(echoMiddleware.Recover())

	// 6. Routes
	api := e.Group(cfg.Prefix)
	api.Use(middleware.Identity)

	api.POST("/keys", h.AssignKey)
	api.GET("/keys", h.GetMyKeys)
	api.DELETE("/keys/:key_id", h.RevokeKey)
	api.GET("/usage", h.GetUsage)
	api.GET("/usage/history", h.GetUsageHistory)
	api.GET("/status", h.GetStatus)

	admin := e.Group("/admin")
	admin.Use(middleware.AdminToken(cfg.AdminToken))

	admin.POST("/pool/generate", h.GeneratePool)
	admin.POST("/pool/reset/:key_id", h.ResetKey)
	admin.GET("/users", h.ListUsers)
	admin.POST("/snapshot/export", h.ExportSnapshot)
	admin.POST("/snapshot/import", h.ImportSnapshot)
	admin.POST("/usage/sync", h.SyncUsage)

	// 7. Scheduled tasks
	sched := scheduler.New()
	sched.Every("snapshot-export", cfg.ExportInterval, snapshots.Export)
	sched.Every("restart-poll", cfg.PollInterval, func(ctx context.Context) error {
		_, err := detector.Poll(ctx)
		return err
	})
	sched.Every("usage-sync", cfg.UsageSyncInterval, func(ctx context.Context) error {
		_, err := syncer.Sync(ctx)
		return err
	})
	sched.Every("expiry-check", cfg.ExpiryCheckInterval, func(ctx context.Context) error {
		_, err := expiry.Check(ctx)
		return err
	})

	// Take an initial snapshot so a restart right after startup still
	// has something to restore.
	startupCtx, cancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout)
	if err := snapshots.Export(startupCtx); err != nil {
		logrus.WithError(err).Warn("Initial snapshot export failed")
	}
	cancel()

	// 8. Start Server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Info("Starting key portal on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("Shutting down")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}
