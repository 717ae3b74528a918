package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"syncbridge/internal/config"
	cronrunner "syncbridge/internal/cron"
	"syncbridge/internal/eventlog"
	"syncbridge/internal/handler"
	"syncbridge/internal/ratelimit"
	"syncbridge/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, in-process workers and cron jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	var inproc *service.InProcessTrigger
	if strings.EqualFold(cfg.Worker.Trigger, "http") {
		a.useTrigger(a.httpTrigger())
	} else {
		inproc = service.NewInProcessTrigger(ctx, a.worker, cfg.Worker.Concurrency, logger)
		a.useTrigger(inproc)
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	if err := engine.SetTrustedProxies(cfg.RateLimit.TrustedProxies); err != nil {
		logger.Warn("invalid trusted proxies", zap.Error(err))
	}

	var webhookLimiter, adminLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		webhookLimiter = ratelimit.New(cfg.RateLimit.WebhookLimit, cfg.RateLimit.Window, cfg.RateLimit.EvictEveryNth)
		adminLimiter = ratelimit.New(cfg.RateLimit.AdminLimit, cfg.RateLimit.Window, cfg.RateLimit.EvictEveryNth)
	}

	healthHandler := &handler.HealthHandler{DB: a.db.Gorm}
	healthHandler.Register(engine)
	handler.RegisterDocs(engine)

	webhooks := engine.Group("", ratelimit.Middleware(webhookLimiter, "webhook"))
	webhookHandler := &handler.WebhookHandler{
		Service: &service.WebhookService{
			Apps:   a.apps,
			Sink:   a.exec.Sink,
			Events: a.events,
			Logger: logger,
		},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	}
	webhookHandler.Register(webhooks)

	api := engine.Group("/api",
		ratelimit.Middleware(adminLimiter, "admin"),
		handler.RequireAdmin(cfg.Admin.Token),
		eventlog.AuditMiddleware(a.events),
	)
	syncHandler := &handler.SyncHandler{
		Scheduler: a.scheduler,
		Jobs:      a.store,
		States:    a.store,
		Logger:    logger,
	}
	syncHandler.Register(api)
	workerHandler := &handler.WorkerHandler{Worker: a.worker}
	workerHandler.Register(api)
	appsHandler := &handler.AppsHandler{Service: a.apps, Logger: logger}
	appsHandler.Register(api)

	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		registerCron(cronRunner, a)
	}
	cronRunner.Start()

	go func() {
		logger.Info("http server started", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	// Pick up jobs left waiting by a previous process.
	if a.spawner != nil {
		a.spawner.Scan(ctx)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	cronRunner.Stop()
	if inproc != nil {
		// Workers see the cancelled context and release their tasks.
		inproc.Wait()
	}
	return nil
}

func registerCron(r *cronrunner.Runner, a *app) {
	cfg := a.cfg.Cron
	logger := a.logger
	if a.spawner != nil && cfg.WorkerTrigger != "" {
		if _, err := r.Add("worker_trigger", cfg.WorkerTrigger, func(ctx context.Context) {
			a.spawner.Scan(ctx)
		}); err != nil {
			logger.Warn("cron register worker trigger failed", zap.Error(err))
		}
	}
	if cfg.StaleReaper != "" {
		if _, err := r.Add("stale_reaper", cfg.StaleReaper, func(ctx context.Context) {
			if _, err := a.maintenance.RequeueStaleTasks(ctx); err != nil {
				logger.Warn("stale task requeue failed", zap.Error(err))
			}
		}); err != nil {
			logger.Warn("cron register stale reaper failed", zap.Error(err))
		}
	}
	if cfg.Retention != "" {
		if _, err := r.Add("retention", cfg.Retention, func(ctx context.Context) {
			if _, err := a.maintenance.PurgeFinishedJobs(ctx); err != nil {
				logger.Warn("job retention sweep failed", zap.Error(err))
			}
		}); err != nil {
			logger.Warn("cron register retention failed", zap.Error(err))
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
