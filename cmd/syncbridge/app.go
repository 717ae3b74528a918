package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"syncbridge/internal/client/provider"
	"syncbridge/internal/config"
	"syncbridge/internal/connector"
	"syncbridge/internal/connector/github"
	"syncbridge/internal/connector/intercom"
	"syncbridge/internal/connector/stripe"
	"syncbridge/internal/db"
	"syncbridge/internal/eventlog"
	"syncbridge/internal/logger"
	gormrepository "syncbridge/internal/repository/gorm"
	"syncbridge/internal/service"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	db     *db.DB
	store  *gormrepository.Store
	events *eventlog.Sink

	registry    *connector.Registry
	apps        *service.AppService
	exec        *service.SyncExecutor
	worker      *service.Worker
	spawner     *service.WorkerSpawner
	scheduler   *service.Scheduler
	maintenance *service.Maintenance
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envOnly, _ := cmd.Flags().GetBool("env-only")
	return config.Load(path, envOnly)
}

// bootstrap opens the database and builds the services. The caller owns close.
func bootstrap(ctx context.Context, cfg config.Config) (*app, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		log.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		_ = db.Close(dbConn)
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	registry, err := newRegistry(cfg.Providers)
	if err != nil {
		_ = db.Close(dbConn)
		return nil, err
	}

	cipher, err := service.NewConfigCipher(cfg.Secrets.EncryptionKey, cfg.Secrets.PreviousKey)
	if err != nil {
		_ = db.Close(dbConn)
		return nil, err
	}
	if cipher == nil {
		log.Warn("secrets.encryption_key is empty; app credentials are stored in plaintext")
	}

	store := gormrepository.New(dbConn.Gorm)
	events := eventlog.NewSink(initEventLog(ctx, cfg.EventLog, log), log, cfg.EventLog.Timeout)

	a := &app{cfg: cfg, logger: log, db: dbConn, store: store, events: events, registry: registry}
	a.apps = &service.AppService{Repo: store, Registry: registry, Cipher: cipher, Logger: log}
	if n := a.apps.Seed(ctx, cfg.Apps); n > 0 {
		log.Info("apps seeded", zap.Int("count", n))
	}
	a.exec = &service.SyncExecutor{
		States:   store,
		Sink:     &service.EntityStore{Repo: store},
		Logger:   log,
		PageSize: cfg.Worker.PageSize,
	}
	a.worker = &service.Worker{
		Repo:              store,
		Apps:              a.apps,
		Exec:              a.exec,
		Events:            events,
		Logger:            log,
		Budget:            cfg.Worker.RuntimeBudget,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		MaxClaimAttempts:  cfg.Worker.MaxClaimAttempts,
	}
	a.scheduler = &service.Scheduler{Repo: store, Apps: a.apps, Exec: a.exec, Logger: log}
	a.maintenance = &service.Maintenance{
		Repo:       store,
		StaleAfter: cfg.Worker.StaleAfter,
		RetainFor:  cfg.Retention.JobMaxAge,
		Logger:     log,
	}
	return a, nil
}

// useTrigger installs the spawner used for new jobs and worker chaining.
func (a *app) useTrigger(t service.Trigger) {
	if t == nil {
		return
	}
	a.spawner = &service.WorkerSpawner{
		Repo:     a.store,
		Trigger:  t,
		Debounce: a.cfg.Worker.SpawnDebounce,
		Logger:   a.logger,
	}
	a.worker.Spawner = a.spawner
	a.scheduler.Spawner = a.spawner
}

func (a *app) httpTrigger() service.Trigger {
	if strings.TrimSpace(a.cfg.Worker.TriggerURL) == "" {
		return nil
	}
	return &service.HTTPTrigger{
		URL:    a.cfg.Worker.TriggerURL,
		Token:  a.cfg.Admin.Token,
		HTTP:   &http.Client{Timeout: a.cfg.Worker.TriggerTimeout},
		Logger: a.logger,
	}
}

func (a *app) close() {
	if err := db.Close(a.db); err != nil {
		a.logger.Warn("db close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newRegistry(cfg config.ProvidersConfig) (*connector.Registry, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	registry := connector.NewRegistry(16)
	factories := []connector.Factory{
		stripe.Factory(provider.NewClient(httpClient, cfg.Stripe.BaseURL, cfg.MaxRetries)),
		github.Factory(provider.NewClient(httpClient, cfg.GitHub.BaseURL, cfg.MaxRetries)),
		intercom.Factory(provider.NewClient(httpClient, cfg.Intercom.BaseURL, cfg.MaxRetries)),
	}
	for _, f := range factories {
		if err := registry.Register(f); err != nil {
			return nil, fmt.Errorf("register %s connector: %w", f.Provider, err)
		}
	}
	return registry, nil
}

func initEventLog(ctx context.Context, cfg config.EventLogConfig, log *zap.Logger) *eventlog.Client {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	client := &eventlog.Client{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Agent:   cfg.Agent,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
	loginCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Login(loginCtx); err != nil {
		log.Warn("event log login failed; events disabled", zap.Error(err))
		return nil
	}
	log.Info("event log client ready", zap.String("base_url", cfg.BaseURL))
	return client
}
