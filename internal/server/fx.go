// Package server builds the application graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/api"
	"github.com/JakeFAU/court-records-scraper/internal/archive"
	"github.com/JakeFAU/court-records-scraper/internal/captcha"
	"github.com/JakeFAU/court-records-scraper/internal/clock/system"
	"github.com/JakeFAU/court-records-scraper/internal/config"
	"github.com/JakeFAU/court-records-scraper/internal/coordinator"
	"github.com/JakeFAU/court-records-scraper/internal/court"
	"github.com/JakeFAU/court-records-scraper/internal/extract"
	"github.com/JakeFAU/court-records-scraper/internal/hash/sha256"
	"github.com/JakeFAU/court-records-scraper/internal/id/uuid"
	"github.com/JakeFAU/court-records-scraper/internal/logging"
	"github.com/JakeFAU/court-records-scraper/internal/metrics"
	"github.com/JakeFAU/court-records-scraper/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/court-records-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/court-records-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/court-records-scraper/internal/scheduler"
	"github.com/JakeFAU/court-records-scraper/internal/session"
	gcsstorage "github.com/JakeFAU/court-records-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/court-records-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/court-records-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/court-records-scraper/internal/storage/postgres"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// App holds the wired dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	coordinator *coordinator.Coordinator
	apiServer   *api.Server
	scheduler   *scheduler.Scheduler

	pool       *pgxpool.Pool
	migrators  []migrator
	gcs        *gcsstorage.BlobStore
	gcpPublish *gcppublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.DB.DSN != ""),
	)

	ids := uuid.New()
	clk := system.New()

	repo, audit, pinger, err := app.setupDatabase(ctx, ids, clk)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.coordinator, err = app.setupCoordinator(repo, audit, blobs, publisher, ids, clk)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.scheduler, err = scheduler.New(app.coordinator, schedules(cfg), scheduleTimeout(cfg), logger.Named("scheduler"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.coordinator, repo, audit, pinger, *cfg, logger.Named("api"))
	return app, nil
}

func (a *App) setupDatabase(
	ctx context.Context,
	ids court.IDGenerator,
	clk court.Clock,
) (court.CaseRepository, court.AuditLog, api.Pinger, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory case and audit stores")
		return memorystorage.NewCaseStore(ids, clk), memorystorage.NewLogStore(), nil, nil
	}

	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool

	tables := make(map[court.Category]string)
	for _, cat := range court.Categories() {
		tables[cat] = a.cfg.Category(cat).Table
	}
	cases, err := pgstore.NewCaseStore(pool, ids, tables)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("case store init failed: %w", err)
	}
	logs, err := pgstore.NewLogStore(pool, a.cfg.DB.LogTable)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("log store init failed: %w", err)
	}
	a.migrators = []migrator{cases, logs}

	if a.cfg.DB.AutoMigrate {
		if err := a.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
	}
	a.logger.Info("postgres stores initialized", zap.String("log_table", a.cfg.DB.LogTable))
	return cases, logs, logs, nil
}

func (a *App) setupStorage(ctx context.Context) (court.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, a.cfg.Storage.Bucket)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS page archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(a.cfg.Storage.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local page archive", zap.String("path", a.cfg.Storage.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory page archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (court.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	a.gcpPublish = pub
	return pub, nil
}

func (a *App) setupCoordinator(
	repo court.CaseRepository,
	audit court.AuditLog,
	blobs court.BlobStore,
	publisher court.Publisher,
	ids court.IDGenerator,
	clk court.Clock,
) (*coordinator.Coordinator, error) {
	cfg := a.cfg
	if !cfg.ScrapeEnabled() {
		a.logger.Warn("site.page_url or captcha credentials missing; scrape runs will be blocked")
	}

	var limiter session.Waiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})
	}
	sessions := session.NewFactory(session.Config{
		PageURL:             cfg.Site.PageURL,
		SearchURL:           cfg.Site.SearchURL,
		DetailPath:          cfg.Site.DetailPath,
		UserAgent:           cfg.Site.UserAgent,
		Timeout:             cfg.RequestTimeout(),
		DialTimeout:         time.Duration(cfg.HTTP.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout: time.Duration(cfg.HTTP.TLSHandshakeTimeoutMs) * time.Millisecond,
	}, limiter, a.logger.Named("session"))

	tokens := captcha.New(captcha.Config{
		BaseURL:      cfg.Captcha.BaseURL,
		ClientKey:    cfg.Captcha.ClientKey,
		WebsiteURL:   cfg.Site.PageURL,
		WebsiteKey:   cfg.Captcha.SiteKey,
		PageAction:   cfg.Captcha.PageAction,
		TaskType:     cfg.Captcha.TaskType,
		MinScore:     cfg.Captcha.MinScore,
		MaxAttempts:  cfg.Captcha.MaxAttempts,
		PollInterval: cfg.PollInterval(),
		Timeout:      cfg.RequestTimeout(),
	}, a.logger.Named("captcha"))

	profiles, err := Profiles(cfg)
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(coordinator.Deps{
		Tokens:    tokens,
		Sessions:  coordinator.FromFactory(sessions),
		Repo:      repo,
		Audit:     audit,
		Archive:   archive.New(blobs, sha256.New(), cfg.Storage.Prefix, cfg.Storage.ContentType, a.logger.Named("archive")),
		Publisher: publisher,
		Clock:     clk,
		IDs:       ids,
	}, coordinator.Config{
		BatchSize:  cfg.Scrape.BatchSize,
		BatchPause: cfg.BatchPause(),
		Topic:      cfg.PubSub.TopicName,
		DetailURL:  sessions.DetailURL(),
		Profiles:   profiles,
	}, a.logger.Named("coordinator"))
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	return coord, nil
}

// Profiles builds one extraction profile per category from configuration.
func Profiles(cfg *config.Config) (map[court.Category]extract.Profile, error) {
	out := make(map[court.Category]extract.Profile, len(court.Categories()))
	for _, cat := range court.Categories() {
		cc := cfg.Category(cat)
		p, err := extract.NewProfile(cat, extract.Options{
			CaseTypeFilter:   cc.CaseTypeFilter,
			CaseStatusFilter: cc.CaseStatusFilter,
			CaseTypeMatch:    cc.CaseTypeMatch,
			AllowedStatuses:  cc.AllowedStatuses,
			Discovery:        extract.Discovery(cc.Discovery),
			SearchURL:        cc.SearchURL,
			LinkContains:     cc.LinkContains,
			CaseYear:         cc.CaseYear,
		})
		if err != nil {
			return nil, fmt.Errorf("%s profile: %w", cat, err)
		}
		out[cat] = p
	}
	return out, nil
}

func schedules(cfg *config.Config) map[court.Category]string {
	out := make(map[court.Category]string)
	for _, cat := range court.Categories() {
		if spec := cfg.Category(cat).Schedule; spec != "" {
			out[cat] = spec
		}
	}
	return out
}

func scheduleTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.RequestTimeout > 0 {
		return time.Duration(cfg.Server.RequestTimeout) * time.Second
	}
	return 10 * time.Minute
}

// Logger exposes the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scrape runs a single scrape for cat.
func (a *App) Scrape(ctx context.Context, cat court.Category) (court.Summary, error) {
	sum, err := a.coordinator.Run(ctx, cat)
	if err != nil {
		return sum, fmt.Errorf("scrape %s: %w", cat, err)
	}
	return sum, nil
}

// Migrate creates the case and audit tables when a database is configured.
func (a *App) Migrate(ctx context.Context) error {
	if len(a.migrators) == 0 {
		return fmt.Errorf("no database configured")
	}
	for _, m := range a.migrators {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	a.logger.Info("schema migrated")
	return nil
}

// Run serves the API and the scheduler until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.Start(ctx)
	a.logger.Info("scheduler started")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-a.scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		a.logger.Warn("scheduled runs still in flight at shutdown")
	}

	return a.Close(shutdownCtx)
}

// Close releases clients and flushes the logger.
func (a *App) Close(_ context.Context) error {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure() {
	if a.gcpPublish != nil {
		if err := a.gcpPublish.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
