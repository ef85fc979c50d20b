// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/api"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/detector"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/dispatcher"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/fetcher/httpfetch"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/normalize"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/proxypool"
	memorypublisher "github.com/JakeFAU/realtime-cpi-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-cpi-harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/realtime-cpi-harvester/internal/queue/memory"
	queueRedis "github.com/JakeFAU/realtime-cpi-harvester/internal/queue/redis"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/ratecontrol"
	gcsstorage "github.com/JakeFAU/realtime-cpi-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-cpi-harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/realtime-cpi-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-cpi-harvester/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/telemetry"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Queue is a task queue backend with its operator surface.
type Queue interface {
	extract.Queue
	extract.DeadLetterStore
	extract.Pinger
	Close() error
}

type recordBackend interface {
	extract.RecordStore
	extract.RecordReader
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  extract.Clock

	queue        Queue
	redisQueue   *queueRedis.Queue
	pool         *proxypool.Pool
	limiter      *ratecontrol.Controller
	fetcher      *httpfetch.Fetcher
	records      recordBackend
	pgStore      *pgstore.RecordStore
	blobs        extract.BlobStore
	publisher    extract.Publisher
	checks       map[string]extract.Pinger
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server
	storage      *storage.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies. Call Close when done.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	logger = logging.OrNop(logger)
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		checks: make(map[string]extract.Pinger),
	}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Workers.Count),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("sites", len(cfg.Sites)),
	)

	if app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	if app.queue, app.redisQueue, err = OpenQueue(cfg, app.clock, logger); err != nil {
		return nil, err
	}
	app.checks["queue"] = app.queue

	if err = app.setupProxies(); err != nil {
		return nil, err
	}
	app.limiter = ratecontrol.New(rateConfig(cfg.Rate), app.clock, logger.Named("ratecontrol"))
	app.fetcher = httpfetch.New(httpfetch.Config{
		UserAgent:    cfg.Workers.UserAgent,
		Timeout:      cfg.Workers.RequestTimeout,
		MaxBodyBytes: cfg.Workers.MaxBodyBytes,
	})

	if err = app.setupRecords(ctx); err != nil {
		return nil, err
	}
	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}

	norm, err := normalize.New(sitesFromConfig(cfg.Sites), sha256.New())
	if err != nil {
		return nil, fmt.Errorf("normalizer init failed: %w", err)
	}
	classifier := detector.NewSet(detector.New(detector.Config{
		BlockStatuses: cfg.Detector.BlockStatuses,
		BodyMarkers:   cfg.Detector.BodyMarkers,
		JSONMarkers:   cfg.Detector.JSONMarkers,
		HeaderMarkers: cfg.Detector.HeaderMarkers,
		MinBodyBytes:  cfg.Detector.MinBodyBytes,
	}), norm.Formats())

	if err = app.setupDispatcher(norm, classifier); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Submitter:   app.dispatch,
		DeadLetters: app.queue,
		Records:     app.records,
		Proxies:     app.pool,
		Domains:     app.limiter,
		Checks:      app.checks,
	}, cfg.Auth, logger.Named("api"))

	return app, nil
}

// OpenQueue connects the configured queue backend. The redis queue is also
// returned on its own so its maintenance loop can be scheduled.
func OpenQueue(cfg config.Config, clock extract.Clock, logger *zap.Logger) (Queue, *queueRedis.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		q, err := queueRedis.New(client, queueRedis.Options{
			Name:                cfg.Queue.Name,
			VisibilityTimeout:   cfg.Queue.VisibilityTimeout,
			MaxAttempts:         cfg.Queue.MaxAttempts,
			DequeueTimeout:      cfg.Workers.DequeueTimeout,
			MaintenanceInterval: cfg.Queue.MaintenanceInterval,
		}, clock, logger.Named("queue"))
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		logger.Info("using redis queue", zap.String("addr", cfg.Queue.RedisAddr), zap.String("name", cfg.Queue.Name))
		return q, q, nil
	default:
		logger.Warn("using in-memory queue; tasks do not survive a restart")
		return queueMemory.NewQueue(queueMemory.Options{
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MaxAttempts:       cfg.Queue.MaxAttempts,
			DequeueTimeout:    cfg.Workers.DequeueTimeout,
		}, clock), nil, nil
	}
}

// SeenSetFor returns the submitted-URL set for q's backend, or nil when
// queue.dedupe is off. The redis set is shared by every submitter.
func SeenSetFor(cfg config.Config, q Queue) extract.SeenSet {
	if !cfg.Queue.Dedupe {
		return nil
	}
	if rq, ok := q.(*queueRedis.Queue); ok {
		return rq.SeenSet()
	}
	return queueMemory.NewSeenSet()
}

func (a *App) setupProxies() error {
	raw := a.cfg.Proxies.Endpoints
	if len(raw) == 0 {
		a.logger.Warn("no proxies configured, fetching directly")
		raw = []string{proxypool.DirectEndpoint}
	}
	endpoints, err := proxypool.ParseEndpoints(raw)
	if err != nil {
		return fmt.Errorf("proxy endpoints: %w", err)
	}
	p := a.cfg.Proxies
	a.pool, err = proxypool.New(endpoints, proxypool.Config{
		MaxConcurrent:    p.MaxConcurrent,
		FailureThreshold: p.FailureThreshold,
		HealthFloor:      p.HealthFloor,
		InitialHealth:    p.InitialHealth,
		SuccessReward:    p.SuccessReward,
		BlockPenalty:     p.BlockPenalty,
		NetworkPenalty:   p.NetworkPenalty,
		BaseCooldown:     p.BaseCooldown,
		MaxCooldown:      p.MaxCooldown,
	}, a.clock, a.logger.Named("proxypool"))
	if err != nil {
		return fmt.Errorf("proxy pool init failed: %w", err)
	}
	a.logger.Info("proxy pool initialized", zap.Int("proxies", len(endpoints)))
	return nil
}

func (a *App) setupRecords(ctx context.Context) error {
	db := a.cfg.Database
	if db.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory record store")
		a.records = memoryStorage.NewRecordStore(a.clock)
		return nil
	}
	store, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
		DSN:             db.DSN,
		Table:           db.Table,
		HistoryTable:    db.HistoryTable,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	}, a.clock)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	a.pgStore = store
	a.records = store
	a.checks["postgres"] = store
	if db.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply record schema: %w", err)
		}
		a.logger.Info("record schema ensured", zap.String("table", db.Table), zap.String("history_table", db.HistoryTable))
	}
	a.logger.Info("record store initialized", zap.String("table", db.Table))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		// The worker already prefixes diagnostic paths.
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.checks["gcs"] = blobs
		a.logger.Info("using GCS diagnostic storage", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.checks["storage"] = blobs
		a.logger.Info("using local diagnostic storage", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		a.logger.Info("using in-memory diagnostic storage")
		a.blobs = memoryStorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient.Publisher(a.cfg.PubSub.TopicName))
	a.publisher = a.gcpPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupDispatcher(norm *normalize.Normalizer, classifier extract.Classifier) error {
	w := a.cfg.Workers
	workerCfg := worker.Config{
		RequestTimeout:    w.RequestTimeout,
		WriteTimeout:      w.WriteTimeout,
		NoProxyBackoff:    w.NoProxyBackoff,
		NoProxyBackoffMax: w.NoProxyBackoffMax,
		RetryBaseDelay:    w.RetryBaseDelay,
		RetryMaxDelay:     w.RetryMaxDelay,
		SampleBytes:       a.cfg.Detector.SampleBytes,
		DiagnosticPrefix:  a.cfg.Storage.Prefix,
		Topic:             a.cfg.PubSub.TopicName,
	}
	deps := worker.Deps{
		Queue:      a.queue,
		Proxies:    a.pool,
		Limiter:    a.limiter,
		Fetcher:    a.fetcher,
		Classifier: classifier,
		Normalizer: norm,
		Records:    a.records,
		Blobs:      a.blobs,
		Publisher:  a.publisher,
		Clock:      a.clock,
	}

	workers := make([]dispatcher.Runner, 0, w.Count)
	for i := range w.Count {
		wk, err := worker.New(deps, workerCfg, a.logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return fmt.Errorf("worker init failed: %w", err)
		}
		workers = append(workers, wk)
	}
	background := []dispatcher.Runner{a.limiter}
	if a.redisQueue != nil {
		background = append(background, a.redisQueue)
	}
	a.dispatch = dispatcher.New(a.queue, uuid.NewUUIDGenerator(), a.clock, workers, background, a.logger.Named("dispatcher")).
		DedupeWith(SeenSetFor(a.cfg, a.queue))
	return nil
}

// Run serves the API and runs the worker pool until ctx ends or either fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatch.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Dispatcher exposes task submission for commands that share the App.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Close releases every backend that Build opened. Safe on a partial App.
func (a *App) Close() {
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func rateConfig(r config.RateConfig) ratecontrol.Config {
	return ratecontrol.Config{
		InitialLimit:      r.InitialLimit,
		MaxLimit:          r.MaxLimit,
		WindowSize:        r.WindowSize,
		MinSamples:        r.MinSamples,
		AdjustEvery:       r.AdjustEvery,
		AdjustInterval:    r.AdjustInterval,
		HighBlockRate:     r.HighBlockRate,
		LowBlockRate:      r.LowBlockRate,
		SustainCycles:     r.SustainCycles,
		AdditiveStep:      r.AdditiveStep,
		SlotTimeout:       r.SlotTimeout,
		RequestsPerSecond: r.RequestsPerSecond,
		Burst:             r.Burst,
	}
}

func sitesFromConfig(sites []config.SiteConfig) []normalize.Site {
	out := make([]normalize.Site, 0, len(sites))
	for _, s := range sites {
		out = append(out, normalize.Site{
			Domain:      s.Domain,
			Format:      s.Format,
			IDField:     s.IDField,
			RecordsPath: s.RecordsPath,
			Fields:      s.Fields,
			Required:    s.Required,
			Constants:   s.Constants,
			Headers:     s.Headers,
		})
	}
	return out
}
