// Package app builds the long-lived services from configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/alert"
	"github.com/JakeFAU/meerkat/internal/analyst"
	"github.com/JakeFAU/meerkat/internal/api"
	"github.com/JakeFAU/meerkat/internal/clock/system"
	"github.com/JakeFAU/meerkat/internal/config"
	"github.com/JakeFAU/meerkat/internal/dispatcher"
	"github.com/JakeFAU/meerkat/internal/fingerprint"
	"github.com/JakeFAU/meerkat/internal/hash/sha256"
	"github.com/JakeFAU/meerkat/internal/id/uuid"
	"github.com/JakeFAU/meerkat/internal/inference"
	"github.com/JakeFAU/meerkat/internal/logging"
	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/notify"
	"github.com/JakeFAU/meerkat/internal/pipeline"
	"github.com/JakeFAU/meerkat/internal/progress"
	progresssinks "github.com/JakeFAU/meerkat/internal/progress/sinks"
	"github.com/JakeFAU/meerkat/internal/queue"
	queueMemory "github.com/JakeFAU/meerkat/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/meerkat/internal/queue/pubsub"
	"github.com/JakeFAU/meerkat/internal/schedule"
	"github.com/JakeFAU/meerkat/internal/snapshot"
	gcsstorage "github.com/JakeFAU/meerkat/internal/storage/gcs"
	localstorage "github.com/JakeFAU/meerkat/internal/storage/local"
	memoryStorage "github.com/JakeFAU/meerkat/internal/storage/memory"
	pgstore "github.com/JakeFAU/meerkat/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/meerkat/internal/storage/sqlite"
	"github.com/JakeFAU/meerkat/internal/telemetry"
	"github.com/JakeFAU/meerkat/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  monitor.Clock

	store       monitor.Store
	pgStore     *pgstore.Store
	progress    progress.Store
	tracker     *progress.Tracker
	progressHub *progress.Hub
	snapshotter *snapshot.Snapshotter
	pipeline    *pipeline.Orchestrator
	alerts      *alert.Dispatcher
	queue       queue.Queue
	memQueue    *queueMemory.Queue
	pubsubQueue *queuePubSub.Queue
	dispatch    *dispatcher.Dispatcher
	scheduler   *schedule.Scheduler
	apiServer   *api.Server

	pubsubClient   *pubsub.Client
	alertPublisher *notify.PubSub
	storage        *storage.Client
	tracerShutdown func(context.Context) error

	closeOnce sync.Once
}

// Option adjusts Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	capturer   pipeline.Capturer
	notifier   notify.Notifier
	clock      monitor.Clock
}

// WithLogger reuses logger instead of building one from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers progress collectors against reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithCapturer replaces the Chrome snapshotter.
func WithCapturer(c pipeline.Capturer) Option {
	return func(o *options) { o.capturer = c }
}

// WithNotifier replaces the configured notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock replaces the wall clock.
func WithClock(c monitor.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	clock := o.clock
	if clock == nil {
		clock = system.New()
	}

	app := &App{cfg: cfg, logger: logger, clock: clock}
	logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Driver),
		zap.String("blob", cfg.Blob.Driver),
		zap.String("queue", cfg.Worker.Queue),
		zap.String("notify", cfg.Notify.Driver),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx, o); err != nil {
		app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o options) error {
	var err error
	a.store, a.pgStore, err = openStore(ctx, a.cfg.Store, a.logger)
	if err != nil {
		return err
	}
	if err := a.setupProgress(o.registerer); err != nil {
		return err
	}
	blobs, err := a.setupBlob(ctx)
	if err != nil {
		return err
	}
	capturer := o.capturer
	if capturer == nil {
		a.snapshotter, err = snapshot.New(a.cfg.SnapshotSettings(), blobs, a.logger.Named("snapshot"))
		if err != nil {
			return fmt.Errorf("snapshotter init failed: %w", err)
		}
		capturer = a.snapshotter
	}
	if err := a.setupPipeline(capturer); err != nil {
		return err
	}
	notifier := o.notifier
	if notifier == nil {
		notifier, err = a.setupNotifier(ctx)
		if err != nil {
			return err
		}
	}
	a.alerts, err = alert.New(a.store, notifier, a.clock, a.cfg.Alert, a.logger.Named("alert"))
	if err != nil {
		return fmt.Errorf("alert dispatcher init failed: %w", err)
	}
	if err := a.setupQueue(ctx); err != nil {
		return err
	}
	a.setupDispatcher()

	a.scheduler, err = schedule.New(
		a.store,
		a.tracker,
		a.dispatch,
		a.clock,
		a.cfg.Schedule.Tick,
		a.logger.Named("schedule"),
	)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.apiServer = api.NewServer(api.Deps{
		Targets:   a.store,
		Scans:     a.store,
		Submitter: a.dispatch,
		Progress:  a.tracker,
		Clock:     a.clock,
		Logger:    a.logger,
	}, api.Config{RequestTimeout: a.cfg.Server.RequestTimeout})
	return nil
}

// OpenStore opens the configured record store without building the rest of
// the application. Used by CLI commands that only touch targets.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (monitor.Store, error) {
	store, _, err := openStore(ctx, cfg, logger)
	return store, err
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (monitor.Store, *pgstore.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			EnsureSchema:    cfg.EnsureSchema,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres store")
		return pg, pg, nil
	case "sqlite":
		st, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.Path))
		return st, nil, nil
	case "memory":
		logger.Info("using in-memory store")
		return memoryStorage.NewStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func (a *App) setupBlob(ctx context.Context) (monitor.BlobStore, error) {
	switch a.cfg.Blob.Driver {
	case "gcs":
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Blob.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Blob.Bucket, Prefix: a.cfg.Blob.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Blob.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory blob store")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	switch a.cfg.Progress.Backend {
	case "postgres":
		if a.pgStore == nil {
			return errors.New("postgres progress backend requires the postgres store")
		}
		a.progress = a.pgStore.Progress()
	default:
		a.progress = progress.NewMemoryStore(a.clock.Now)
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.progressHub = progress.NewHub(
		progress.HubConfig{Logger: a.logger.Named("progress_hub")},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.tracker = progress.NewTracker(a.progress,
		progress.WithTTL(a.cfg.Progress.TTL),
		progress.WithClock(a.clock.Now),
		progress.WithEmitter(a.progressHub),
		progress.WithLogger(a.logger.Named("progress")),
	)
	a.logger.Info("progress tracking initialized",
		zap.String("backend", a.cfg.Progress.Backend),
		zap.Duration("ttl", a.cfg.Progress.TTL),
	)
	return nil
}

func (a *App) setupPipeline(capturer pipeline.Capturer) error {
	hasher := sha256.New()
	client, err := inference.New(a.cfg.Inference)
	if err != nil {
		return fmt.Errorf("inference client init failed: %w", err)
	}
	an, err := analyst.New(client, a.cfg.Analyst, a.logger.Named("analyst"))
	if err != nil {
		return fmt.Errorf("analyst init failed: %w", err)
	}
	a.pipeline, err = pipeline.New(pipeline.Deps{
		Store:    a.store,
		Scout:    fingerprint.New(a.cfg.FingerprintSettings(), hasher, a.logger.Named("fingerprint")),
		Capturer: capturer,
		Analyzer: an,
		Hasher:   hasher,
		Clock:    a.clock,
		IDs:      uuid.New(),
		Tracker:  a.tracker,
		Logger:   a.logger.Named("pipeline"),
	}, a.cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	a.logger.Info("pipeline initialized",
		zap.String("inference", a.cfg.Inference.Provider),
		zap.String("model", a.cfg.Inference.Model),
		zap.Bool("force_scout", a.cfg.Pipeline.ForceScout),
	)
	return nil
}

func (a *App) pubsub(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsubClient != nil {
		return a.pubsubClient, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	return client, nil
}

func (a *App) setupNotifier(ctx context.Context) (notify.Notifier, error) {
	switch a.cfg.Notify.Driver {
	case "smtp":
		n, err := notify.NewSMTP(a.cfg.Notify.SMTP)
		if err != nil {
			return nil, fmt.Errorf("smtp notifier init failed: %w", err)
		}
		a.logger.Info("using smtp notifier", zap.String("host", a.cfg.Notify.SMTP.Host))
		return n, nil
	case "webhook":
		n, err := notify.NewWebhook(a.cfg.Notify.Webhook, a.logger.Named("webhook"))
		if err != nil {
			return nil, fmt.Errorf("webhook notifier init failed: %w", err)
		}
		a.logger.Info("using webhook notifier")
		return n, nil
	case "pubsub":
		client, err := a.pubsub(ctx)
		if err != nil {
			return nil, err
		}
		a.alertPublisher, err = notify.NewPubSub(client.Topic(a.cfg.PubSub.AlertTopic))
		if err != nil {
			return nil, fmt.Errorf("pubsub notifier init failed: %w", err)
		}
		a.logger.Info("using pubsub notifier", zap.String("topic", a.cfg.PubSub.AlertTopic))
		return a.alertPublisher, nil
	default:
		a.logger.Info("using log notifier")
		return notify.NewLog(a.logger.Named("notify")), nil
	}
}

func (a *App) setupQueue(ctx context.Context) error {
	if a.cfg.Worker.Queue == "pubsub" {
		client, err := a.pubsub(ctx)
		if err != nil {
			return err
		}
		var sub *pubsub.Subscription
		if a.cfg.PubSub.ScanSubscription != "" {
			sub = client.Subscription(a.cfg.PubSub.ScanSubscription)
		}
		a.pubsubQueue, err = queuePubSub.New(
			client.Topic(a.cfg.PubSub.ScanTopic),
			sub,
			a.logger.Named("queue"),
		)
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.queue = a.pubsubQueue
		a.logger.Info("using pubsub queue",
			zap.String("topic", a.cfg.PubSub.ScanTopic),
			zap.String("subscription", a.cfg.PubSub.ScanSubscription),
		)
		return nil
	}
	a.memQueue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
	a.queue = a.memQueue
	a.logger.Info("using in-memory queue", zap.Int("depth", a.cfg.Worker.QueueDepth))
	return nil
}

func (a *App) setupDispatcher() {
	policy := worker.FixedRetryPolicy{MaxAttempts: a.cfg.Worker.MaxAttempts, Delay: a.cfg.Worker.Backoff}
	workers := make([]*worker.Worker, 0, a.cfg.Worker.Count)
	for i := 0; i < a.cfg.Worker.Count; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.pipeline,
			a.alerts,
			policy,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers, uuid.New(), a.clock)
	a.logger.Info("worker pool initialized",
		zap.Int("workers", a.cfg.Worker.Count),
		zap.Int("max_attempts", a.cfg.Worker.MaxAttempts),
		zap.Duration("backoff", a.cfg.Worker.Backoff),
	)
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the record store.
func (a *App) Store() monitor.Store { return a.store }

// Pipeline returns the orchestrator.
func (a *App) Pipeline() *pipeline.Orchestrator { return a.pipeline }

// Alerts returns the alert dispatcher.
func (a *App) Alerts() *alert.Dispatcher { return a.alerts }

// Tracker returns the progress tracker.
func (a *App) Tracker() *progress.Tracker { return a.tracker }

// Scheduler returns the periodic driver.
func (a *App) Scheduler() *schedule.Scheduler { return a.scheduler }

// Dispatcher returns the worker pool front.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run starts workers, the scheduler and the HTTP server and blocks until ctx
// is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	a.logger.Info("application started")

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info(name + " started")
			fn(ctx)
		}()
	}
	if a.pubsubQueue != nil {
		start("pubsub receiver", a.pubsubQueue.Start)
	}
	start("dispatcher", a.dispatch.Run)
	if a.cfg.Schedule.Enabled {
		start("scheduler", a.scheduler.Run)
	}
	if purger, ok := a.progress.(*pgstore.ProgressStore); ok {
		start("progress purge", func(ctx context.Context) { a.purgeProgress(ctx, purger) })
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	var serveErr error
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr = err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	wg.Wait()
	a.Close(shutdownCtx)
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

func (a *App) purgeProgress(ctx context.Context, purger *pgstore.ProgressStore) {
	interval := a.cfg.Progress.TTL
	if interval <= 0 {
		interval = progress.DefaultTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.Purge(ctx)
			if err != nil {
				a.logger.Warn("progress purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Debug("purged expired progress", zap.Int64("rows", n))
			}
		}
	}
}

// Close gracefully shuts down the application. Safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.snapshotter != nil {
		if err := a.snapshotter.Close(); err != nil {
			a.logger.Warn("snapshotter close failed", zap.Error(err))
		}
	}
	if a.pubsubQueue != nil {
		a.pubsubQueue.Close()
	}
	if a.alertPublisher != nil {
		a.alertPublisher.Close()
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
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}
