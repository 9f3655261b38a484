package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/api"
	"github.com/JakeFAU/grant-scout/internal/clock/system"
	"github.com/JakeFAU/grant-scout/internal/config"
	collyfetcher "github.com/JakeFAU/grant-scout/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/grant-scout/internal/fetcher/headless"
	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/id/uuid"
	"github.com/JakeFAU/grant-scout/internal/ingest"
	"github.com/JakeFAU/grant-scout/internal/logging"
	"github.com/JakeFAU/grant-scout/internal/metrics"
	"github.com/JakeFAU/grant-scout/internal/monitor"
	"github.com/JakeFAU/grant-scout/internal/policy/ratelimit"
	"github.com/JakeFAU/grant-scout/internal/progress"
	progresssinks "github.com/JakeFAU/grant-scout/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/grant-scout/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/grant-scout/internal/publisher/pubsub"
	"github.com/JakeFAU/grant-scout/internal/registry"
	"github.com/JakeFAU/grant-scout/internal/scheduler"
	gcsstorage "github.com/JakeFAU/grant-scout/internal/storage/gcs"
	memorystorage "github.com/JakeFAU/grant-scout/internal/storage/memory"
	pgstore "github.com/JakeFAU/grant-scout/internal/storage/postgres"
	"github.com/JakeFAU/grant-scout/internal/telemetry"
)

const defaultTopic = "grant-job-events"

// Build creates the application from cfg with a production logger and the
// default Prometheus registerer.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

//nolint:funlen // wiring is linear
func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *App, err error) {
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Named("cron").Sugar()})))}
	defer func() {
		if err != nil {
			a.release(ctx)
		}
	}()

	a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	ready, err := a.setupStore(ctx)
	if err != nil {
		return nil, err
	}

	sources := registry.New(a.store, clock, logger.Named("registry"), cfg.Scheduler.FailureThreshold)
	if err = sources.Seed(ctx, cfg.Sources); err != nil {
		return nil, fmt.Errorf("seed sources: %w", err)
	}

	limiter, err := setupLimiter(ctx, cfg, sources, clock)
	if err != nil {
		return nil, err
	}

	engines, err := a.setupEngines()
	if err != nil {
		return nil, err
	}

	snapshots, err := a.setupSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	if err = a.setupProgress(ctx, reg); err != nil {
		return nil, err
	}

	a.scheduler, err = scheduler.New(scheduler.Config{
		MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
		RetryAttempts:     cfg.Scheduler.RetryAttempts,
		BackoffInitial:    cfg.Scheduler.BackoffInitial,
		BackoffMax:        cfg.Scheduler.BackoffMax,
		JobTimeout:        cfg.Scheduler.JobTimeout,
	}, scheduler.Deps{
		Registry:  sources,
		Jobs:      a.store,
		Limiter:   limiter,
		Engines:   engines,
		Ingester:  ingest.NewProcessor(a.store, ids, clock, logger.Named("ingest")),
		Snapshots: snapshots,
		IDs:       ids,
		Clock:     clock,
		Events:    a.hub,
		Logger:    logger.Named("scheduler"),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	a.api = api.NewServer(api.Deps{
		Scheduler: a.scheduler,
		Sources:   sources,
		Jobs:      a.store,
		Monitor:   monitor.New(sources, a.store, clock),
		Ready:     ready,
		Logger:    logger.Named("api"),
	}, cfg.Server.RequestTimeout)

	logger.Info("application built",
		zap.Int("sources", len(cfg.Sources)),
		zap.Int("max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs),
		zap.String("version", Version),
	)
	return a, nil
}

// release closes whatever a partially built App already opened.
func (a *App) release(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// setupStore opens Postgres when a DSN is configured and falls back to the
// in-memory store otherwise. It returns the readiness probe for the store.
func (a *App) setupStore(ctx context.Context) (func(context.Context) error, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database dsn configured, using in-memory store")
		a.store = memorystorage.NewStore()
		return nil, nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.store = pg
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return pg.Ping, nil
}

// setupLimiter applies the global defaults and every per-source override
// known to the registry.
func setupLimiter(ctx context.Context, cfg config.Config, sources *registry.Registry, clock grant.Clock) (*ratelimit.Limiter, error) {
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute:    cfg.RateLimit.RequestsPerMinute,
		DelayBetweenRequests: cfg.RateLimit.DelayBetweenRequests,
		MaxWait:              cfg.RateLimit.MaxWait,
	}, clock)
	all, err := sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	for _, src := range all {
		if src.RateLimit != nil {
			limiter.Override(src.ID, *src.RateLimit)
		}
	}
	return limiter, nil
}

func (a *App) setupEngines() ([]grant.Engine, error) {
	static, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:       a.cfg.Static.UserAgent,
		Timeout:         a.cfg.Static.Timeout,
		FollowRedirects: a.cfg.Static.FollowRedirects,
		ProxyURL:        a.cfg.Proxy.URL(),
		APIKeys:         a.cfg.APIKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("static engine init failed: %w", err)
	}
	a.logger.Info("using colly static engine", zap.String("user_agent", a.cfg.Static.UserAgent))

	if !a.cfg.Browser.Enabled {
		a.logger.Info("browser engine disabled")
		return []grant.Engine{static, headlessfetcher.NewNoop()}, nil
	}
	a.browser, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel: a.cfg.Browser.MaxParallel,
		UserAgent:   a.cfg.Static.UserAgent,
		Timeout:     a.cfg.Browser.Timeout,
		Headless:    a.cfg.Browser.Headless,
		ProxyURL:    a.cfg.Proxy.URL(),
		APIKeys:     a.cfg.APIKeys,
	})
	if err != nil {
		a.logger.Warn("browser engine init failed", zap.Error(err))
		return []grant.Engine{static, headlessfetcher.NewNoop()}, nil
	}
	a.logger.Info("using chromedp browser engine", zap.Int("max_parallel", a.cfg.Browser.MaxParallel))
	return []grant.Engine{static, a.browser}, nil
}

func (a *App) setupSnapshots(ctx context.Context) (grant.BlobStore, error) {
	target, err := a.cfg.Snapshots.Target()
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case "gs":
		a.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcs, gcsstorage.Config{Bucket: target.Bucket, Prefix: target.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving snapshots to GCS", zap.String("bucket", target.Bucket), zap.String("prefix", target.Prefix))
		return blobs, nil
	case "memory":
		a.logger.Info("archiving snapshots in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("snapshot archiving disabled")
		return nil, nil
	}
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	target, err := a.cfg.Queue.Target()
	if err != nil {
		return err
	}
	topic := target.Topic
	if topic == "" {
		topic = defaultTopic
	}

	var publish *progresssinks.PublishSink
	switch target.Scheme {
	case "pubsub":
		pub, err := pubsubpublisher.Open(ctx, target.Project, topic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		publish = progresssinks.NewPublishSink(pub, topic, pub.Close)
		a.logger.Info("publishing job events to Pub/Sub", zap.String("project", target.Project), zap.String("topic", topic))
	default:
		pub := memorypublisher.New()
		publish = progresssinks.NewPublishSink(pub, topic, pub.Close)
		a.logger.Info("publishing job events in memory", zap.String("topic", topic))
	}

	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchMaxEvents,
		MaxBatchWait:   a.cfg.Progress.BatchMaxWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		publish,
	)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
