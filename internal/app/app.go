// Package app builds and holds the long-lived services of a crawl run,
// acting as the dependency injection container for the CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/api"
	"github.com/JakeFAU/news-crawler/internal/archive"
	"github.com/JakeFAU/news-crawler/internal/browser"
	"github.com/JakeFAU/news-crawler/internal/clock"
	"github.com/JakeFAU/news-crawler/internal/config"
	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/extractor"
	collyfetcher "github.com/JakeFAU/news-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/news-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/news-crawler/internal/fetcher/hybrid"
	"github.com/JakeFAU/news-crawler/internal/fingerprint"
	"github.com/JakeFAU/news-crawler/internal/frontier"
	"github.com/JakeFAU/news-crawler/internal/hash/sha256"
	iduuid "github.com/JakeFAU/news-crawler/internal/id/uuid"
	"github.com/JakeFAU/news-crawler/internal/metrics"
	"github.com/JakeFAU/news-crawler/internal/orchestrator"
	"github.com/JakeFAU/news-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/news-crawler/internal/progress"
	"github.com/JakeFAU/news-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/news-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/news-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/news-crawler/internal/quality"
	"github.com/JakeFAU/news-crawler/internal/retry"
	"github.com/JakeFAU/news-crawler/internal/saver"
	"github.com/JakeFAU/news-crawler/internal/sources"
	"github.com/JakeFAU/news-crawler/internal/state"
	"github.com/JakeFAU/news-crawler/internal/storage/gcs"
	"github.com/JakeFAU/news-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/news-crawler/internal/storage/memory"
	"github.com/JakeFAU/news-crawler/internal/storage/postgres"
	"github.com/JakeFAU/news-crawler/internal/store"
)

// App holds every service of one crawl run. Build it with New and release
// it with Close.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	RunID        uuid.UUID
	Limiter      *ratelimit.Limiter
	Frontier     *frontier.Frontier
	Pool         *browser.Pool
	State        *state.Store
	Saver        *saver.Saver
	Catalog      *sources.Catalog
	Hub          *progress.Hub
	Runs         store.RunRepository
	Orchestrator *orchestrator.Orchestrator

	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	backend    crawler.Backend
	registerer prometheus.Registerer
	clock      crawler.Clock
	ids        crawler.IDGenerator
}

// WithBackend replaces the browser backend chosen by crawler.backend.
func WithBackend(b crawler.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithRegisterer registers progress metrics somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithIDGenerator replaces the UUIDv7 run ID generator. IDs must parse as
// UUIDs.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithClock replaces the system clock.
func WithClock(clk crawler.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// New builds every component of a run from cfg. It fails fast: any
// component that cannot be created aborts construction and releases what
// was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer, clock: clock.System{}, ids: iduuid.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	rawID, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	runID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse run id %q: %w", rawID, err)
	}
	a = &App{Config: cfg, Logger: logger, RunID: runID}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	logger.Info("initializing crawl services", zap.String("run_id", runID.String()))

	a.Catalog, err = sources.New(cfg.Categories)
	if err != nil {
		return a, fmt.Errorf("build source catalog: %w", err)
	}

	a.Limiter = ratelimit.New(ratelimit.Config{
		DefaultDelay:  cfg.RateLimit.DefaultDelay,
		MinDelay:      cfg.RateLimit.MinDelay,
		MaxDelay:      cfg.RateLimit.MaxDelay,
		BackoffFactor: cfg.RateLimit.BackoffFactor,
		SuccessFactor: cfg.RateLimit.SuccessFactor,
		Jitter:        cfg.RateLimit.Jitter,
		Logger:        logger.Named("ratelimit"),
	})
	a.Frontier = frontier.New(frontierConfig(cfg.Frontier, logger), a.Limiter)

	backend := o.backend
	if backend == nil {
		backend, err = buildBackend(cfg, logger)
		if err != nil {
			return a, err
		}
	}
	a.Pool, err = browser.New(browser.Config{
		Size:            cfg.Browser.PoolSize,
		PagesPerSession: cfg.Browser.PagesPerSession,
		MaxLifetime:     cfg.Browser.MaxLifetime,
		IdleTimeout:     cfg.Browser.IdleTimeout,
		MemoryThreshold: cfg.Browser.MemoryThreshold,
		OpenTimeout:     cfg.Browser.OpenTimeout,
		Clock:           o.clock,
		Logger:          logger.Named("browser"),
	}, backend)
	if err != nil {
		return a, fmt.Errorf("init browser pool: %w", err)
	}
	a.addCloser("browser pool", a.Pool.Close)

	a.State, err = state.New(state.Config{
		Path:             cfg.State.Path,
		BackupCount:      cfg.State.BackupCount,
		AutosaveInterval: cfg.State.AutosaveInterval,
		RunID:            runID.String(),
		Clock:            o.clock,
		Logger:           logger.Named("state"),
	})
	if err != nil {
		return a, fmt.Errorf("init state store: %w", err)
	}
	a.addCloser("state store", a.State.Close)

	a.Saver, err = saver.New(saver.Config{
		Dir:            cfg.Output.Dir,
		FlushThreshold: cfg.Output.FlushThreshold,
		Clock:          o.clock,
		Logger:         logger.Named("saver"),
	})
	if err != nil {
		return a, fmt.Errorf("init url saver: %w", err)
	}
	a.addCloser("url saver", a.Saver.FlushAll)

	registry, err := buildExtractors(cfg.Sites)
	if err != nil {
		return a, err
	}

	var index crawler.ArticleIndex
	if cfg.Postgres.Enabled {
		index, err = a.connectPostgres(ctx, cfg.Postgres)
		if err != nil {
			return a, err
		}
	}

	archiver, err := a.buildArchive(ctx, cfg, index)
	if err != nil {
		return a, err
	}

	hub, err := a.buildHub(ctx, cfg, o.registerer)
	if err != nil {
		return a, err
	}
	a.Hub = hub

	retryPolicy := retry.New(retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Factor:       cfg.Retry.Factor,
		Jitter:       cfg.Retry.Jitter,
	},
		retry.NeverRetry(retry.Is(browser.ErrPoolClosed), crawler.IsPermanentStatus),
		retry.OnRetry(func(_ int, err error, _ time.Duration) {
			metrics.ObserveRetry(crawler.KindOf(err).String())
		}),
		retry.WithLogger(logger.Named("retry")),
	)

	var analyzer *quality.Analyzer
	if cfg.Quality.Enabled {
		qc := quality.DefaultConfig()
		qc.MinTextLength = cfg.Quality.MinTextLength
		qc.MinTextHTMLRatio = cfg.Quality.MinTextHTMLRatio
		qc.MaxAdRatio = cfg.Quality.MaxAdRatio
		analyzer = quality.New(qc)
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Workers:            cfg.Crawler.Workers,
		MaxRPS:             cfg.Crawler.MaxRPS,
		SaveEvery:          cfg.Crawler.SaveEvery,
		DrainTimeout:       cfg.Crawler.DrainTimeout,
		MaxLinksPerListing: cfg.Crawler.MaxLinksPerListing,
		QualityThreshold:   cfg.Quality.Threshold,
		DuplicateThreshold: cfg.Fingerprint.Threshold,
		IdleWait:           time.Second,
	}, orchestrator.Deps{
		Frontier: a.Frontier,
		Limiter:  a.Limiter,
		Pool:     a.Pool,
		State:    a.State,
		Saver:    a.Saver,
		Fingerprints: fingerprint.New(fingerprint.Config{
			Threshold:       cfg.Fingerprint.Threshold,
			MaxFingerprints: cfg.Fingerprint.MaxFingerprints,
			ShingleSize:     cfg.Fingerprint.ShingleSize,
			Logger:          logger.Named("fingerprint"),
		}),
		Extractors: registry,
		Catalog:    a.Catalog,
		Retry:      retryPolicy,
		Quality:    analyzer,
		Archive:    archiver,
		Hub:        hub,
		RunID:      progress.UUIDToBytes(runID),
		Hasher:     sha256.New(),
		Clock:      o.clock,
		Logger:     logger.Named("orchestrator"),
	})
	if err != nil {
		return a, fmt.Errorf("init orchestrator: %w", err)
	}

	logger.Info("crawl services initialized",
		zap.String("backend", cfg.Crawler.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("postgres", cfg.Postgres.Enabled),
		zap.Int("categories", len(a.Catalog.Names())),
	)
	return a, nil
}

// Seed enqueues the catalog's seed pages and returns how many were accepted.
func (a *App) Seed() (int, error) {
	seeds, err := a.Catalog.Seeds(time.Now())
	if err != nil {
		return 0, fmt.Errorf("build seeds: %w", err)
	}
	return a.Orchestrator.Seed(seeds), nil
}

// APIServer builds the status API over this run's components.
func (a *App) APIServer() *api.Server {
	return api.NewServer(api.Options{
		Orchestrator: a.Orchestrator,
		Frontier:     a.Frontier,
		Pool:         a.Pool,
		Limiter:      a.Limiter,
		Hub:          a.Hub,
		Summary:      a.State,
		Runs:         a.Runs,
		Logger:       a.Logger.Named("api"),
	})
}

// Close releases external resources in reverse order of creation. Closing
// components the orchestrator already shut down is a no-op for them.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.Logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	// Sync fails on some terminals; nothing useful can be done about it.
	_ = a.Logger.Sync()
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

func frontierConfig(cfg config.FrontierConfig, logger *zap.Logger) frontier.Config {
	fc := frontier.Config{
		MaxDomainShare:  cfg.MaxDomainShare,
		ShareWarmup:     cfg.ShareWarmup,
		FairShareFloor:  cfg.FairShareFloor,
		ShareBasis:      frontier.ShareBasis(cfg.ShareBasis),
		AllowDuplicates: cfg.AllowDuplicates,
		Logger:          logger.Named("frontier"),
	}
	if cfg.Seen == "bloom" {
		fc.Seen = frontier.NewBloomSet(cfg.BloomCapacity, cfg.BloomFPRate)
	}
	return fc
}

func buildBackend(cfg config.Config, logger *zap.Logger) (crawler.Backend, error) {
	headless := func() crawler.Backend {
		return headlessfetcher.New(headlessfetcher.Config{
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			SettleDelay:       cfg.Browser.SettleDelay,
			DisableImages:     cfg.Browser.DisableImages,
			Headful:           cfg.Browser.Headful,
			ExecPath:          cfg.Browser.ExecPath,
			Logger:            logger.Named("chromedp"),
		})
	}
	static := func() crawler.Backend {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.Browser.StaticTimeout,
		})
	}
	switch cfg.Crawler.Backend {
	case config.BackendChromedp:
		return headless(), nil
	case config.BackendColly:
		return static(), nil
	case config.BackendHybrid:
		b, err := hybrid.New(static(), headless(), hybrid.Detector{}, logger.Named("hybrid"))
		if err != nil {
			return nil, fmt.Errorf("init hybrid backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown crawler backend %q", cfg.Crawler.Backend)
	}
}

func buildExtractors(sites []config.SiteConfig) (*extractor.Registry, error) {
	registry := extractor.NewRegistry(extractor.Readability{})
	for _, site := range sites {
		sel, err := extractor.NewSelector(site.Selectors)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", site.Domain, err)
		}
		registry.Register(site.Domain, sel)
	}
	return registry, nil
}

// connectPostgres opens the pool and returns the article index. Run tracking
// is attached to the App when enabled.
func (a *App) connectPostgres(ctx context.Context, cfg config.PostgresConfig) (crawler.ArticleIndex, error) {
	a.Logger.Info("connecting to postgres")
	pool, err := postgres.Connect(ctx, cfg.Config)
	if err != nil {
		return nil, err
	}
	a.addCloser("postgres", func() error {
		pool.Close()
		return nil
	})

	articles, err := postgres.NewArticleStore(pool, cfg.ArticlesTable)
	if err != nil {
		return nil, fmt.Errorf("init article store: %w", err)
	}
	var runs *postgres.RunStore
	if cfg.TrackRuns {
		runs, err = postgres.NewRunStore(pool)
		if err != nil {
			return nil, fmt.Errorf("init run store: %w", err)
		}
	}
	if cfg.EnsureSchema {
		if err := articles.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if runs != nil {
			if err := runs.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
	}
	if runs != nil {
		a.Runs = runs
	}
	return articles, nil
}

func (a *App) buildArchive(ctx context.Context, cfg config.Config, index crawler.ArticleIndex) (*archive.Archiver, error) {
	var blobs crawler.BlobStore
	switch cfg.Archive.Backend {
	case config.ArchiveNone:
		return nil, nil
	case config.ArchiveMemory:
		blobs = memorystorage.NewBlobStore()
	case config.ArchiveLocal:
		lb, err := local.New(local.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		blobs = lb
	case config.ArchiveGCS:
		gb, closeFn, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Archive.GCSBucket, Prefix: cfg.Archive.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.addCloser("gcs", closeFn)
		blobs = gb
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}

	var pub crawler.Publisher
	if cfg.PubSub.Topic != "" {
		p, closeFn, err := pubsubpublisher.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.addCloser("pubsub", closeFn)
		pub = p
	} else if cfg.Archive.Backend == config.ArchiveMemory {
		pub = memorypublisher.New()
	}

	archiver, err := archive.New(archive.Config{
		Prefix: cfg.Archive.Prefix,
		Topic:  cfg.PubSub.Topic,
		Logger: a.Logger.Named("archive"),
	}, blobs, index, pub)
	if err != nil {
		return nil, fmt.Errorf("init archiver: %w", err)
	}
	return archiver, nil
}

func (a *App) buildHub(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*progress.Hub, error) {
	prom, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(a.Logger.Named("progress")), prom}
	if a.Runs != nil {
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.Runs, a.Logger.Named("runs")))
	}
	hub := progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.Logger.Named("progress"),
	}, hubSinks...)
	a.addCloser("progress hub", func() error {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Crawler.DrainTimeout)
		defer cancel()
		return hub.Close(closeCtx)
	})
	return hub, nil
}
