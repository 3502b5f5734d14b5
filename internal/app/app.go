// Package app assembles a crawl run from configuration: storage backend,
// page store, fetcher, frontier, optional fan-out sinks and the status
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	pgcatalog "github.com/JakeFAU/listing-crawler/internal/catalog/postgres"
	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/fetcher"
	"github.com/JakeFAU/listing-crawler/internal/frontier"
	"github.com/JakeFAU/listing-crawler/internal/hash/sha256"
	"github.com/JakeFAU/listing-crawler/internal/id/uuid"
	"github.com/JakeFAU/listing-crawler/internal/logging"
	"github.com/JakeFAU/listing-crawler/internal/pagestore"
	"github.com/JakeFAU/listing-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/listing-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-crawler/internal/status"
	gcsstorage "github.com/JakeFAU/listing-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-crawler/internal/storage/memory"
)

// MemoryLocation keeps pages in-process; useful for dry runs.
const MemoryLocation = "memory://"

type publisher interface {
	crawler.Publisher
	Close() error
}

// App contains the dependencies of one crawl run.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string

	blobs         pagestore.BlobStore
	storageClient *storage.Client
	pages         *pagestore.Store
	fetch         crawler.Fetcher
	proxyUsed     bool
	frontier      *frontier.Frontier
	engine        *crawler.Engine
	publisher     publisher
	catalog       *pgcatalog.Catalog
	status        *status.Server
	handleSignals bool
}

// Option customizes Build.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	fetcher        crawler.Fetcher
	pauser         crawler.Pauser
	rnd            *rand.Rand
	storageOptions []option.ClientOption
	pubsubOptions  []option.ClientOption
	noSignals      bool
}

// WithLogger uses logger instead of building one from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithPauser replaces the timer used for polite delays and 429 pauses.
func WithPauser(p crawler.Pauser) Option {
	return func(o *options) { o.pauser = p }
}

// WithRand fixes the random source for delays and user-agent rotation.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rnd = r }
}

// WithStorageOptions passes client options to the GCS client.
func WithStorageOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.storageOptions = append(o.storageOptions, opts...) }
}

// WithPubSubOptions passes client options to the Pub/Sub client.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOptions = append(o.pubsubOptions, opts...) }
}

// WithoutSignalHandling leaves SIGINT/SIGTERM to the caller.
func WithoutSignalHandling() Option {
	return func(o *options) { o.noSignals = true }
}

// Build creates the application's dependencies. Resources acquired before a
// failure are released before returning.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	if len(crawler.InScopeSeeds(cfg.Crawler.StartURLs, cfg.Rules())) == 0 {
		logger.Error("No valid in-scope seed URLs", zap.Strings("seeds", cfg.Crawler.StartURLs))
		return nil, fmt.Errorf("preflight: %w", crawler.ErrNoValidSeeds)
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	a := &App{
		cfg:           cfg,
		logger:        logger.With(zap.String("run_id", runID)),
		runID:         runID,
		frontier:      frontier.New(),
		handleSignals: !o.noSignals,
	}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.Background())
		}
	}()

	a.logger.Info("building crawl run",
		zap.String("output", cfg.Output.Location),
		zap.Int("max_pages", cfg.Crawler.MaxPages),
		zap.Int("concurrency", cfg.Crawler.Concurrency))

	if err = a.setupStorage(ctx, o.storageOptions); err != nil {
		return nil, err
	}
	a.pages = pagestore.New(pagestore.Config{RunID: runID}, a.blobs, sha256.New(), system.New(), a.logger)

	if err = a.setupFetcher(o); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx, o.pubsubOptions); err != nil {
		return nil, err
	}
	if err = a.setupCatalog(ctx); err != nil {
		return nil, err
	}
	if err = a.setupEngine(o); err != nil {
		return nil, err
	}
	if cfg.Metrics.Addr != "" {
		a.status = status.NewServer(cfg.Metrics.Addr, a.engine, a.logger)
	}
	return a, nil
}

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunID returns the identifier stamped on every record of this run.
func (a *App) RunID() string { return a.runID }

// Engine exposes the crawl controller.
func (a *App) Engine() *crawler.Engine { return a.engine }

// Blobs exposes the output backend.
func (a *App) Blobs() pagestore.BlobStore { return a.blobs }

// Publisher exposes the saved-page event sink.
func (a *App) Publisher() crawler.Publisher { return a.publisher }

// Run crawls until the budget is met, the frontier is exhausted or a
// termination signal arrives, then writes the run summary.
func (a *App) Run(ctx context.Context) (crawler.Result, error) {
	if a.handleSignals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	if a.status != nil {
		if _, err := a.status.Start(); err != nil {
			return crawler.Result{}, fmt.Errorf("start status server: %w", err)
		}
	}
	if a.proxyUsed {
		a.logger.Info("Proxy enabled for all requests")
	}

	res, err := a.engine.Run(ctx)
	if err != nil {
		return res, fmt.Errorf("crawl: %w", err)
	}

	uri, sumErr := a.pages.WriteSummary(context.WithoutCancel(ctx), pagestore.Summary{
		RunID:       res.RunID,
		BaseURL:     a.cfg.Crawler.BaseURL,
		Saved:       res.Saved,
		Target:      res.Target,
		Visited:     res.Visited,
		ProxyUsed:   a.proxyUsed,
		State:       string(a.engine.State()),
		BudgetMet:   res.BudgetMet,
		Interrupted: res.Interrupted,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
	})
	if sumErr != nil {
		a.logger.Error("Failed to write crawl summary", zap.Error(sumErr))
	} else {
		a.logger.Info("Crawl summary written", zap.String("uri", uri))
	}
	return res, nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.status != nil {
		if err := a.status.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) setupStorage(ctx context.Context, opts []option.ClientOption) error {
	location := strings.TrimSpace(a.cfg.Output.Location)
	switch {
	case location == MemoryLocation:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	case gcsstorage.IsURI(location):
		gcsCfg, err := gcsstorage.ParseURI(location)
		if err != nil {
			return fmt.Errorf("gcs location: %w", err)
		}
		a.storageClient, err = storage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storageClient, gcsCfg)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend",
			zap.String("bucket", gcsCfg.Bucket), zap.String("prefix", gcsCfg.Prefix))
	default:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: location})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", blobs.BaseDir()))
	}
	return nil
}

func (a *App) setupFetcher(o options) error {
	if o.fetcher != nil {
		a.fetch = o.fetcher
		return nil
	}
	var fopts []fetcher.Option
	if o.pauser != nil {
		fopts = append(fopts, fetcher.WithPauser(o.pauser))
	}
	if o.rnd != nil {
		fopts = append(fopts, fetcher.WithRand(rand.New(rand.NewPCG(o.rnd.Uint64(), o.rnd.Uint64()))))
	}
	f, err := fetcher.New(a.cfg.FetcherConfig(), a.logger, fopts...)
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}
	a.fetch = f
	a.proxyUsed = f.ProxyEnabled()
	return nil
}

func (a *App) setupPublisher(ctx context.Context, opts []option.ClientOption) error {
	if !a.cfg.PubSubEnabled() {
		a.logger.Debug("No Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, opts...)
	if err != nil {
		return fmt.Errorf("pubsub init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return nil
}

func (a *App) setupCatalog(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("No DSN specified, skipping page catalog")
		return nil
	}
	catalog, err := pgcatalog.New(ctx, pgcatalog.Config{DSN: a.cfg.DB.DSN, Table: a.cfg.DB.Table})
	if err != nil {
		return fmt.Errorf("catalog init failed: %w", err)
	}
	a.catalog = catalog
	if err := catalog.EnsureTable(ctx); err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}
	a.logger.Info("page catalog initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupEngine(o options) error {
	delayMin, delayMax := a.cfg.DelayRange()
	deps := crawler.Deps{
		Fetcher:   a.fetch,
		Store:     a.pages,
		Frontier:  a.frontier,
		Rules:     a.cfg.Rules(),
		Pauser:    o.pauser,
		Rand:      o.rnd,
		Publisher: a.publisher,
		Clock:     system.New(),
		RunID:     a.runID,
	}
	if a.catalog != nil {
		deps.Catalog = a.catalog
	}
	if a.cfg.Crawler.Concurrency > 1 {
		deps.Limiter = ratelimit.New(ratelimit.Config{MinInterval: delayMin})
	}
	engine, err := crawler.NewEngine(crawler.Config{
		Seeds:       a.cfg.Crawler.StartURLs,
		MaxPages:    a.cfg.Crawler.MaxPages,
		DelayMin:    delayMin,
		DelayMax:    delayMax,
		Concurrency: a.cfg.Crawler.Concurrency,
	}, deps, a.logger)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	a.engine = engine
	return nil
}
