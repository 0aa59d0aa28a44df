// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/browser"
	"github.com/JakeFAU/contract-harvester/internal/captcha"
	"github.com/JakeFAU/contract-harvester/internal/captcha/oracle"
	"github.com/JakeFAU/contract-harvester/internal/clock/system"
	"github.com/JakeFAU/contract-harvester/internal/config"
	"github.com/JakeFAU/contract-harvester/internal/enrich"
	"github.com/JakeFAU/contract-harvester/internal/fetch"
	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/id/uuid"
	"github.com/JakeFAU/contract-harvester/internal/logging"
	"github.com/JakeFAU/contract-harvester/internal/metrics"
	"github.com/JakeFAU/contract-harvester/internal/pdftext"
	"github.com/JakeFAU/contract-harvester/internal/pipeline"
	"github.com/JakeFAU/contract-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/contract-harvester/internal/progress"
	"github.com/JakeFAU/contract-harvester/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/contract-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/contract-harvester/internal/registry"
	"github.com/JakeFAU/contract-harvester/internal/search"
	"github.com/JakeFAU/contract-harvester/internal/storage/gcs"
	"github.com/JakeFAU/contract-harvester/internal/storage/local"
	"github.com/JakeFAU/contract-harvester/internal/storage/memory"
	"github.com/JakeFAU/contract-harvester/internal/storage/postgres"
	"github.com/JakeFAU/contract-harvester/internal/storage/sqlite"
)

// SessionFactory opens the browser tab the portal phases share. The returned
// func releases it.
type SessionFactory func(ctx context.Context) (harvest.BrowserSession, func(), error)

// Option customises an App.
type Option func(*App)

// WithSessionFactory replaces the Chrome launcher.
func WithSessionFactory(f SessionFactory) Option {
	return func(a *App) { a.openSession = f }
}

// WithOracle replaces the HTTP OCR client.
func WithOracle(o harvest.CaptchaOracle) Option {
	return func(a *App) { a.oracle = o }
}

// WithStore replaces the store selected by store.driver.
func WithStore(s harvest.ContractStore) Option {
	return func(a *App) { a.store = s }
}

// App holds all the shared, long-lived services for the application.
// The browser session is only launched when a portal phase asks for it, so
// extract and status runs never start Chrome.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	runID     string
	clock     harvest.Clock
	store     harvest.ContractStore
	ledger    *registry.FileLedger
	artifacts *local.ArtifactStore
	publisher harvest.Publisher
	hub       *progress.Hub
	closers   []func() error

	openSession  SessionFactory
	oracle       harvest.CaptchaOracle
	sessionOnce  sync.Once
	session      harvest.BrowserSession
	closeSession func()
	sessionErr   error
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetStore exposes the contract store.
func (a *App) GetStore() harvest.ContractStore {
	return a.store
}

// RunID identifies this process run in every log line.
func (a *App) RunID() string {
	return a.runID
}

// NewApp creates and initializes the services named by cfg. It fails fast if
// the store, artifact directory or publisher cannot be set up.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.New().RunID(),
		ledger: registry.NewFileLedger(cfg.Ledger.Path),
	}
	a.openSession = a.launchChrome
	metrics.Init()
	for _, opt := range opts {
		opt(a)
	}
	logger.Info("initializing application services", zap.String("run_id", a.runID))

	clock, err := system.InZone(cfg.Search.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("init clock: %w: %w", harvest.ErrFatalSetup, err)
	}
	a.clock = clock

	if a.store == nil {
		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		a.store = store
	}
	a.closers = append(a.closers, a.store.Close)
	if err := a.store.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	mirror, err := a.openMirror(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.artifacts, err = local.New(local.Config{
		BaseDir:     cfg.Artifacts.Dir,
		Prefix:      cfg.Artifacts.GCSPrefix,
		ContentType: cfg.Artifacts.ContentType,
	}, mirror, logger.Named("artifacts"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize artifacts: %w", err)
	}

	if cfg.Publish.Enabled {
		if err := a.openPublisher(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	progressLog := logger.Named("progress")
	a.hub = progress.NewHub(progress.Config{Logger: progressLog},
		sinks.NewLogSink(progressLog), sinks.NewMetricsSink())
	a.closers = append(a.closers, func() error { return a.hub.Close(context.Background()) })

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("mirror", mirror != nil),
		zap.Bool("publish", cfg.Publish.Enabled),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (harvest.ContractStore, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); !strings.HasPrefix(cfg.DSN, "file:") && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w: %w", harvest.ErrFatalSetup, err)
			}
		}
		return sqlite.New(cfg.DSN)
	case "memory":
		return memory.NewContractStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q: %w", cfg.Driver, harvest.ErrFatalSetup)
	}
}

// openMirror returns nil when no bucket is configured.
func (a *App) openMirror(ctx context.Context) (local.Mirror, error) {
	if a.cfg.Artifacts.GCSBucket == "" {
		return nil, nil
	}
	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w: %w", harvest.ErrFatalSetup, err)
	}
	a.closers = append(a.closers, client.Close)
	mirror, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Artifacts.GCSBucket})
	if err != nil {
		return nil, fmt.Errorf("create gcs mirror: %w: %w", harvest.ErrFatalSetup, err)
	}
	a.logger.Info("mirroring artifacts to gcs", zap.String("bucket", a.cfg.Artifacts.GCSBucket))
	return mirror, nil
}

func (a *App) openPublisher(ctx context.Context) error {
	client, err := pubsub.NewClient(ctx, a.cfg.Publish.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w: %w", harvest.ErrFatalSetup, err)
	}
	pub := pubsubpublisher.New(client, a.logger.Named("publisher"))
	a.closers = append(a.closers, pub.Close)
	if err := pub.EnsureTopic(ctx, a.cfg.Publish.Topic); err != nil {
		return err
	}
	a.publisher = pub
	return nil
}

func (a *App) launchChrome(context.Context) (harvest.BrowserSession, func(), error) {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Browser.RequestsPerSecond,
		Burst: a.cfg.Browser.Burst,
	}).WithObserver(metrics.ObserveRateLimitDelay)
	session, err := browser.New(browser.Config{
		Headless:          a.cfg.Browser.Headless,
		ExecPath:          a.cfg.Browser.ExecPath,
		UserAgent:         a.cfg.Browser.UserAgent,
		ActionTimeout:     a.cfg.Browser.ActionTimeout,
		NavigationTimeout: a.cfg.Browser.NavigationTimeout,
		DownloadDir:       a.cfg.Browser.DownloadDir,
	}, limiter, a.logger.Named("browser"))
	if err != nil {
		return nil, nil, err
	}
	return session, session.Close, nil
}

func (a *App) browserSession(ctx context.Context) (harvest.BrowserSession, error) {
	a.sessionOnce.Do(func() {
		a.session, a.closeSession, a.sessionErr = a.openSession(ctx)
	})
	if a.sessionErr != nil {
		return nil, fmt.Errorf("open browser: %w", a.sessionErr)
	}
	return a.session, nil
}

func (a *App) gate() (*captcha.Gate, error) {
	if a.oracle == nil {
		client, err := oracle.New(oracle.Config{
			Endpoint:           a.cfg.Captcha.Oracle.Endpoint,
			APIKey:             a.cfg.Captcha.Oracle.APIKey,
			Timeout:            a.cfg.Captcha.Oracle.Timeout,
			BreakerMaxFailures: a.cfg.Captcha.Oracle.BreakerMaxFailures,
			BreakerOpenTimeout: a.cfg.Captcha.Oracle.BreakerOpenTimeout,
		}, nil, a.logger.Named("oracle"))
		if err != nil {
			return nil, err
		}
		a.oracle = client
	}
	return captcha.NewGate(a.oracle, captcha.Config{
		MinConfidence:  a.cfg.Captcha.MinConfidence,
		SettleTimeout:  a.cfg.Captcha.SettleTimeout,
		FailurePhrases: a.cfg.Captcha.FailurePhrases,
	}, a.logger.Named("captcha")).WithObserver(metrics.ObserveCaptcha), nil
}

func form(f config.FormSelects) captcha.Form {
	return captcha.Form{Image: f.Image, Input: f.Input, Submit: f.Submit, ErrorIndicators: f.Errors}
}

// SearchPhase builds Phase 1 on the shared browser session.
func (a *App) SearchPhase(ctx context.Context) (pipeline.Phase, error) {
	session, err := a.browserSession(ctx)
	if err != nil {
		return nil, err
	}
	gate, err := a.gate()
	if err != nil {
		return nil, err
	}
	log := logging.ForPhase(a.logger, a.runID, "search")
	p := a.cfg.Portal
	reg := registry.New(a.ledger, log)
	return search.New(session, gate, reg, a.store, a.clock, search.Config{
		Selectors: search.Selectors{
			SearchURL:       p.SearchURL,
			Dropdown:        p.Category.Dropdown,
			CategorySearch:  p.Category.Search,
			CategoryOptions: p.Category.Options,
			DateFrom:        p.Dates.From,
			DateTo:          p.Dates.To,
			NoResults:       p.Results.NoResults,
			NoResultsText:   p.Results.NoResultsText,
			BidNumber:       p.Results.BidNumber,
			ItemTitle:       p.Results.ItemTitle,
			Quantity:        p.Results.Quantity,
			TotalValue:      p.Results.TotalValue,
			Buyer:           p.Results.Buyer,
			BuyingMode:      p.Results.BuyingMode,
			ContractDate:    p.Results.ContractDate,
			OrderStatus:     p.Results.OrderStatus,
			Gate:            form(p.Gate.Search),
		},
		Seeds:          a.cfg.Ledger.Seeds,
		DateWindowDays: a.cfg.Search.DateWindowDays,
		DateLayout:     a.cfg.Search.DateLayout,
		ResultsTimeout: a.cfg.Search.ResultsTimeout,
		MaxAttempts:    a.cfg.Queue.MaxAttempts,
	}, log, search.WithObserver(a.hub.Observer(a.runID))), nil
}

// FetchPhase builds Phase 2 on the shared browser session.
func (a *App) FetchPhase(ctx context.Context) (pipeline.Phase, error) {
	session, err := a.browserSession(ctx)
	if err != nil {
		return nil, err
	}
	gate, err := a.gate()
	if err != nil {
		return nil, err
	}
	p := a.cfg.Portal
	return fetch.New(session, gate, a.store, a.artifacts, fetch.Config{
		Selectors: fetch.Selectors{
			SearchURL:  p.SearchURL,
			BidInput:   p.Detail.BidInput,
			ResultBids: p.Results.BidNumber,
			Download:   p.Detail.Download,
			Dismiss:    p.Detail.Dismiss,
			SearchGate: form(p.Gate.Search),
			DetailGate: form(p.Gate.Detail),
		},
		MaxAttempts:     a.cfg.Queue.MaxAttempts,
		MaxPasses:       a.cfg.Fetch.MaxPasses,
		CardTimeout:     a.cfg.Fetch.CardTimeout,
		DownloadTimeout: a.cfg.Browser.DownloadTimeout,
	}, logging.ForPhase(a.logger, a.runID, "fetch")).WithObserver(a.hub.Observer(a.runID)), nil
}

// ExtractPhase builds Phase 3. It never touches the browser.
func (a *App) ExtractPhase(context.Context) (pipeline.Phase, error) {
	log := logging.ForPhase(a.logger, a.runID, "extract")
	return enrich.New(a.store, pdftext.New(pdftext.Config{}, log), a.artifacts, a.publisher, a.clock, enrich.Config{
		JSONDir:     a.cfg.Extract.JSONDir,
		ReportPath:  a.cfg.Extract.ReportPath,
		Workers:     a.cfg.Extract.Workers,
		Method:      pdftext.Method,
		Topic:       a.cfg.Publish.Topic,
		MaxAttempts: a.cfg.Queue.MaxAttempts,
	}, log).WithObserver(a.hub.Observer(a.runID)), nil
}

// Close releases the browser and every client in reverse order of creation.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if b, ok := a.oracle.(interface{ State() string }); ok {
		a.logger.Info("captcha oracle breaker", zap.String("state", b.State()))
	}
	if a.closeSession != nil {
		a.closeSession()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	// Sync fails on stderr for some terminals; nothing useful can be done about it.
	_ = a.logger.Sync()
}
