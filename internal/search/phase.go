// Package search implements Phase 1: per-category search and capture of
// contract rows from the portal's results listing.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/captcha"
	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/queue"
	"github.com/JakeFAU/contract-harvester/internal/registry"
)

// Selectors locate everything Phase 1 touches on the page.
type Selectors struct {
	SearchURL       string
	Dropdown        string
	CategorySearch  string
	CategoryOptions string
	DateFrom        string
	DateTo          string
	NoResults       string
	NoResultsText   string
	BidNumber       string
	ItemTitle       string
	Quantity        string
	TotalValue      string
	Buyer           string
	BuyingMode      string
	ContractDate    string
	OrderStatus     string
	Gate            captcha.Form
}

// Config tunes Phase 1.
type Config struct {
	Selectors      Selectors
	Seeds          []string
	DateWindowDays int
	DateLayout     string
	ResultsTimeout time.Duration
	OptionsTimeout time.Duration
	MaxAttempts    int
}

// Phase runs the search-and-capture cycle over every known category.
type Phase struct {
	session  harvest.BrowserSession
	gate     *captcha.Gate
	registry *registry.Registry
	store    harvest.ContractStore
	decoder  RowDecoder
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger
	observer queue.ObserverFunc
}

// Option customises a Phase.
type Option func(*Phase)

// WithDecoder swaps the result-card decoder.
func WithDecoder(d RowDecoder) Option {
	return func(p *Phase) { p.decoder = d }
}

// WithObserver reports every queue attempt.
func WithObserver(fn queue.ObserverFunc) Option {
	return func(p *Phase) { p.observer = fn }
}

// New builds a Phase.
func New(
	session harvest.BrowserSession,
	gate *captcha.Gate,
	reg *registry.Registry,
	store harvest.ContractStore,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Phase {
	if cfg.DateLayout == "" {
		cfg.DateLayout = "02-01-2006"
	}
	if cfg.ResultsTimeout <= 0 {
		cfg.ResultsTimeout = 30 * time.Second
	}
	if cfg.OptionsTimeout <= 0 {
		cfg.OptionsTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Phase{
		session:  session,
		gate:     gate,
		registry: reg,
		store:    store,
		decoder:  PositionalDecoder{},
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements pipeline.Phase.
func (p *Phase) Name() string { return "search" }

// Run loads the ledger, appends configured seeds and drains every category
// through the retry queue. Only setup failures are returned as errors.
func (p *Phase) Run(ctx context.Context) (harvest.Tally, error) {
	if err := p.registry.Load(ctx); err != nil {
		return harvest.Tally{}, fmt.Errorf("%w: %w", harvest.ErrFatalSetup, err)
	}
	for _, seed := range p.cfg.Seeds {
		if _, _, err := p.registry.Append(ctx, seed); err != nil {
			return harvest.Tally{}, fmt.Errorf("%w: %w", harvest.ErrFatalSetup, err)
		}
	}

	q := queue.New(categoryKey, queue.Config{Name: p.Name(), MaxAttempts: p.cfg.MaxAttempts}, p.logger)
	if p.observer != nil {
		q.WithObserver(p.observer)
	}
	res, err := q.Run(ctx, p.registry, p.ProcessCategory)
	p.logger.Info("search phase finished",
		zap.Int("processed", res.Tally.Processed),
		zap.Int("succeeded", res.Tally.Succeeded),
		zap.Int("abandoned", res.Tally.Abandoned),
		zap.Int("retried", res.Tally.Retried),
	)
	return res.Tally, err
}

func categoryKey(c harvest.Category) string {
	return strings.ToLower(strings.TrimSpace(c.Name))
}

// ProcessCategory runs one full search for c and persists the rows it finds.
func (p *Phase) ProcessCategory(ctx context.Context, c harvest.Category) harvest.Outcome {
	log := p.logger.With(zap.String("category", c.Name), zap.Int("seq", c.Seq))

	if err := p.session.Reset(ctx); err != nil {
		return harvest.Classify("reset session", err)
	}
	if err := p.session.Navigate(ctx, p.cfg.Selectors.SearchURL); err != nil {
		return harvest.Classify("open search", err)
	}
	if err := p.selectCategory(ctx, c.Name); err != nil {
		return harvest.Classify("select category", err)
	}
	if err := p.applyDateRange(ctx); err != nil {
		return harvest.Classify("apply date range", err)
	}

	out, err := p.gate.Attempt(ctx, p.session, "search", p.cfg.Selectors.Gate)
	if err != nil {
		return harvest.Classify("search captcha", err)
	}
	if !out.Accepted {
		return harvest.Transient("search captcha", out.Err())
	}

	empty, err := p.noResults(ctx)
	if err != nil {
		return harvest.Classify("check results", err)
	}
	if empty {
		log.Info("no results for category")
		return harvest.Success()
	}

	page, err := p.readPage(ctx)
	if err != nil {
		return harvest.Classify("read results", err)
	}
	records, err := p.decoder.Decode(c, page)
	if err != nil {
		return harvest.Classify("decode results", err)
	}
	inserted, err := p.store.InsertContracts(ctx, records)
	if err != nil {
		return harvest.Classify("persist rows", err)
	}
	log.Info("category captured",
		zap.Int("rows", len(records)),
		zap.Int("inserted", inserted),
	)
	return harvest.Success()
}

// ErrCategoryMissing is returned when the dropdown has no exact match.
var ErrCategoryMissing = errors.New("category exact match missing")

func (p *Phase) selectCategory(ctx context.Context, name string) error {
	sel := p.cfg.Selectors
	if err := p.session.Click(ctx, sel.Dropdown); err != nil {
		return err
	}
	if err := p.session.WaitFor(ctx, sel.CategorySearch, p.cfg.OptionsTimeout); err != nil {
		return err
	}
	if err := p.session.Fill(ctx, sel.CategorySearch, name); err != nil {
		return err
	}
	if err := p.session.Settle(ctx, p.cfg.OptionsTimeout); err != nil {
		return err
	}
	options, err := p.session.ReadAllText(ctx, sel.CategoryOptions)
	if err != nil {
		return err
	}

	match := -1
	for i, opt := range options {
		opt = strings.TrimSpace(opt)
		if _, _, err := p.registry.Append(ctx, opt); err != nil {
			p.logger.Warn("record observed category", zap.String("option", opt), zap.Error(err))
		}
		if match < 0 && strings.EqualFold(opt, strings.TrimSpace(name)) {
			match = i
		}
	}
	if match < 0 {
		return fmt.Errorf("%w: %q among %d options: %w", ErrCategoryMissing, name, len(options), harvest.ErrNetwork)
	}
	return p.session.ClickNth(ctx, sel.CategoryOptions, match)
}

// DateRange returns the trailing window ending at now, formatted for the form.
func DateRange(now time.Time, windowDays int, layout string) (string, string) {
	from := now.AddDate(0, 0, -windowDays)
	return from.Format(layout), now.Format(layout)
}

func (p *Phase) applyDateRange(ctx context.Context) error {
	from, to := DateRange(p.clock.Now(), p.cfg.DateWindowDays, p.cfg.DateLayout)
	if err := p.session.SetValue(ctx, p.cfg.Selectors.DateFrom, from); err != nil {
		return err
	}
	return p.session.SetValue(ctx, p.cfg.Selectors.DateTo, to)
}

func (p *Phase) noResults(ctx context.Context) (bool, error) {
	sel := p.cfg.Selectors
	texts, err := p.session.ReadAllText(ctx, sel.NoResults)
	if err != nil {
		return false, err
	}
	return len(texts) > 0 && strings.Contains(texts[0], sel.NoResultsText), nil
}

func (p *Phase) readPage(ctx context.Context) (ResultPage, error) {
	sel := p.cfg.Selectors
	if err := p.session.WaitFor(ctx, sel.BidNumber, p.cfg.ResultsTimeout); err != nil {
		return ResultPage{}, err
	}
	var (
		page ResultPage
		err  error
	)
	lists := []struct {
		selector string
		dst      *[]string
	}{
		{sel.BidNumber, &page.BidNumbers},
		{sel.ItemTitle, &page.ItemTitles},
		{sel.Quantity, &page.Quantities},
		{sel.TotalValue, &page.TotalValues},
		{sel.Buyer, &page.Buyers},
		{sel.BuyingMode, &page.BuyingModes},
		{sel.ContractDate, &page.ContractDates},
		{sel.OrderStatus, &page.OrderStatuses},
	}
	for _, l := range lists {
		if *l.dst, err = p.session.ReadAllText(ctx, l.selector); err != nil {
			return ResultPage{}, err
		}
	}
	return page, nil
}
