// Package fetch implements Phase 2: downloading the contract document for
// every stored record that does not have one yet.
//
// The work list is never trusted across passes. Each pass re-reads the store
// for records with no artifact link, so a crash or restart simply resumes
// from whatever the store says is still missing.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/captcha"
	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/queue"
)

// Selectors locate everything Phase 2 touches.
type Selectors struct {
	SearchURL  string
	BidInput   string
	ResultBids string
	Download   string
	Dismiss    string
	SearchGate captcha.Form
	DetailGate captcha.Form
}

// Config tunes Phase 2.
type Config struct {
	Selectors       Selectors
	MaxAttempts     int
	MaxPasses       int
	CardTimeout     time.Duration
	DownloadTimeout time.Duration
}

// Phase drives the store-derived document queue.
type Phase struct {
	session   harvest.BrowserSession
	gate      *captcha.Gate
	store     harvest.ContractStore
	artifacts harvest.ArtifactStore
	cfg       Config
	logger    *zap.Logger
	observer  queue.ObserverFunc
}

// New builds a Phase.
func New(
	session harvest.BrowserSession,
	gate *captcha.Gate,
	store harvest.ContractStore,
	artifacts harvest.ArtifactStore,
	cfg Config,
	logger *zap.Logger,
) *Phase {
	if cfg.CardTimeout <= 0 {
		cfg.CardTimeout = 15 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Phase{
		session:   session,
		gate:      gate,
		store:     store,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
	}
}

// WithObserver reports every queue attempt.
func (p *Phase) WithObserver(fn queue.ObserverFunc) *Phase {
	p.observer = fn
	return p
}

// Name implements pipeline.Phase.
func (p *Phase) Name() string { return "fetch" }

// Run drains the incomplete records pass by pass until the store reports none
// left to try. A store failure while deriving a pass aborts the run.
func (p *Phase) Run(ctx context.Context) (harvest.Tally, error) {
	q := queue.New(bidKey, queue.Config{Name: p.Name(), MaxAttempts: p.cfg.MaxAttempts}, p.logger)
	if p.observer != nil {
		q.WithObserver(p.observer)
	}
	load := func(ctx context.Context) ([]harvest.ContractRecord, error) {
		rows, err := p.store.SelectIncomplete(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", harvest.ErrFatalSetup, err)
		}
		return rows, nil
	}
	res, err := q.RunPasses(ctx, queue.PassConfig{MaxPasses: p.cfg.MaxPasses}, load, p.ProcessRecord)
	p.logger.Info("fetch phase finished",
		zap.Int("passes", res.Passes),
		zap.Int("processed", res.Tally.Processed),
		zap.Int("succeeded", res.Tally.Succeeded),
		zap.Int("abandoned", res.Tally.Abandoned),
		zap.Int("retried", res.Tally.Retried),
	)
	return res.Tally, err
}

func bidKey(r harvest.ContractRecord) string { return r.BidNumber }

// ProcessRecord fetches the artifact for one record and stores its link.
func (p *Phase) ProcessRecord(ctx context.Context, rec harvest.ContractRecord) harvest.Outcome {
	bid := strings.TrimSpace(rec.BidNumber)
	log := p.logger.With(zap.String("bid_no", bid), zap.Int64("id", rec.ID))
	sel := p.cfg.Selectors

	if err := p.session.Navigate(ctx, sel.SearchURL); err != nil {
		return harvest.Classify("open search", err)
	}
	if err := p.session.Fill(ctx, sel.BidInput, bid); err != nil {
		return harvest.Classify("fill bid number", err)
	}
	if err := p.session.WaitFor(ctx, sel.SearchGate.Image, p.cfg.CardTimeout); err != nil {
		return harvest.Classify("wait search captcha", err)
	}
	out, err := p.gate.Attempt(ctx, p.session, "search", sel.SearchGate)
	if err != nil {
		return harvest.Classify("search captcha", err)
	}
	if !out.Accepted {
		return harvest.Transient("search captcha", out.Err())
	}

	idx, err := p.locateCard(ctx, bid)
	if err != nil {
		return harvest.Classify("locate result card", err)
	}
	if err := p.session.ClickNth(ctx, sel.ResultBids, idx); err != nil {
		return harvest.Classify("open detail", err)
	}
	if err := p.session.WaitFor(ctx, sel.DetailGate.Image, p.cfg.CardTimeout); err != nil {
		return harvest.Classify("wait detail captcha", err)
	}

	out, err = p.gate.Attempt(ctx, p.session, "detail", sel.DetailGate)
	if err != nil {
		p.dismiss(ctx)
		return harvest.Classify("detail captcha", err)
	}
	if !out.Accepted {
		p.dismiss(ctx)
		return harvest.Transient("detail captcha", out.Err())
	}

	tmp, err := p.session.ExpectDownload(ctx, func(ctx context.Context) error {
		return p.session.Click(ctx, sel.Download)
	}, p.cfg.DownloadTimeout)
	if err != nil {
		p.dismiss(ctx)
		return harvest.Classify("download artifact", err)
	}
	link, err := p.artifacts.Save(ctx, bid, tmp)
	if err != nil {
		p.dismiss(ctx)
		return harvest.Classify("save artifact", err)
	}
	if err := p.store.UpdateArtifactLink(ctx, rec.BidNumber, link); err != nil {
		p.dismiss(ctx)
		return harvest.Classify("record artifact link", err)
	}
	p.dismiss(ctx)
	log.Info("artifact stored", zap.String("link", link))
	return harvest.Success()
}

// locateCard finds the result card whose bid number matches exactly. A
// missing card means the store holds a record the live portal cannot
// reproduce, which retrying will not fix.
func (p *Phase) locateCard(ctx context.Context, bid string) (int, error) {
	sel := p.cfg.Selectors.ResultBids
	if err := p.session.WaitFor(ctx, sel, p.cfg.CardTimeout); err != nil {
		return -1, err
	}
	bids, err := p.session.ReadAllText(ctx, sel)
	if err != nil {
		return -1, err
	}
	for i, b := range bids {
		if strings.TrimSpace(b) == bid {
			return i, nil
		}
	}
	return -1, fmt.Errorf("result card for %s not among %d cards: %w", bid, len(bids), harvest.ErrDataInconsistency)
}

func (p *Phase) dismiss(ctx context.Context) {
	if p.cfg.Selectors.Dismiss == "" {
		return
	}
	if err := p.session.Click(ctx, p.cfg.Selectors.Dismiss); err != nil {
		p.logger.Debug("dismiss modal", zap.Error(err))
	}
}
