// Package enrich implements Phase 3: turning downloaded contract documents
// into seller fields on the stored records.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/contract-harvester/internal/extract"
	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/queue"
	"github.com/JakeFAU/contract-harvester/internal/report"
)

// Config tunes Phase 3.
type Config struct {
	// JSONDir receives one intermediate record per document. Empty disables it.
	JSONDir string
	// ReportPath receives the seller report. Empty disables it.
	ReportPath string
	// Workers bounds concurrent extractions; zero means GOMAXPROCS.
	Workers int
	// Method is recorded in intermediate records.
	Method string
	// Topic is where seller records are published when a publisher is set.
	Topic string
	// MaxAttempts bounds tries per document, counting the parallel pass.
	MaxAttempts int
}

// Record is the intermediate JSON written for each extracted document.
type Record struct {
	SourceFile       string          `json:"source_file"`
	ExtractionDate   time.Time       `json:"extraction_date"`
	ExtractionMethod string          `json:"extraction_method"`
	TextContent      string          `json:"text_content"`
	Tables           []harvest.Table `json:"tables"`
	TableCount       int             `json:"table_count"`
	TotalPages       int             `json:"total_pages"`
}

// Phase extracts every unenriched record in parallel.
type Phase struct {
	store     harvest.ContractStore
	extractor harvest.DocumentExtractor
	artifacts harvest.ArtifactStore
	publisher harvest.Publisher
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
	observer  queue.ObserverFunc
}

// New builds a Phase. publisher may be nil.
func New(
	store harvest.ContractStore,
	extractor harvest.DocumentExtractor,
	artifacts harvest.ArtifactStore,
	publisher harvest.Publisher,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Phase {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = queue.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Phase{
		store:     store,
		extractor: extractor,
		artifacts: artifacts,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// WithObserver reports every item outcome.
func (p *Phase) WithObserver(fn queue.ObserverFunc) *Phase {
	p.observer = fn
	return p
}

// Name implements pipeline.Phase.
func (p *Phase) Name() string { return "extract" }

// Run processes every record that has an artifact but no seller fields.
// Documents that fail transiently in the parallel pass are retried serially
// through the bounded retry queue once the pool drains. Per-record failures
// are counted; only setup failures are returned as errors.
func (p *Phase) Run(ctx context.Context) (harvest.Tally, error) {
	rows, err := p.store.SelectUnenriched(ctx)
	if err != nil {
		return harvest.Tally{}, fmt.Errorf("select unenriched: %w: %w", harvest.ErrFatalSetup, err)
	}
	p.logger.Info("extracting documents", zap.Int("pending", len(rows)), zap.Int("workers", p.cfg.Workers))

	var (
		mu    sync.Mutex
		tally harvest.Tally
		infos []harvest.SellerInfo
		retry []harvest.ContractRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, row := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			info, out := p.ProcessRecord(gctx, row)
			if p.observer != nil {
				p.observer(p.Name(), out)
			}
			mu.Lock()
			defer mu.Unlock()
			switch out.Kind {
			case harvest.OutcomeSuccess:
				tally.Processed++
				tally.Succeeded++
				infos = append(infos, info)
			case harvest.OutcomeTransient:
				if p.cfg.MaxAttempts > 1 {
					tally.Retried++
					retry = append(retry, row)
					p.logger.Warn("document requeued",
						zap.String("bid_no", row.BidNumber),
						zap.String("reason", out.Error()),
					)
					return nil
				}
				fallthrough
			default:
				tally.Processed++
				tally.Abandoned++
				p.logger.Warn("document skipped",
					zap.String("bid_no", row.BidNumber),
					zap.String("reason", out.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	var runErr error
	if len(retry) > 0 && ctx.Err() == nil {
		res, err := p.retry(ctx, retry, func(info harvest.SellerInfo) { infos = append(infos, info) })
		tally.Add(res.Tally)
		runErr = err
	}

	p.logger.Info("extract phase finished",
		zap.Int("processed", tally.Processed),
		zap.Int("succeeded", tally.Succeeded),
		zap.Int("abandoned", tally.Abandoned),
		zap.Int("retried", tally.Retried),
	)
	if err := ctx.Err(); err != nil {
		return tally, fmt.Errorf("extract canceled: %w", err)
	}
	if runErr != nil {
		return tally, runErr
	}
	if p.cfg.ReportPath != "" && len(infos) > 0 {
		if err := report.Write(p.cfg.ReportPath, infos); err != nil {
			return tally, fmt.Errorf("export seller report: %w", err)
		}
		p.logger.Info("seller report written", zap.String("path", p.cfg.ReportPath), zap.Int("rows", len(infos)))
	}
	return tally, nil
}

// retry drains rows through the queue with the attempts the parallel pass
// left over.
func (p *Phase) retry(
	ctx context.Context,
	rows []harvest.ContractRecord,
	onSuccess func(harvest.SellerInfo),
) (queue.Result[harvest.ContractRecord], error) {
	p.logger.Info("retrying documents", zap.Int("pending", len(rows)))
	q := queue.New(bidKey, queue.Config{Name: p.Name(), MaxAttempts: p.cfg.MaxAttempts - 1}, p.logger)
	if p.observer != nil {
		q.WithObserver(p.observer)
	}
	return q.RunItems(ctx, rows, func(ctx context.Context, row harvest.ContractRecord) harvest.Outcome {
		info, out := p.ProcessRecord(ctx, row)
		if out.Kind == harvest.OutcomeSuccess {
			onSuccess(info)
		}
		return out
	})
}

func bidKey(r harvest.ContractRecord) string { return r.BidNumber }

// ProcessRecord extracts one document and writes its seller fields back.
func (p *Phase) ProcessRecord(ctx context.Context, row harvest.ContractRecord) (harvest.SellerInfo, harvest.Outcome) {
	path := p.documentPath(row)
	doc, err := p.extractor.Extract(ctx, path)
	if err != nil {
		return harvest.SellerInfo{}, harvest.Classify("extract document", err)
	}
	if err := p.writeRecord(doc); err != nil {
		return harvest.SellerInfo{}, harvest.Classify("write intermediate record", err)
	}

	info := extract.Normalize(doc)
	if info.BidNumber == "" {
		info.BidNumber = row.BidNumber
	}
	matched, err := p.store.UpdateSellerInfo(ctx, info.BidNumber, info)
	if err == nil && !matched && info.BidNumber != row.BidNumber {
		p.logger.Warn("document bid differs from record",
			zap.String("bid_no", row.BidNumber),
			zap.String("document_bid_no", info.BidNumber),
		)
		info.BidNumber = row.BidNumber
		matched, err = p.store.UpdateSellerInfo(ctx, info.BidNumber, info)
	}
	if err != nil {
		return info, harvest.Classify("update seller info", err)
	}
	if !matched {
		return info, harvest.Fatal("update seller info",
			fmt.Errorf("no record for %s: %w", info.BidNumber, harvest.ErrDataInconsistency))
	}
	if !info.Found() {
		p.logger.Info("no seller fields found", zap.String("bid_no", row.BidNumber))
	}

	if p.publisher != nil {
		id, err := p.publisher.Publish(ctx, p.cfg.Topic, info)
		if err != nil {
			// The store is already updated; a lost publish is only logged.
			p.logger.Warn("publish seller record", zap.String("bid_no", info.BidNumber), zap.Error(err))
		} else {
			p.logger.Debug("seller record published", zap.String("bid_no", info.BidNumber), zap.String("message_id", id))
		}
	}
	return info, harvest.Success()
}

// documentPath prefers the local copy whenever the link is a remote URI.
func (p *Phase) documentPath(row harvest.ContractRecord) string {
	if row.ArtifactLink == nil || strings.Contains(*row.ArtifactLink, "://") {
		return p.artifacts.LocalPath(row.BidNumber)
	}
	return *row.ArtifactLink
}

func (p *Phase) writeRecord(doc harvest.ExtractedDocument) error {
	if p.cfg.JSONDir == "" {
		return nil
	}
	rec := Record{
		SourceFile:       doc.SourceFile,
		ExtractionDate:   p.clock.Now(),
		ExtractionMethod: p.cfg.Method,
		TextContent:      doc.Text,
		Tables:           doc.Tables,
		TableCount:       len(doc.Tables),
		TotalPages:       doc.PageCount,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.MkdirAll(p.cfg.JSONDir, 0o750); err != nil {
		return fmt.Errorf("create json dir: %w", err)
	}
	stem := strings.TrimSuffix(doc.SourceFile, filepath.Ext(doc.SourceFile))
	out := filepath.Join(p.cfg.JSONDir, harvest.SanitizeFileStem(stem)+".json")
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	return nil
}
