// Package registry tracks discovered categories and feeds them to the search phase.
//
// The Registry mirrors the ledger in memory for case-insensitive dedup and
// doubles as the backlog for the category retry queue: Push re-presents an
// existing category without touching the ledger.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	ledger  harvest.CategoryLedger
	fold    cases.Caser
	known   map[string]harvest.Category
	order   []harvest.Category
	pending []harvest.Category
	maxSeq  int
	logger  *zap.Logger
}

// New builds an empty registry over ledger. Call Load to mirror existing entries.
func New(ledger harvest.CategoryLedger, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ledger: ledger,
		fold:   cases.Fold(),
		known:  make(map[string]harvest.Category),
		logger: logger,
	}
}

// Load mirrors the ledger and seeds the processing list with every known category.
func (r *Registry) Load(ctx context.Context) error {
	cats, err := r.ledger.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cats {
		if c.Seq != r.maxSeq+1 {
			r.logger.Warn("ledger sequence gap",
				zap.Int("seq", c.Seq),
				zap.Int("expected", r.maxSeq+1),
				zap.String("category", c.Name),
			)
		}
		r.maxSeq = max(r.maxSeq, c.Seq)
		key := r.key(c.Name)
		if key == "" {
			continue
		}
		if _, dup := r.known[key]; dup {
			r.logger.Warn("duplicate ledger entry ignored",
				zap.Int("seq", c.Seq),
				zap.String("category", c.Name),
			)
			continue
		}
		r.known[key] = c
		r.order = append(r.order, c)
		r.pending = append(r.pending, c)
	}
	r.logger.Info("categories loaded", zap.Int("count", len(r.order)))
	return nil
}

// Append records name on first sight and queues it for processing.
// The ledger line is written before the in-memory mirror changes so a failed
// write leaves both sides consistent.
func (r *Registry) Append(ctx context.Context, name string) (harvest.Category, bool, error) {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.key(name)
	if key == "" {
		return harvest.Category{}, false, nil
	}
	if existing, ok := r.known[key]; ok {
		return existing, false, nil
	}
	c := harvest.Category{Seq: r.maxSeq + 1, Name: name}
	if err := r.ledger.Append(ctx, c); err != nil {
		return harvest.Category{}, false, fmt.Errorf("append category %q: %w", name, err)
	}
	r.known[key] = c
	r.maxSeq = c.Seq
	r.order = append(r.order, c)
	r.pending = append(r.pending, c)
	r.logger.Info("category discovered", zap.Int("seq", c.Seq), zap.String("category", c.Name))
	return c, true, nil
}

// Requeue re-adds a known category to the processing list.
func (r *Registry) Requeue(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.known[r.key(name)]
	if !ok {
		return fmt.Errorf("requeue unknown category %q", name)
	}
	r.pending = append(r.pending, c)
	return nil
}

// Lookup returns the stored category for name, ignoring case.
func (r *Registry) Lookup(name string) (harvest.Category, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.known[r.key(name)]
	return c, ok
}

// Categories returns every known category in sequence order.
func (r *Registry) Categories() []harvest.Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]harvest.Category, len(r.order))
	copy(out, r.order)
	return out
}

// Push implements queue.Backlog.
func (r *Registry) Push(c harvest.Category) {
	if err := r.Requeue(c.Name); err != nil {
		r.logger.Error("requeue failed", zap.String("category", c.Name), zap.Error(err))
	}
}

// Pop implements queue.Backlog.
func (r *Registry) Pop() (harvest.Category, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return harvest.Category{}, false
	}
	c := r.pending[0]
	r.pending = r.pending[1:]
	return c, true
}

// Len implements queue.Backlog.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// key folds case and inner whitespace.
func (r *Registry) key(name string) string {
	return r.fold.String(strings.Join(strings.Fields(name), " "))
}
