// Package queue implements the bounded-retry work queue shared by the harvesting phases.
//
// Items are processed in FIFO order. A transient failure sends the item to the
// tail of the backlog so other pending work runs before it is retried, which
// keeps the portal from being hammered by one failing item. Once an item has
// failed transiently MaxAttempts times it is abandoned; a fatal failure
// abandons it at once. A failure wrapping harvest.ErrFatalSetup stops the
// whole run, since every later item would fail the same way.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// DefaultMaxAttempts is the number of transient failures tolerated per item.
const DefaultMaxAttempts = 6

// Config controls retry behavior.
type Config struct {
	MaxAttempts int
	// Name labels log lines and metrics (for example "search" or "fetch").
	Name string
}

// ProcessFunc handles a single item and reports how it went.
type ProcessFunc[T any] func(ctx context.Context, item T) harvest.Outcome

// ObserverFunc is notified after every attempt.
type ObserverFunc func(name string, outcome harvest.Outcome)

// Abandoned describes an item the queue gave up on.
type Abandoned[T any] struct {
	Item     T
	Key      string
	Attempts int
	Fatal    bool
	Reason   string
}

// Result is returned once the backlog drains.
type Result[T any] struct {
	Tally     harvest.Tally
	Abandoned []Abandoned[T]
}

// Queue is a generic retry queue keyed by keyFn.
type Queue[T any] struct {
	keyFn    func(T) string
	cfg      Config
	logger   *zap.Logger
	observer ObserverFunc
}

// New constructs a Queue.
func New[T any](keyFn func(T) string, cfg Config, logger *zap.Logger) *Queue[T] {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue[T]{
		keyFn:  keyFn,
		cfg:    cfg,
		logger: logger,
	}
}

// WithObserver registers a callback invoked after each attempt.
func (q *Queue[T]) WithObserver(fn ObserverFunc) *Queue[T] {
	q.observer = fn
	return q
}

// RunItems processes items from a fresh in-memory backlog.
func (q *Queue[T]) RunItems(ctx context.Context, items []T, process ProcessFunc[T]) (Result[T], error) {
	return q.Run(ctx, NewDeque(items...), process)
}

// Run drains backlog, calling process for each item until the backlog is empty.
// Attempt counters live only for the duration of the call.
// A canceled context stops the run and returns the partial result with the context error.
func (q *Queue[T]) Run(ctx context.Context, backlog Backlog[T], process ProcessFunc[T]) (Result[T], error) {
	var (
		result   Result[T]
		attempts = make(map[string]int)
	)
	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("queue %s canceled: %w", q.cfg.Name, err)
		}
		item, ok := backlog.Pop()
		if !ok {
			break
		}
		key := q.keyFn(item)
		outcome := process(ctx, item)
		if q.observer != nil {
			q.observer(q.cfg.Name, outcome)
		}

		switch outcome.Kind {
		case harvest.OutcomeSuccess:
			delete(attempts, key)
			result.Tally.Processed++
			result.Tally.Succeeded++
		case harvest.OutcomeFatal:
			if ctx.Err() != nil {
				return result, fmt.Errorf("queue %s canceled: %w", q.cfg.Name, ctx.Err())
			}
			count := attempts[key] + 1
			result.abandon(item, key, count, true, outcome)
			delete(attempts, key)
			if errors.Is(outcome.Err, harvest.ErrFatalSetup) {
				q.logger.Error("run aborted",
					zap.String("queue", q.cfg.Name),
					zap.String("key", key),
					zap.String("reason", outcome.Error()),
				)
				return result, fmt.Errorf("queue %s aborted at %s: %w", q.cfg.Name, key, outcome.Err)
			}
			q.logger.Error("item abandoned",
				zap.String("queue", q.cfg.Name),
				zap.String("key", key),
				zap.Int("attempt", count),
				zap.String("reason", outcome.Error()),
			)
		default:
			attempts[key]++
			count := attempts[key]
			if count < q.cfg.MaxAttempts {
				result.Tally.Retried++
				backlog.Push(item)
				q.logger.Warn("item requeued",
					zap.String("queue", q.cfg.Name),
					zap.String("key", key),
					zap.Int("attempt", count),
					zap.Int("max_attempts", q.cfg.MaxAttempts),
					zap.String("reason", outcome.Error()),
				)
				continue
			}
			result.abandon(item, key, count, false, outcome)
			delete(attempts, key)
			q.logger.Error("item abandoned after retry budget",
				zap.String("queue", q.cfg.Name),
				zap.String("key", key),
				zap.Int("attempt", count),
				zap.String("reason", outcome.Error()),
			)
		}
	}
	return result, nil
}

func (r *Result[T]) abandon(item T, key string, attempts int, fatal bool, outcome harvest.Outcome) {
	r.Tally.Processed++
	r.Tally.Abandoned++
	r.Abandoned = append(r.Abandoned, Abandoned[T]{
		Item:     item,
		Key:      key,
		Attempts: attempts,
		Fatal:    fatal,
		Reason:   outcome.Error(),
	})
}

// Backlog is the pending work a Queue drains.
type Backlog[T any] interface {
	Push(item T)
	Pop() (T, bool)
	Len() int
}

// Deque is an in-memory FIFO backlog. It is safe for concurrent use.
type Deque[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewDeque returns a backlog primed with items.
func NewDeque[T any](items ...T) *Deque[T] {
	d := &Deque[T]{items: make([]T, 0, len(items))}
	d.items = append(d.items, items...)
	return d
}

// Push appends item to the tail.
func (d *Deque[T]) Push(item T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item)
}

// Pop removes the head item.
func (d *Deque[T]) Pop() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if len(d.items) == 0 {
		return zero, false
	}
	item := d.items[0]
	d.items[0] = zero
	d.items = d.items[1:]
	return item, true
}

// Len reports the number of pending items.
func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
