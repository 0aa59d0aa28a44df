package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// LoadFunc re-derives the pending items from durable state.
type LoadFunc[T any] func(ctx context.Context) ([]T, error)

// PassConfig controls the store-driven outer loop.
type PassConfig struct {
	// MaxPasses caps the number of passes; zero means run until the store is drained.
	MaxPasses int
}

// PassResult aggregates every pass of a store-driven run.
type PassResult[T any] struct {
	Passes    int
	Tally     harvest.Tally
	Abandoned []Abandoned[T]
}

// RunPasses re-queries load at the start of every pass and drains the result
// through the queue. It stops when a fresh query yields nothing left to try.
// Keys abandoned earlier in this run are skipped by later passes so a record
// that keeps failing cannot spin the loop forever; the next run retries them.
func (q *Queue[T]) RunPasses(
	ctx context.Context,
	cfg PassConfig,
	load LoadFunc[T],
	process ProcessFunc[T],
) (PassResult[T], error) {
	var (
		out     PassResult[T]
		skipped = make(map[string]struct{})
	)
	for {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("queue %s canceled: %w", q.cfg.Name, err)
		}
		items, err := load(ctx)
		if err != nil {
			return out, fmt.Errorf("load pending %s items: %w", q.cfg.Name, err)
		}
		pending := make([]T, 0, len(items))
		for _, item := range items {
			if _, gone := skipped[q.keyFn(item)]; gone {
				continue
			}
			pending = append(pending, item)
		}
		if len(pending) == 0 {
			q.logger.Info("store drained",
				zap.String("queue", q.cfg.Name),
				zap.Int("passes", out.Passes),
				zap.Int("skipped", len(skipped)),
			)
			return out, nil
		}

		out.Passes++
		q.logger.Info("starting pass",
			zap.String("queue", q.cfg.Name),
			zap.Int("pass", out.Passes),
			zap.Int("pending", len(pending)),
		)
		res, err := q.RunItems(ctx, pending, process)
		out.Tally.Add(res.Tally)
		out.Abandoned = append(out.Abandoned, res.Abandoned...)
		for _, a := range res.Abandoned {
			skipped[a.Key] = struct{}{}
		}
		if err != nil {
			return out, err
		}
		if cfg.MaxPasses > 0 && out.Passes >= cfg.MaxPasses {
			q.logger.Warn("pass limit reached",
				zap.String("queue", q.cfg.Name),
				zap.Int("passes", out.Passes),
			)
			return out, nil
		}
	}
}
