package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

func identity(s string) string { return s }

func TestRunAbandonsAfterSixTransientFailures(t *testing.T) {
	t.Parallel()

	q := New(identity, Config{Name: "test"}, nil)
	calls := 0
	res, err := q.RunItems(context.Background(), []string{"GEMC-1"}, func(context.Context, string) harvest.Outcome {
		calls++
		return harvest.Transient("captcha", harvest.ErrGateRejected)
	})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxAttempts, calls)
	require.Len(t, res.Abandoned, 1)
	require.Equal(t, "GEMC-1", res.Abandoned[0].Key)
	require.Equal(t, DefaultMaxAttempts, res.Abandoned[0].Attempts)
	require.False(t, res.Abandoned[0].Fatal)
	require.Equal(t, harvest.Tally{Processed: 1, Abandoned: 1, Retried: DefaultMaxAttempts - 1}, res.Tally)
}

func TestRunRequeuesToTail(t *testing.T) {
	t.Parallel()

	q := New(identity, Config{Name: "test"}, nil)
	var order []string
	failedOnce := false
	res, err := q.RunItems(context.Background(), []string{"a", "b", "c"}, func(_ context.Context, item string) harvest.Outcome {
		order = append(order, item)
		if item == "a" && !failedOnce {
			failedOnce = true
			return harvest.Transient("timeout", harvest.ErrNetwork)
		}
		return harvest.Success()
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "a"}, order)
	require.Equal(t, harvest.Tally{Processed: 3, Succeeded: 3, Retried: 1}, res.Tally)
	require.Empty(t, res.Abandoned)
}

func TestRunFatalAbandonsImmediately(t *testing.T) {
	t.Parallel()

	q := New(identity, Config{Name: "test"}, nil)
	calls := 0
	res, err := q.RunItems(context.Background(), []string{"GEMC-9"}, func(context.Context, string) harvest.Outcome {
		calls++
		return harvest.Fatal("card missing", harvest.ErrDataInconsistency)
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Len(t, res.Abandoned, 1)
	require.True(t, res.Abandoned[0].Fatal)
	require.Equal(t, 1, res.Abandoned[0].Attempts)
	require.Contains(t, res.Abandoned[0].Reason, "card missing")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	q := New(identity, Config{Name: "test"}, nil)
	calls := 0
	res, err := q.RunItems(ctx, []string{"a", "b", "c"}, func(context.Context, string) harvest.Outcome {
		calls++
		cancel()
		return harvest.Success()
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, res.Tally.Succeeded)
}

func TestRunObserverSeesEveryAttempt(t *testing.T) {
	t.Parallel()

	var kinds []harvest.OutcomeKind
	q := New(identity, Config{Name: "fetch", MaxAttempts: 2}, nil).
		WithObserver(func(name string, o harvest.Outcome) {
			require.Equal(t, "fetch", name)
			kinds = append(kinds, o.Kind)
		})
	_, err := q.RunItems(context.Background(), []string{"x"}, func(context.Context, string) harvest.Outcome {
		return harvest.Transient("flaky", nil)
	})
	require.NoError(t, err)
	require.Equal(t, []harvest.OutcomeKind{harvest.OutcomeTransient, harvest.OutcomeTransient}, kinds)
}

func TestDeque(t *testing.T) {
	t.Parallel()

	d := NewDeque(1, 2)
	d.Push(3)
	require.Equal(t, 3, d.Len())
	for _, want := range []int{1, 2, 3} {
		got, ok := d.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := d.Pop()
	require.False(t, ok)
}

func TestRunPassesSkipsAbandonedKeys(t *testing.T) {
	t.Parallel()

	// "good" succeeds once and leaves the pending set; "bad" always fails.
	pending := map[string]bool{"good": true, "bad": true}
	loads := 0
	load := func(context.Context) ([]string, error) {
		loads++
		var out []string
		for _, k := range []string{"bad", "good"} {
			if pending[k] {
				out = append(out, k)
			}
		}
		return out, nil
	}
	q := New(identity, Config{Name: "fetch", MaxAttempts: 2}, nil)
	res, err := q.RunPasses(context.Background(), PassConfig{}, load, func(_ context.Context, item string) harvest.Outcome {
		if item == "good" {
			pending[item] = false
			return harvest.Success()
		}
		return harvest.Transient("gate", harvest.ErrGateRejected)
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Passes)
	require.Equal(t, 2, loads)
	require.Equal(t, 1, res.Tally.Succeeded)
	require.Len(t, res.Abandoned, 1)
	require.Equal(t, "bad", res.Abandoned[0].Key)
}

func TestRunPassesHonoursPassLimit(t *testing.T) {
	t.Parallel()

	load := func(context.Context) ([]string, error) { return []string{"stuck"}, nil }
	q := New(identity, Config{Name: "fetch"}, nil)
	res, err := q.RunPasses(context.Background(), PassConfig{MaxPasses: 1}, load, func(context.Context, string) harvest.Outcome {
		// Success without clearing durable state leaves the item pending.
		return harvest.Success()
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Passes)
}

func TestRunPassesLoadError(t *testing.T) {
	t.Parallel()

	q := New(identity, Config{Name: "fetch"}, nil)
	_, err := q.RunPasses(context.Background(), PassConfig{}, func(context.Context) ([]string, error) {
		return nil, errors.New("db down")
	}, nil)
	require.ErrorContains(t, err, "db down")
}

func TestRunAbortsOnSetupFailure(t *testing.T) {
	t.Parallel()

	q := New(identity, Config{Name: "fetch"}, nil)
	calls := 0
	res, err := q.RunItems(context.Background(), []string{"a", "b", "c"}, func(context.Context, string) harvest.Outcome {
		calls++
		return harvest.Classify("navigate", fmt.Errorf("navigate: browser closed: %w", harvest.ErrFatalSetup))
	})
	require.ErrorIs(t, err, harvest.ErrFatalSetup)
	require.ErrorContains(t, err, "queue fetch aborted at a")
	require.Equal(t, 1, calls)
	require.Equal(t, harvest.Tally{Processed: 1, Abandoned: 1}, res.Tally)
	require.Len(t, res.Abandoned, 1)
	require.True(t, res.Abandoned[0].Fatal)
}

func TestRunPassesStopsOnSetupFailure(t *testing.T) {
	t.Parallel()

	q := New(identity, Config{Name: "fetch"}, nil)
	loads := 0
	load := func(context.Context) ([]string, error) {
		loads++
		return []string{"a", "b"}, nil
	}
	_, err := q.RunPasses(context.Background(), PassConfig{}, load, func(context.Context, string) harvest.Outcome {
		return harvest.Fatal("navigate", harvest.ErrFatalSetup)
	})
	require.ErrorIs(t, err, harvest.ErrFatalSetup)
	require.Equal(t, 1, loads)
}
