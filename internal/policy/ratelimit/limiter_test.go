package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterWaitDelaysSecondCall(t *testing.T) {
	t.Parallel()

	var observed []string
	l := New(Config{RPS: 10, Burst: 1}).WithObserver(func(host string, _ time.Duration) {
		observed = append(observed, host)
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://gem.gov.in/view_contracts"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://gem.gov.in/view_contracts"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
	if len(observed) == 0 || observed[len(observed)-1] != "gem.gov.in" {
		t.Errorf("expected an observed delay for gem.gov.in, got %v", observed)
	}
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example/1"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("host b blocked unexpectedly")
	}
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := l.Wait(ctx, "https://gem.gov.in"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unlimited limiter should not block")
	}
}

func TestLimiterCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "https://gem.gov.in"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "https://gem.gov.in"); err == nil {
		t.Fatal("expected canceled wait to fail")
	}
}
