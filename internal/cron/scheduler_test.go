package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// stepSchedule fires every d.
type stepSchedule struct{ d time.Duration }

func (s stepSchedule) Next(t time.Time) time.Time { return t.Add(s.d) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, cfg Config, fire FireFunc) *Scheduler {
	t.Helper()
	if cfg.Expr == "" {
		cfg.Expr = "@hourly"
	}
	cfg.Logger = quietLogger()
	s, err := NewScheduler(cfg, fire)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.schedule = stepSchedule{d: 20 * time.Millisecond}
	return s
}

func TestScheduler_StopsAfterMaxRuns(t *testing.T) {
	var runs []int
	s := newTestScheduler(t, Config{MaxRuns: 3}, func(_ context.Context, n int) error {
		runs = append(runs, n)
		return nil
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runs) != 3 || runs[0] != 1 || runs[2] != 3 {
		t.Fatalf("unexpected runs: %v", runs)
	}
}

func TestScheduler_ImmediateFiresWithoutWaiting(t *testing.T) {
	s := newTestScheduler(t, Config{MaxRuns: 1, Immediate: true}, func(context.Context, int) error { return nil })
	s.schedule = stepSchedule{d: time.Hour}

	start := time.Now()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("immediate run waited for the schedule")
	}
}

func TestScheduler_ReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	s := newTestScheduler(t, Config{MaxRuns: 2}, func(_ context.Context, n int) error {
		if n == 2 {
			return boom
		}
		return nil
	})
	if err := s.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestScheduler_ContextCancelStops(t *testing.T) {
	var fired atomic.Int32
	s := newTestScheduler(t, Config{}, func(context.Context, int) error {
		fired.Add(1)
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("cancelled run should return nil, got %v", err)
	}
	if fired.Load() == 0 {
		t.Fatal("expected at least one occurrence before cancel")
	}
}

func TestNewScheduler_InvalidExpr(t *testing.T) {
	if _, err := NewScheduler(Config{Expr: "not a cron"}, func(context.Context, int) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewScheduler(Config{Expr: "@hourly"}, nil); err == nil {
		t.Fatal("expected error for nil fire func")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)},
		{"0 12 * * *", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"@every 10m", time.Date(2026, 1, 1, 10, 17, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := NextRunTime(tt.expr, after)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("NextRunTime(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}
