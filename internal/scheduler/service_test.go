package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "offlinewatch/pkg/logx"
)

func TestAddScheduleValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	if err := s.AddSchedule("", "30s", 0, noop); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("err = %v, want ErrNameRequired", err)
	}
	if err := s.AddSchedule("tick", "61 * * * *", 0, noop); err == nil {
		t.Fatal("expected cron parse error")
	}
	if err := s.AddSchedule("tick", "30s", 0, nil); err == nil {
		t.Fatal("expected error for nil func")
	}
	if err := s.AddSchedule("tick", "30s", 0, noop); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	// Upsert by name.
	if err := s.AddSchedule("tick", "*/5 * * * *", 0, noop); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Kind != "cron" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatal("Remove did not report correctly")
	}
}

func TestFireSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{DefaultTimeout: time.Second}, logx.Nop())
	s.runCtx = context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	d := &schedule{name: "tick", timeout: time.Second, fn: func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}

	done := make(chan struct{})
	go func() {
		s.fire(d)
		close(done)
	}()
	<-started
	s.fire(d)
	close(release)
	<-done

	if runs.Load() != 1 || d.skips.Load() != 1 {
		t.Fatalf("runs=%d skips=%d, want 1 and 1", runs.Load(), d.skips.Load())
	}
}

func TestFireRecordsErrorsAndTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.runCtx = context.Background()

	d := &schedule{name: "slow", timeout: 10 * time.Millisecond, fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	s.fire(d)
	if d.failures.Load() != 1 || d.lastErr == "" {
		t.Fatalf("failures=%d lastErr=%q", d.failures.Load(), d.lastErr)
	}

	p := &schedule{name: "panics", fn: func(context.Context) error { panic("boom") }}
	s.fire(p)
	if p.failures.Load() != 1 {
		t.Fatal("panic not recorded as failure")
	}
}

func TestStartTriggers(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	var runs atomic.Int32
	if err := s.AddSchedule("tick", "* * * * * *", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("schedule never fired")
	}
	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}
