package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offlinewatch/internal/device"
	"offlinewatch/internal/storage"
)

type fakeSender struct {
	name    string
	calls   atomic.Int32
	failN   int32 // fail the first failN calls
	err     error
	release chan struct{}

	mu   sync.Mutex
	msgs []Message
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, m Message) error {
	n := f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= f.failN {
		return f.err
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     4,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func waitHistory(t *testing.T, s *Service, n int) []HistoryItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := s.Snapshot(); len(h) >= n {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("history did not reach %d items: %+v", n, s.Snapshot())
	return nil
}

func startService(t *testing.T, cfg Config, st storage.Store, senders ...Sender) *Service {
	t.Helper()
	s := New(cfg, st, senders, testLogger(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestDeliverRecordsNotification(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	snd := &fakeSender{name: "fake"}
	s := startService(t, testConfig(), st, snd)
	since := time.Now().Add(-90 * time.Minute)
	s.SetOfflineLookup(func(device.ID) (time.Time, bool) { return since, true })

	id := device.New()
	if err := s.SendOfflineNotification(context.Background(), id); err != nil {
		t.Fatalf("SendOfflineNotification: %v", err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Error != "" || len(h[0].Sinks) != 1 {
		t.Fatalf("history = %+v", h[0])
	}
	if !strings.Contains(h[0].Text, "1 hour 30 minutes") {
		t.Fatalf("text = %q", h[0].Text)
	}

	at, ok, err := st.LastNotification(context.Background(), id)
	if err != nil || !ok || !at.Equal(h[0].At) {
		t.Fatalf("stored = %s ok=%v err=%v, want %s", at, ok, err, h[0].At)
	}
}

func TestSendAtRecordsGivenInstant(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s := startService(t, testConfig(), st, &fakeSender{name: "fake"})

	id := device.New()
	at := time.Now().Add(-3 * time.Second).Truncate(time.Millisecond)
	if err := s.SendOfflineNotificationAt(context.Background(), id, at); err != nil {
		t.Fatalf("SendOfflineNotificationAt: %v", err)
	}
	if got, ok, _ := s.LastOfflineNotification(context.Background(), id); !ok || !got.Equal(at) {
		t.Fatalf("in-flight = %s ok=%v, want %s", got, ok, at)
	}
	waitHistory(t, s, 1)
	got, ok, err := st.LastNotification(context.Background(), id)
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("stored = %s ok=%v err=%v, want %s", got, ok, err, at)
	}
}

func TestInflightVisibleBeforeDelivery(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "slow", release: make(chan struct{})}
	s := startService(t, testConfig(), storage.NewMemory(), snd)

	id := device.New()
	if err := s.SendOfflineNotification(context.Background(), id); err != nil {
		t.Fatalf("SendOfflineNotification: %v", err)
	}
	if _, ok, err := s.LastOfflineNotification(context.Background(), id); err != nil || !ok {
		t.Fatalf("queued notification not visible: ok=%v err=%v", ok, err)
	}
	close(snd.release)
	waitHistory(t, s, 1)
	if _, ok, _ := s.LastOfflineNotification(context.Background(), id); !ok {
		t.Fatal("delivered notification not visible")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "flaky", failN: 2, err: errors.New("503")}
	s := startService(t, testConfig(), storage.NewMemory(), snd)

	if err := s.SendOfflineNotification(context.Background(), device.New()); err != nil {
		t.Fatalf("SendOfflineNotification: %v", err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Error != "" {
		t.Fatalf("unexpected failure: %+v", h[0])
	}
	if got := snd.calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestFailureClearsInflight(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "down", failN: 100, err: Permanent(errors.New("401 unauthorized"))}
	s := startService(t, testConfig(), storage.NewMemory(), snd)

	id := device.New()
	if err := s.SendOfflineNotification(context.Background(), id); err != nil {
		t.Fatalf("SendOfflineNotification: %v", err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Error == "" {
		t.Fatalf("expected failure in history: %+v", h[0])
	}
	if got := snd.calls.Load(); got != 1 {
		t.Fatalf("permanent error retried: calls = %d", got)
	}
	if _, ok, _ := s.LastOfflineNotification(context.Background(), id); ok {
		t.Fatal("failed notification still reported as sent")
	}
}

func TestPartialSinkFailureCountsAsDelivered(t *testing.T) {
	t.Parallel()
	bad := &fakeSender{name: "bad", failN: 100, err: Permanent(errors.New("gone"))}
	good := &fakeSender{name: "good"}
	s := startService(t, testConfig(), storage.NewMemory(), bad, good)

	if err := s.SendOfflineNotification(context.Background(), device.New()); err != nil {
		t.Fatalf("SendOfflineNotification: %v", err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Error != "" || len(h[0].Sinks) != 1 || h[0].Sinks[0] != "good" {
		t.Fatalf("history = %+v", h[0])
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "blocked", release: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := startService(t, cfg, storage.NewMemory(), snd)
	defer close(snd.release)

	var full error
	for i := 0; i < 5 && full == nil; i++ {
		full = s.SendOfflineNotification(context.Background(), device.New())
	}
	if !errors.Is(full, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", full)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, nil, nil, testLogger(), nil)
	s.Start(context.Background())
	if err := s.SendOfflineNotification(context.Background(), device.New()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s = New(testConfig(), nil, nil, testLogger(), nil)
	if err := s.SendOfflineNotification(context.Background(), device.New()); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "fake"}
	s := New(testConfig(), storage.NewMemory(), []Sender{snd}, testLogger(), nil)
	s.Start(context.Background())
	for i := 0; i < 3; i++ {
		if err := s.SendOfflineNotification(context.Background(), device.New()); err != nil {
			t.Fatalf("SendOfflineNotification: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := len(s.Snapshot()); got != 3 {
		t.Fatalf("drained %d, want 3", got)
	}
	if err := s.SendOfflineNotification(context.Background(), device.New()); !errors.Is(err, ErrStopped) {
		t.Fatalf("err after Stop = %v, want ErrStopped", err)
	}
}

func TestHumanDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 0, want: "less than a second"},
		{in: 90 * time.Second, want: "1 minute 30 seconds"},
		{in: 26*time.Hour + 5*time.Minute + 10*time.Second, want: "1 day 2 hours"},
	}
	for _, tt := range tests {
		if got := HumanDuration(tt.in); got != tt.want {
			t.Fatalf("HumanDuration(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
