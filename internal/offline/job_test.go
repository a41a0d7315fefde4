package offline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"offlinewatch/internal/device"
	"offlinewatch/internal/eventbus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeDevices struct {
	offline map[device.ID]time.Time
	err     error
}

func (f fakeDevices) OfflineDevices(context.Context) (map[device.ID]time.Time, error) {
	return f.offline, f.err
}

type fakePush struct {
	mu      sync.Mutex
	clock   *fakeClock
	last    map[device.ID]time.Time
	sent    []device.ID
	failFor map[device.ID]bool
	onLook  func(device.ID)
}

func newFakePush(c *fakeClock) *fakePush {
	return &fakePush{clock: c, last: map[device.ID]time.Time{}, failFor: map[device.ID]bool{}}
}

func (p *fakePush) SendOfflineNotification(_ context.Context, id device.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[id] {
		return errors.New("push gateway unavailable")
	}
	p.sent = append(p.sent, id)
	p.last[id] = p.clock.Now()
	return nil
}

func (p *fakePush) LastOfflineNotification(_ context.Context, id device.ID) (time.Time, bool, error) {
	if p.onLook != nil {
		p.onLook(id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.last[id]
	return v, ok, nil
}

func (p *fakePush) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// stampedPush records the instant the job hands it instead of the clock.
type stampedPush struct {
	*fakePush
	onSend func()
}

func (p stampedPush) SendOfflineNotificationAt(_ context.Context, id device.ID, at time.Time) error {
	if p.onSend != nil {
		p.onSend()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, id)
	p.last[id] = at
	return nil
}

func newTestJob(t *testing.T, offline map[device.ID]time.Time, opts ...Option) (*Job, *fakeClock, *fakePush) {
	t.Helper()
	clock := &fakeClock{t: t0}
	push := newFakePush(clock)
	opts = append([]Option{WithClock(clock.Now), WithThresholds(secs(1, 2, 3))}, opts...)
	j, err := New(context.Background(), fakeDevices{offline: offline}, push, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return j, clock, push
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), nil, newFakePush(&fakeClock{})); !errors.Is(err, ErrNilCollaborator) {
		t.Fatalf("err = %v, want ErrNilCollaborator", err)
	}
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), fakeDevices{}, newFakePush(&fakeClock{}), WithThresholds(Thresholds{}))
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestNewSeedError(t *testing.T) {
	t.Parallel()
	boom := errors.New("device service down")
	_, err := New(context.Background(), fakeDevices{err: boom}, newFakePush(&fakeClock{}))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestRunWithoutThresholds(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: t0}
	push := newFakePush(clock)
	j, err := New(context.Background(), fakeDevices{}, push, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	j.OnDeviceDisconnect(device.New())
	clock.Set(t0.Add(time.Hour))
	if _, err := j.Run(context.Background()); !errors.Is(err, ErrMissingConfiguration) {
		t.Fatalf("err = %v, want ErrMissingConfiguration", err)
	}
	if push.sentCount() != 0 {
		t.Fatal("notification sent without configuration")
	}
}

func TestRunEscalation(t *testing.T) {
	t.Parallel()
	id := device.New()
	j, clock, push := newTestJob(t, map[device.ID]time.Time{id: t0})

	steps := []struct {
		at   string
		sent int
	}{
		{at: "1ms", sent: 0},
		{at: "1.001s", sent: 1},
		{at: "1.002s", sent: 1},
		{at: "2.001s", sent: 2},
		{at: "2.5s", sent: 2},
		{at: "3.2s", sent: 3},
		{at: "30s", sent: 3},
	}
	for _, s := range steps {
		clock.Set(at(s.at))
		if _, err := j.Run(context.Background()); err != nil {
			t.Fatalf("Run at %s: %v", s.at, err)
		}
		if got := push.sentCount(); got != s.sent {
			t.Fatalf("after Run at %s: sent = %d, want %d", s.at, got, s.sent)
		}
	}
}

func TestRunRearmsAfterReconnect(t *testing.T) {
	t.Parallel()
	id := device.New()
	j, clock, push := newTestJob(t, map[device.ID]time.Time{id: t0})

	clock.Set(at("1.5s"))
	if _, err := j.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	j.OnDeviceConnect(id)
	clock.Set(at("10s"))
	since := j.OnDeviceDisconnect(id)
	if !since.After(t0) {
		t.Fatalf("new offline instant %s not after %s", since, t0)
	}

	clock.Set(at("10.5s"))
	if _, err := j.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if push.sentCount() != 1 {
		t.Fatalf("sent = %d before first threshold of new episode, want 1", push.sentCount())
	}
	clock.Set(at("11.5s"))
	if _, err := j.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if push.sentCount() != 2 {
		t.Fatalf("sent = %d, want 2", push.sentCount())
	}
}

func TestRunIgnoresConnectedDevices(t *testing.T) {
	t.Parallel()
	id := device.New()
	j, clock, push := newTestJob(t, nil)
	push.last[id] = t0.Add(-time.Hour)
	j.OnDeviceConnect(id)

	clock.Set(at("1h"))
	rep, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Evaluated != 0 || push.sentCount() != 0 {
		t.Fatalf("connected device evaluated: %+v", rep)
	}
}

func TestRunSkipsDeviceOfflineSinceTickStart(t *testing.T) {
	t.Parallel()
	j, clock, push := newTestJob(t, nil)
	clock.Set(at("5s"))
	j.OnDeviceDisconnect(device.New())

	rep, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Skipped != 1 || push.sentCount() != 0 {
		t.Fatalf("report = %+v, sent = %d", rep, push.sentCount())
	}
}

func TestRunReconnectDuringTickWins(t *testing.T) {
	t.Parallel()
	id := device.New()
	j, clock, push := newTestJob(t, map[device.ID]time.Time{id: t0})
	push.onLook = func(got device.ID) {
		if got == id {
			j.OnDeviceConnect(id)
		}
	}

	clock.Set(at("1.5s"))
	rep, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if push.sentCount() != 0 || rep.Skipped != 1 {
		t.Fatalf("reconnected device notified: report=%+v", rep)
	}
}

func TestRunBestEffortOnFailure(t *testing.T) {
	t.Parallel()
	bad, good := device.New(), device.New()
	j, clock, push := newTestJob(t, map[device.ID]time.Time{bad: t0, good: t0})
	push.failFor[bad] = true

	clock.Set(at("1.5s"))
	rep, err := j.Run(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if rep.Failed != 1 || rep.Notified != 1 {
		t.Fatalf("report = %+v, want 1 failed 1 notified", rep)
	}
	if j.Registry().Len() != 2 {
		t.Fatalf("registry mutated by failing tick: len=%d", j.Registry().Len())
	}

	push.failFor[bad] = false
	clock.Set(at("1.6s"))
	if _, err := j.Run(context.Background()); err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if push.sentCount() != 2 {
		t.Fatalf("sent = %d, want 2", push.sentCount())
	}
}

func TestRunParallel(t *testing.T) {
	t.Parallel()
	offline := make(map[device.ID]time.Time, 200)
	for i := 0; i < 200; i++ {
		offline[device.New()] = t0
	}
	j, clock, push := newTestJob(t, offline, WithParallelism(16))

	clock.Set(at("1.5s"))
	rep, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Evaluated != 200 || rep.Notified != 200 || push.sentCount() != 200 {
		t.Fatalf("report = %+v, sent = %d", rep, push.sentCount())
	}
}

func TestOnConfigurationUpdate(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	j, _, _ := newTestJob(t, nil, WithBus(bus))
	<-events // initial thresholds

	if err := j.OnConfigurationUpdate(nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
	if got := j.Thresholds().String(); got != secs(1, 2, 3).String() {
		t.Fatalf("previous thresholds not retained: %s", got)
	}

	next := secs(5, 10)
	if err := j.OnConfigurationUpdate(next); err != nil {
		t.Fatalf("update: %v", err)
	}
	next[0] = time.Hour
	if got := j.Thresholds(); got[0] != 5*time.Second {
		t.Fatalf("caller mutation leaked into job: %s", got)
	}
	ev := <-events
	if ev.Type != eventbus.ConfigThresholdsSet {
		t.Fatalf("event type = %s", ev.Type)
	}
}

func TestRunRecordsTickStartAcrossThreshold(t *testing.T) {
	t.Parallel()
	id := device.New()
	clock := &fakeClock{t: t0}
	push := stampedPush{fakePush: newFakePush(clock)}
	// Sending is slow enough for the 2s threshold to elapse meanwhile.
	push.onSend = func() { clock.Set(clock.Now().Add(2 * time.Millisecond)) }
	j, err := New(context.Background(), fakeDevices{offline: map[device.ID]time.Time{id: t0}}, push,
		WithClock(clock.Now), WithThresholds(secs(1, 2, 3)))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	start := t0.Add(1999 * time.Millisecond)
	clock.Set(start)
	if rep, err := j.Run(context.Background()); err != nil || rep.Notified != 1 {
		t.Fatalf("first tick = %+v, %v", rep, err)
	}
	if at := push.last[id]; !at.Equal(start) {
		t.Fatalf("recorded %s, want tick start %s", at, start)
	}

	clock.Set(t0.Add(2500 * time.Millisecond))
	if rep, err := j.Run(context.Background()); err != nil || rep.Notified != 1 {
		t.Fatalf("second tick = %+v, %v; the 2s tier must still fire", rep, err)
	}
}
