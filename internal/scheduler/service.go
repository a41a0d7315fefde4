package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "offlinewatch/pkg/logx"
)

const errLogEvery = 5 * time.Second

var ErrNameRequired = errors.New("schedule name required")

// Config controls the trigger service.
type Config struct {
	Timezone       string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	DefaultTimeout time.Duration
}

type schedule struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	fn      func(ctx context.Context) error
	entryID cron.EntryID
	spread  time.Duration

	running  atomic.Bool
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	mu        sync.Mutex
	lastStart time.Time
	lastTook  time.Duration
	lastErr   string
	lastErrAt time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*schedule

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cronParser,
		defs:   map[string]*schedule{},
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec would be accepted by AddSchedule.
func ValidateSchedule(spec string) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

// Validate reports whether spec would be accepted by AddSchedule.
func (s *Service) Validate(spec string) error { return ValidateSchedule(spec) }

// AddSchedule upserts a schedule by name. It may be called before Start.
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, fn func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if fn == nil {
		return errors.New("schedule func required")
	}
	if err := s.Validate(spec); err != nil {
		return err
	}
	ps, _ := ParseSchedule(spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &schedule{name: name, spec: ps, timeout: s.resolveTimeout(timeout), fn: fn}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		delete(s.defs, name)
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", ps.String()),
		logx.Duration("timeout", d.timeout),
		logx.Duration("spread", d.spread),
	)
	return nil
}

// Remove unschedules name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *schedule) error {
	job := cron.FuncJob(func() { s.fire(d) })
	switch d.spec.Kind {
	case SpecInterval:
		sched, spread := intervalWithSpread(d.spec.Every, time.Now())
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
	default:
		sched, err := s.parser.Parse(d.spec.Cron)
		if err != nil {
			return err
		}
		d.entryID = s.c.Schedule(sched, job)
	}
	return nil
}

// fire runs on the cron goroutine for this trigger.
func (s *Service) fire(d *schedule) {
	if !d.running.CompareAndSwap(false, true) {
		d.skips.Add(1)
		s.log.Debug("schedule skipped (previous run still running)", logx.String("name", d.name))
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil {
		return
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, d.timeout)
	}
	defer cancel()

	start := time.Now()
	err := runGuarded(ctx, d.fn)
	took := time.Since(start)
	d.runs.Add(1)

	d.mu.Lock()
	d.lastStart, d.lastTook = start, took
	throttled := false
	if err != nil {
		d.lastErr = err.Error()
		throttled = !d.lastErrAt.IsZero() && start.Sub(d.lastErrAt) < errLogEvery
		if !throttled {
			d.lastErrAt = start
		}
	} else {
		d.lastErr = ""
	}
	d.mu.Unlock()

	if err != nil {
		d.failures.Add(1)
		if !throttled {
			s.log.Warn("scheduled run failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
		}
	}
}

func runGuarded(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Start begins triggering. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops triggering and waits for in-flight runs until ctx is done, after
// which their contexts are canceled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop deadline reached; canceling in-flight runs")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
}

// Apply updates config; a timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	// Stopping waits for running jobs; do not hold up config fan-out on it.
	old := s.c
	go old.Stop()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

type ScheduleInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Kind      string        `json:"kind"`
	Timeout   time.Duration `json:"timeout"`
	Next      time.Time     `json:"next,omitzero"`
	Prev      time.Time     `json:"prev,omitzero"`
	Running   bool          `json:"running"`
	Runs      uint64        `json:"runs"`
	Skips     uint64        `json:"skips"`
	Failures  uint64        `json:"failures"`
	LastStart time.Time     `json:"last_start,omitzero"`
	LastTook  time.Duration `json:"last_took"`
	LastError string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c, loc := s.c, s.loc
	type ref struct {
		d  *schedule
		id cron.EntryID
	}
	refs := make([]ref, 0, len(s.defs))
	for _, d := range s.defs {
		refs = append(refs, ref{d: d, id: d.entryID})
	}
	s.mu.Unlock()

	snap := Snapshot{Running: c != nil, Timezone: time.Local.String()}
	if loc != nil {
		snap.Timezone = loc.String()
	}
	for _, r := range refs {
		d := r.d
		it := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec.String(),
			Kind:     d.spec.Kind.String(),
			Timeout:  d.timeout,
			Running:  d.running.Load(),
			Runs:     d.runs.Load(),
			Skips:    d.skips.Load(),
			Failures: d.failures.Load(),
		}
		if c != nil && r.id != 0 {
			e := c.Entry(r.id)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.mu.Lock()
		it.LastStart, it.LastTook, it.LastError = d.lastStart, d.lastTook, d.lastErr
		d.mu.Unlock()
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}
