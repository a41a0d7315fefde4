package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"offlinewatch/internal/config"
	"offlinewatch/internal/eventbus"
	"offlinewatch/internal/httpapi"
	"offlinewatch/internal/notifier"
	"offlinewatch/internal/notifier/sink"
	"offlinewatch/internal/offline"
	rtsup "offlinewatch/internal/runtime/supervisor"
	"offlinewatch/internal/scheduler"
	"offlinewatch/internal/storage"
	logx "offlinewatch/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	notif *notifier.Service
	job   *offline.Job
	sched *scheduler.Service
	http  *httpapi.Server

	jobCfg jobSettings
}

// New loads the config and builds every component in dependency order:
// logging, storage, notifier, job (seeded from storage), scheduler, http.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	fail := func(err error, closers ...func() error) (*App, error) {
		for _, c := range closers {
			_ = c()
		}
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err, store.Close)
	}
	skc, err := mapSinkConfig(cfg)
	if err != nil {
		return fail(err, store.Close)
	}
	senders, err := sink.Build(skc, log.With(logx.String("comp", "sink")))
	if err != nil {
		return fail(err, store.Close)
	}
	notif := notifier.New(ncfg, store, senders, log.With(logx.String("comp", "notifier")), bus)

	js, err := mapJobConfig(cfg)
	if err != nil {
		return fail(err, store.Close)
	}
	job, err := offline.New(ctx, store, notif,
		offline.WithLogger(log.With(logx.String("comp", "job"))),
		offline.WithBus(bus),
		offline.WithParallelism(js.parallelism),
		offline.WithThresholds(js.thresholds),
	)
	if err != nil {
		return fail(fmt.Errorf("init job: %w", err), store.Close)
	}
	notif.SetOfflineLookup(job.Registry().OfflineSince)

	sched := scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")))

	hs := httpapi.NewServer(mapHTTPConfig(cfg), httpapi.Deps{
		Job:     job,
		Store:   store,
		History: notif,
		Sched:   sched,
	}, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		notif:  notif,
		job:    job,
		sched:  sched,
		http:   hs,
		jobCfg: js,
	}, nil
}

func (a *App) Job() *offline.Job           { return a.job }
func (a *App) Notifier() *notifier.Service { return a.notif }
func (a *App) Config() *config.Manager     { return a.cfgm }

// HTTPAddr is the bound API address, or "" when disabled.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// tick is the scheduled job body.
func (a *App) tick(ctx context.Context) error {
	_, err := a.job.Run(ctx)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapJobConfig(cfg); err != nil {
			return err
		}
		skc, err := mapSinkConfig(cfg)
		if err != nil {
			return err
		}
		_, err = sink.Build(skc, logx.Nop())
		return err
	})

	// Workers outlive run; Stop drains the queue within its own deadline.
	a.notif.Start(context.WithoutCancel(run))

	if err := a.sched.AddSchedule(jobScheduleName, a.jobCfg.schedule, a.jobCfg.timeout, a.tick); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	a.sched.Start(run)

	if err := a.http.Start(run); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest pending config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("schedule", a.jobCfg.schedule),
		logx.Stringer("thresholds", a.jobCfg.thresholds),
		logx.Int("offline", a.job.Registry().Len()),
		logx.String("http", a.HTTPAddr()),
	)
	return nil
}

// applyConfig applies a reloaded config live. Sections that cannot change
// at runtime are only warned about.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if changed["job"] {
		a.applyJob(newCfg)
	}
	if changed["notifier"] || changed["telegram"] || changed["discord"] || changed["webhook"] {
		a.applyNotifier(ctx, newCfg, changed["notifier"])
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyJob(cfg *config.Config) {
	js, err := mapJobConfig(cfg)
	if err != nil {
		a.log.Warn("invalid job config; keeping previous", logx.Err(err))
		return
	}
	prev := a.jobCfg
	if err := a.job.OnConfigurationUpdate(js.thresholds); err != nil {
		a.log.Warn("thresholds rejected; keeping previous", logx.Err(err))
		js.thresholds = prev.thresholds
	}
	if js.parallelism != prev.parallelism {
		a.log.Warn("job.parallelism changed; restart required", logx.Int("parallelism", js.parallelism))
		js.parallelism = prev.parallelism
	}

	a.sched.Apply(mapSchedulerConfig(cfg))
	if js.schedule != prev.schedule || js.timeout != prev.timeout {
		if err := a.sched.AddSchedule(jobScheduleName, js.schedule, js.timeout, a.tick); err != nil {
			a.log.Warn("job schedule rejected; keeping previous", logx.Err(err))
			js.schedule, js.timeout = prev.schedule, prev.timeout
		}
	}
	a.jobCfg = js
}

// applyNotifier swaps sinks and settings. Worker count, queue size and the
// enabled flag need a pipeline restart, which drains the queue first.
func (a *App) applyNotifier(ctx context.Context, cfg *config.Config, settingsChanged bool) {
	skc, err := mapSinkConfig(cfg)
	if err == nil {
		var senders []notifier.Sender
		if senders, err = sink.Build(skc, a.log.With(logx.String("comp", "sink"))); err == nil {
			a.notif.SetSenders(senders)
		}
	}
	if err != nil {
		a.log.Warn("invalid sink config; keeping previous", logx.Err(err))
	}
	if !settingsChanged {
		return
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	prev := a.notif.Config()
	a.notif.Apply(ncfg)
	cur := a.notif.Config()
	if prev.Enabled == cur.Enabled && prev.Workers == cur.Workers && prev.QueueSize == cur.QueueSize {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.notif.Stop(stopCtx)
	cancel()
	a.notif.Start(context.WithoutCancel(ctx))
	a.log.Info("notifier restarted",
		logx.Bool("enabled", cur.Enabled),
		logx.Int("workers", cur.Workers),
		logx.Int("queue_size", cur.QueueSize),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := runStep(ctx, a.log, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Triggers first so no tick starts while the pipeline drains.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.closeStore() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}

// runStep runs one shutdown step bounded by max (never extending ctx's
// deadline). A step that ignores its context is logged and left behind.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return stepCtx.Err()
	}
}
