package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"

	"offlinewatch/internal/device"
	"offlinewatch/internal/eventbus"
	logx "offlinewatch/pkg/logx"
)

// DeviceService provides the offline set used to seed the registry at startup.
type DeviceService interface {
	OfflineDevices(ctx context.Context) (map[device.ID]time.Time, error)
}

// PushNotificationService delivers notifications and owns their history.
// The job only reads the history; delivery is expected to record it.
type PushNotificationService interface {
	SendOfflineNotification(ctx context.Context, id device.ID) error
	LastOfflineNotification(ctx context.Context, id device.ID) (at time.Time, ok bool, err error)
}

// StampedPushNotificationService is implemented by push services that record
// a caller-supplied instant. The job passes the tick start so the stored tier
// matches the tier it decided on, even when a threshold elapses while sending.
type StampedPushNotificationService interface {
	SendOfflineNotificationAt(ctx context.Context, id device.ID, at time.Time) error
}

// Report summarizes one tick.
type Report struct {
	JobStart   time.Time
	Thresholds Thresholds
	Evaluated  int
	Notified   int
	NotDue     int
	Skipped    int
	Failed     int
	Took       time.Duration
}

// NotificationDue is published on the bus for every delivered notification.
type NotificationDue struct {
	Device       device.ID     `json:"device"`
	OfflineSince time.Time     `json:"offline_since"`
	OfflineFor   time.Duration `json:"offline_for"`
	Tier         int           `json:"tier"`
	Threshold    time.Duration `json:"threshold"`
}

type Option func(*Job)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		if now != nil {
			j.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(j *Job) { j.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(j *Job) { j.bus = bus } }

// WithParallelism bounds how many devices are evaluated concurrently in a tick.
func WithParallelism(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.parallelism = n
		}
	}
}

// WithThresholds sets the initial threshold list; New rejects an invalid one.
func WithThresholds(t Thresholds) Option {
	return func(j *Job) {
		j.initial = t
		j.hasInitial = true
	}
}

// Job is the offline notification scheduler. Run is invoked by an external
// trigger; the On* methods may be called concurrently with Run.
type Job struct {
	devices DeviceService
	push    PushNotificationService
	reg     *Registry

	thresholds atomic.Pointer[Thresholds]

	// runMu keeps ticks from overlapping when a manual run races the timer.
	runMu sync.Mutex

	now         func() time.Time
	log         logx.Logger
	bus         eventbus.Bus
	parallelism int

	initial    Thresholds
	hasInitial bool
}

// New builds a job and seeds its registry from devices.
func New(ctx context.Context, devices DeviceService, push PushNotificationService, opts ...Option) (*Job, error) {
	if devices == nil || push == nil {
		return nil, ErrNilCollaborator
	}
	j := &Job{
		devices:     devices,
		push:        push,
		reg:         NewRegistry(),
		now:         time.Now,
		parallelism: 1,
	}
	for _, o := range opts {
		o(j)
	}
	if j.log.IsZero() {
		j.log = logx.Nop()
	}
	if j.hasInitial {
		if err := j.OnConfigurationUpdate(j.initial); err != nil {
			return nil, err
		}
	}

	offline, err := devices.OfflineDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed offline devices: %w", err)
	}
	j.reg.Seed(offline)
	j.log.Info("registry seeded", logx.Int("offline", j.reg.Len()))
	return j, nil
}

func (j *Job) Registry() *Registry { return j.reg }

// Thresholds returns a copy of the active list, or nil if none is configured.
func (j *Job) Thresholds() Thresholds {
	p := j.thresholds.Load()
	if p == nil {
		return nil
	}
	return p.clone()
}

// OnConfigurationUpdate atomically replaces the thresholds used by later ticks.
// An invalid list is rejected and the previous one stays in effect.
func (j *Job) OnConfigurationUpdate(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	next := t.clone()
	prev := j.thresholds.Swap(&next)
	if prev == nil || prev.String() != next.String() {
		j.log.Info("thresholds updated", logx.String("thresholds", next.String()))
		eventbus.Publish(j.bus, eventbus.ConfigThresholdsSet, next.clone())
	}
	return nil
}

// OnDeviceConnect stops tracking the device. Unknown devices are ignored.
func (j *Job) OnDeviceConnect(id device.ID) {
	if j.reg.Connect(id) {
		j.log.Debug("device online", logx.Stringer("device", id))
		eventbus.Publish(j.bus, eventbus.DeviceOnline, id)
	}
}

// OnDeviceDisconnect starts a new offline episode and returns its instant.
func (j *Job) OnDeviceDisconnect(id device.ID) time.Time {
	at := j.now()
	j.reg.Disconnect(id, at)
	j.log.Debug("device offline", logx.Stringer("device", id), logx.Time("since", at))
	eventbus.Publish(j.bus, eventbus.DeviceOffline, Entry{Device: id, OfflineSince: at})
	return at
}

type outcome int

const (
	outcomeNotDue outcome = iota
	outcomeNotified
	outcomeSkipped
	outcomeFailed
)

// Run executes one tick. Devices are evaluated independently; a collaborator
// failure for one device does not stop the others and all failures are
// returned joined. The registry is only read.
func (j *Job) Run(ctx context.Context) (Report, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	p := j.thresholds.Load()
	if p == nil || len(*p) == 0 {
		return Report{}, ErrMissingConfiguration
	}
	thresholds := *p
	jobStart := j.now()
	entries := j.reg.Snapshot()
	rep := Report{JobStart: jobStart, Thresholds: thresholds, Evaluated: len(entries)}

	var (
		mu   sync.Mutex
		errs []error
	)
	swg := sizedwaitgroup.New(j.parallelism)
	for _, e := range entries {
		swg.Add()
		go func(e Entry) {
			defer swg.Done()
			res, err := j.evaluate(ctx, jobStart, e, thresholds)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case outcomeNotified:
				rep.Notified++
			case outcomeSkipped:
				rep.Skipped++
			case outcomeFailed:
				rep.Failed++
				errs = append(errs, err)
			default:
				rep.NotDue++
			}
		}(e)
	}
	swg.Wait()
	rep.Took = j.now().Sub(jobStart)

	fields := []logx.Field{
		logx.Int("evaluated", rep.Evaluated),
		logx.Int("notified", rep.Notified),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	}
	if rep.Notified > 0 || rep.Failed > 0 {
		j.log.Info("tick done", fields...)
	} else {
		j.log.Debug("tick done", fields...)
	}
	eventbus.Publish(j.bus, eventbus.JobTick, rep)
	return rep, errors.Join(errs...)
}

func (j *Job) send(ctx context.Context, id device.ID, jobStart time.Time) error {
	if sp, ok := j.push.(StampedPushNotificationService); ok {
		return sp.SendOfflineNotificationAt(ctx, id, jobStart)
	}
	return j.push.SendOfflineNotification(ctx, id)
}

func (j *Job) evaluate(ctx context.Context, jobStart time.Time, e Entry, thresholds Thresholds) (outcome, error) {
	// Went offline after the tick started; nothing can have been crossed yet.
	// This is a disconnect racing the snapshot, not a bad range, so it is not an error.
	if !e.OfflineSince.Before(jobStart) {
		return outcomeSkipped, nil
	}

	last, notified, err := j.push.LastOfflineNotification(ctx, e.Device)
	if err != nil {
		return outcomeFailed, fmt.Errorf("device %s: last notification: %w", e.Device, err)
	}
	var due bool
	if notified {
		due, err = DueSince(jobStart, e.OfflineSince, last, thresholds)
	} else {
		due, err = Due(jobStart, e.OfflineSince, thresholds)
	}
	if err != nil {
		return outcomeFailed, fmt.Errorf("device %s: %w", e.Device, err)
	}
	if !due {
		return outcomeNotDue, nil
	}

	// A reconnect (or a fresh disconnect) that landed during evaluation wins.
	if !j.reg.stillOffline(e.Device, e.OfflineSince) {
		j.log.Debug("device changed state during tick; not notifying", logx.Stringer("device", e.Device))
		return outcomeSkipped, nil
	}

	if err := j.send(ctx, e.Device, jobStart); err != nil {
		return outcomeFailed, fmt.Errorf("device %s: send notification: %w", e.Device, err)
	}

	tier, _ := LastPassedThreshold(e.OfflineSince, jobStart, thresholds)
	offlineFor := jobStart.Sub(e.OfflineSince)
	j.log.Debug("offline notification sent",
		logx.Stringer("device", e.Device),
		logx.String("offline_for", durafmt.Parse(offlineFor).LimitFirstN(2).String()),
		logx.String("tier", tier.String()),
	)
	eventbus.Publish(j.bus, eventbus.JobNotificationDue, NotificationDue{
		Device:       e.Device,
		OfflineSince: e.OfflineSince,
		OfflineFor:   offlineFor,
		Tier:         tier.Index,
		Threshold:    tier.Threshold,
	})
	return outcomeNotified, nil
}
