package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"offlinewatch/internal/device"
	"offlinewatch/internal/eventbus"
	rtsup "offlinewatch/internal/runtime/supervisor"
	"offlinewatch/internal/storage"
	logx "offlinewatch/pkg/logx"
)

const historyLimit = 300

// Service is an async notification pipeline: queue + worker pool + rate
// limit + retry. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log          logx.Logger
	bus          eventbus.Bus
	store        storage.Store
	senders      []Sender
	offlineSince func(device.ID) (time.Time, bool)
	now          func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	imu      sync.Mutex
	inflight map[device.ID]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a stopped service. store may be nil, in which case deliveries are
// only remembered while in flight.
func New(cfg Config, store storage.Store, senders []Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		store:    store,
		senders:  append([]Sender(nil), senders...),
		now:      time.Now,
		inflight: map[device.ID]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply updates rate and retry settings in place. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSenders swaps the sink list; in-progress deliveries keep the old one.
func (s *Service) SetSenders(senders []Sender) {
	s.mu.Lock()
	s.senders = append([]Sender(nil), senders...)
	s.mu.Unlock()
}

// SetOfflineLookup provides the offline instant used in notification text.
func (s *Service) SetOfflineLookup(fn func(device.ID) (time.Time, bool)) {
	s.mu.Lock()
	s.offlineSince = fn
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Burst = rate per sec so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery is best-effort and must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// Stop blocks intake and drains the queue best-effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Pending is the current queue length.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SendOfflineNotification accepts a notification for asynchronous delivery,
// stamped with the accept instant.
func (s *Service) SendOfflineNotification(ctx context.Context, id device.ID) error {
	return s.SendOfflineNotificationAt(ctx, id, s.now())
}

// SendOfflineNotificationAt is SendOfflineNotification with the instant
// recorded as the last notification, normally the start of the tick that
// decided to notify.
func (s *Service) SendOfflineNotificationAt(ctx context.Context, id device.ID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, lookup := s.queue, s.offlineSince
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	m := Message{Device: id, At: at}
	if lookup != nil {
		if since, ok := lookup(id); ok {
			m.OfflineSince = since
			m.OfflineFor = m.At.Sub(since)
		}
	}
	m.Text = FormatOffline(m)

	s.markInflight(id, m.At)
	select {
	case q <- m:
		return nil
	default:
		s.clearInflight(id, m.At)
		eventbus.Publish(s.bus, eventbus.NotifierDropped, NotificationEvent{Device: id, At: m.At, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// LastOfflineNotification returns the newer of the in-flight and the stored instant.
func (s *Service) LastOfflineNotification(ctx context.Context, id device.ID) (time.Time, bool, error) {
	var (
		at time.Time
		ok bool
	)
	if s.store != nil {
		var err error
		at, ok, err = s.store.LastNotification(ctx, id)
		if err != nil {
			return time.Time{}, false, err
		}
	}
	s.imu.Lock()
	inf, iok := s.inflight[id]
	s.imu.Unlock()
	if iok && (!ok || inf.After(at)) {
		return inf, true, nil
	}
	return at, ok, nil
}

func (s *Service) markInflight(id device.ID, at time.Time) {
	s.imu.Lock()
	s.inflight[id] = at
	s.imu.Unlock()
}

// clearInflight drops the mark only if it still belongs to at.
func (s *Service) clearInflight(id device.ID, at time.Time) {
	s.imu.Lock()
	if cur, ok := s.inflight[id]; ok && cur.Equal(at) {
		delete(s.inflight, id)
	}
	s.imu.Unlock()
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, m)
		}
	}
}

func (s *Service) deliver(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg, lim, senders, log := s.cfg, s.limiter, s.senders, s.log
	s.mu.Unlock()
	log = log.With(logx.Stringer("device", m.Device))

	var (
		delivered []string
		errs      []error
	)
	for _, snd := range senders {
		if err := s.sendOne(ctx, cfg, lim, snd, m); err != nil {
			log.Warn("sink failed", logx.String("sink", snd.Name()), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", snd.Name(), err))
			continue
		}
		delivered = append(delivered, snd.Name())
	}

	if len(delivered) == 0 {
		err := errors.Join(errs...)
		if len(senders) == 0 {
			err = ErrNoSenders
		}
		s.clearInflight(m.Device, m.At)
		s.appendHistory(HistoryItem{At: m.At, Device: m.Device, Text: m.Text, Error: err.Error()})
		eventbus.Publish(s.bus, eventbus.NotifierFailed, NotificationEvent{Device: m.Device, At: m.At, Error: err.Error()})
		log.Error("offline notification not delivered", logx.Err(err))
		return
	}

	if s.store != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := s.store.RecordNotification(rctx, m.Device, m.At)
		cancel()
		if err != nil {
			// Keep the in-flight mark so this process still deduplicates.
			log.Error("record notification failed", logx.Err(err))
		} else {
			s.clearInflight(m.Device, m.At)
		}
	}
	s.appendHistory(HistoryItem{At: m.At, Device: m.Device, Text: m.Text, Sinks: delivered})
	eventbus.Publish(s.bus, eventbus.NotifierDelivered, NotificationEvent{Device: m.Device, At: m.At, Sinks: delivered})
	log.Info("offline notification delivered", logx.Any("sinks", delivered), logx.String("offline_for", HumanDuration(m.OfflineFor)))
}

func (s *Service) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, snd Sender, m Message) error {
	return retry.Do(
		func() error {
			if lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
			}
			cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			err := snd.Send(cctx, m)
			if IsPermanent(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(uint(cfg.RetryMax+1)),
		retry.Delay(cfg.RetryBase),
		retry.MaxDelay(cfg.RetryMaxDelay),
		retry.MaxJitter(cfg.RetryBase),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("retrying sink",
				logx.String("sink", snd.Name()),
				logx.Int("attempt", int(n)+1),
				logx.Err(err),
			)
		}),
	)
}
