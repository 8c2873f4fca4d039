package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"streambot/internal/eventbus"
	"streambot/internal/metrics"
	"streambot/internal/monitor"
	rtsup "streambot/internal/runtime/supervisor"
	"streambot/internal/storage"
	kit "streambot/internal/transport"
	logx "streambot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTargets = errors.New("notifier has no targets")
)

type job struct {
	n      kit.Notification
	status monitor.LiveStatus
}

// Service implements the announcement pipeline:
// queue + worker pool + rate limit + retry + circuit breaker.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[kit.MessageRef]

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

var _ monitor.Announcer = (*Service)(nil)

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		store:   store,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the configuration. Queue size and worker count take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
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
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	rebuild := s.breaker == nil ||
		cfg.BreakerFailures != s.cfg.BreakerFailures ||
		cfg.BreakerCooldown != s.cfg.BreakerCooldown
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	if rebuild {
		s.breaker = newBreaker(cfg, s.log)
	}
}

func newBreaker(cfg Config, log logx.Logger) *gobreaker.CircuitBreaker[kit.MessageRef] {
	threshold := cfg.BreakerFailures
	metrics.CircuitBreakerState.WithLabelValues("telegram").Set(0)
	return gobreaker.NewCircuitBreaker[kit.MessageRef](gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			log.Warn("delivery circuit breaker changed state",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
}

// BreakerState reports the delivery circuit breaker state.
func (s *Service) BreakerState() gobreaker.State {
	s.mu.Lock()
	b := s.breaker
	s.mu.Unlock()
	return b.State()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
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

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Delivery is best-effort; a broken worker must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
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

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop the workers; queued announcements are lost.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Announce enqueues a live announcement for every configured target.
func (s *Service) Announce(ctx context.Context, channel string, st monitor.LiveStatus) error {
	s.mu.Lock()
	targets := append([]kit.ChatTarget(nil), s.cfg.Targets...)
	s.mu.Unlock()
	if len(targets) == 0 {
		return ErrNoTargets
	}
	var errs []error
	for _, to := range targets {
		if err := s.enqueue(ctx, job{n: Notification(channel, st, to), status: st}); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", to.ChatID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
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
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- j:
		metrics.NotifierQueueDepth.Set(float64(len(q)))
		s.publish(eventbus.NotifierQueued, j.n, 0, nil)
		return nil
	default:
		metrics.AnnouncementsTotal.WithLabelValues("dropped").Inc()
		s.publish(eventbus.NotifierDropped, j.n, 0, ErrQueueFull)
		s.record(j, false, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			metrics.NotifierQueueDepth.Set(float64(len(q)))
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	br := s.breaker
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil || j.n.Text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(runCtx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		_, err := br.Execute(func() (kit.MessageRef, error) { return s.deliver(callCtx, ad, j.n) })
		cancel()
		if err == nil {
			metrics.AnnouncementsTotal.WithLabelValues("sent").Inc()
			s.publish(eventbus.NotifierSent, j.n, attempt, nil)
			s.record(j, true, nil)
			return
		}
		lastErr = err
		s.log.Debug("announcement send failed",
			logx.Channel(j.n.Channel),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	metrics.AnnouncementsTotal.WithLabelValues("failed").Inc()
	s.log.Warn("announcement failed",
		logx.Channel(j.n.Channel),
		logx.Int64("chat_id", j.n.Target.ChatID),
		logx.Int("attempts", attempts),
		logx.Err(lastErr),
	)
	s.publish(eventbus.NotifierFailed, j.n, attempts, lastErr)
	s.record(j, false, lastErr)
}

// deliver sends the photo variant when there is a thumbnail, falling back to
// plain text if the photo is rejected.
func (s *Service) deliver(ctx context.Context, ad kit.Adapter, n kit.Notification) (kit.MessageRef, error) {
	if n.PhotoURL != "" {
		ref, err := ad.SendPhoto(ctx, n.Target, n.PhotoURL, n.Text, n.Options)
		if err == nil {
			return ref, nil
		}
		if ctx.Err() != nil {
			return kit.MessageRef{}, err
		}
		s.log.Debug("photo rejected; sending text", logx.Channel(n.Channel), logx.Err(err))
	}
	return ad.SendText(ctx, n.Target, n.Text, n.Options)
}

func (s *Service) record(j job, ok bool, err error) {
	if s.store == nil || j.n.Channel == "" {
		return
	}
	a := storage.Announcement{
		At:       time.Now(),
		Channel:  j.n.Channel,
		Title:    j.status.Title,
		Category: j.status.Category,
		Viewers:  j.status.ViewerCount,
		ChatID:   j.n.Target.ChatID,
		ThreadID: j.n.Target.ThreadID,
		OK:       ok,
	}
	if err != nil {
		a.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if e := s.store.AppendAnnouncement(ctx, a); e != nil {
		s.log.Debug("recording announcement failed", logx.Channel(j.n.Channel), logx.Err(e))
	}
}

func (s *Service) publish(typ string, n kit.Notification, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		At:       now,
		Attempts: attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// retryDelay is exponential from RetryBase, capped, with ±30% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	jitter := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * jitter)
}
