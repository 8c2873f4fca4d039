// Package monitor polls live-stream status for the tracked channels and
// decides when a channel going live deserves an announcement.
//
// A Monitor runs a single sequential loop: each tick snapshots the tracked
// channels, probes them one at a time, feeds live results through the Gate and
// hands announcements to the Announcer. Failed ticks go through the
// RecoveryPolicy, which either waits and re-initializes the probe session or
// asks for a process restart via ErrRestartRequested.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"streambot/internal/eventbus"
	"streambot/internal/metrics"
	"streambot/internal/storage"
	logx "streambot/pkg/logx"
)

// Probe answers whether a channel is live. Implementations must be safe for
// concurrent use and must not retry internally.
type Probe interface {
	Probe(ctx context.Context, channel string) (LiveStatus, error)
	InitSession(ctx context.Context) error
}

// ChannelSource lists the tracked channels.
type ChannelSource interface {
	ListChannels(ctx context.Context) ([]string, error)
}

// Announcer delivers a live announcement. Errors are logged and never retried
// by the monitor.
type Announcer interface {
	Announce(ctx context.Context, channel string, status LiveStatus) error
}

// StateStore persists notification bookkeeping across restarts.
type StateStore interface {
	LoadChannelStates(ctx context.Context) ([]storage.ChannelState, error)
	SaveChannelState(ctx context.Context, st storage.ChannelState) error
	DeleteChannelState(ctx context.Context, channel string) error
}

type Config struct {
	Interval        time.Duration
	ProbeTimeout    time.Duration
	Cooldown        time.Duration
	DuplicateWindow time.Duration
	Recovery        RecoveryPolicy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 15 * time.Second
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.DuplicateWindow < 0 {
		c.DuplicateWindow = 0
	}
	c.Recovery = c.Recovery.withDefaults()
	return c
}

// Deps are the monitor's collaborators. Probe and Source are required.
type Deps struct {
	Probe     Probe
	Source    ChannelSource
	Announcer Announcer
	Store     StateStore
	Bus       eventbus.Bus
	Clock     clockwork.Clock
	Log       logx.Logger
}

type Monitor struct {
	cfg  Config
	gate Gate

	probe     Probe
	source    ChannelSource
	announcer Announcer
	store     StateStore
	bus       eventbus.Bus
	clock     clockwork.Clock
	log       logx.Logger

	state *State
}

func New(cfg Config, d Deps) (*Monitor, error) {
	if d.Probe == nil {
		return nil, errors.New("monitor: probe is required")
	}
	if d.Source == nil {
		return nil, errors.New("monitor: channel source is required")
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:       cfg,
		gate:      Gate{Cooldown: cfg.Cooldown, DuplicateWindow: cfg.DuplicateWindow},
		probe:     d.Probe,
		source:    d.Source,
		announcer: d.Announcer,
		store:     d.Store,
		bus:       d.Bus,
		clock:     d.Clock,
		log:       d.Log,
		state:     NewState(),
	}, nil
}

func (m *Monitor) Config() Config { return m.cfg }

// Run drives the loop until ctx is done (returns nil) or recovery escalates to
// a restart (returns ErrRestartRequested).
func (m *Monitor) Run(ctx context.Context) error {
	m.restore(ctx)
	m.log.Info("monitor started",
		logx.Duration("interval", m.cfg.Interval),
		logx.Duration("cooldown", m.cfg.Cooldown),
	)

	if err := m.initSession(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if err := m.recover(ctx, err); err != nil {
			return err
		}
	}

	for ctx.Err() == nil {
		res := m.Tick(ctx)
		if ctx.Err() != nil {
			break
		}
		if res.Failed() {
			if err := m.recover(ctx, res.Cause()); err != nil {
				return err
			}
			// Recovered: tick again right away.
			continue
		}
		m.state.Retry.Reset()
		metrics.ConsecutiveFailures.Set(0)
		if !m.sleep(ctx, m.cfg.Interval) {
			break
		}
	}
	m.log.Info("monitor stopped")
	return nil
}

// Tick probes every tracked channel once. It is not safe to call concurrently
// with Run.
func (m *Monitor) Tick(ctx context.Context) TickResult {
	res := TickResult{Started: m.clock.Now()}
	defer func() { m.finishTick(res) }()

	channels, err := m.source.ListChannels(ctx)
	if err != nil {
		res.Err = fmt.Errorf("list channels: %w", err)
		m.log.Warn("listing channels failed", logx.Err(err))
		return res
	}
	res.Channels = len(channels)
	m.prune(ctx, channels)

	for _, ch := range channels {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		st := m.state.channel(ch)
		now := m.clock.Now()
		if m.gate.CoolingDown(*st, now) {
			res.Skipped++
			continue
		}

		status, err := m.probeOne(ctx, ch)
		if err != nil {
			if ctx.Err() != nil {
				res.Interrupted = true
				break
			}
			res.Failures = append(res.Failures, err)
			m.log.Warn("probe failed", logx.Channel(ch), logx.String("kind", KindOf(err).String()), logx.Err(err))
			continue
		}
		res.Probed++
		m.observe(ctx, ch, st, status, now, &res)
	}
	return res
}

// CheckNow probes every tracked channel immediately. It never changes the
// loop's bookkeeping, so it is safe to call while Run is active.
func (m *Monitor) CheckNow(ctx context.Context) ([]CheckResult, error) {
	channels, err := m.source.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	out := make([]CheckResult, 0, len(channels))
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		status, err := m.probeOne(ctx, ch)
		out = append(out, CheckResult{Channel: ch, Status: status, Err: err})
	}
	return out, nil
}

func (m *Monitor) probeOne(ctx context.Context, ch string) (LiveStatus, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	status, err := m.probe.Probe(pctx, ch)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		metrics.ProbeErrorsTotal.WithLabelValues(KindOf(err).String()).Inc()
		return LiveStatus{}, err
	case status.Live:
		metrics.ProbesTotal.WithLabelValues("live").Inc()
	default:
		metrics.ProbesTotal.WithLabelValues("offline").Inc()
	}
	return status, nil
}

// observe applies one successful probe to st.
func (m *Monitor) observe(ctx context.Context, ch string, st *ChannelState, status LiveStatus, now time.Time, res *TickResult) {
	d := m.gate.ShouldNotify(ch, *st, status, now)
	wasLive := st.LastKnownLive
	st.LastKnownLive = status.Live

	if !status.Live {
		if wasLive {
			m.log.Info("channel went offline", logx.Channel(ch))
			m.publish(eventbus.MonitorOffline, OfflineEvent{Channel: ch})
		}
		if m.gate.SessionEnded(*st, now) {
			st.LastFingerprint = ""
			m.persist(ctx, ch, st)
		}
		return
	}
	res.Live++
	metrics.GateDecisionsTotal.WithLabelValues(d.Reason).Inc()
	if !d.Fire {
		if !wasLive {
			m.log.Debug("live edge suppressed", logx.Channel(ch), logx.String("reason", d.Reason))
		}
		return
	}

	st.LastNotifiedAt = now
	st.LastFingerprint = d.Fingerprint
	res.Fired++
	m.persist(ctx, ch, st)

	m.log.Info("channel went live",
		logx.Channel(ch),
		logx.String("title", status.Title),
		logx.String("category", status.Category),
		logx.Int("viewers", status.ViewerCount),
	)
	m.publish(eventbus.MonitorLive, LiveEvent{Channel: ch, Status: status})

	if m.announcer == nil {
		return
	}
	if err := m.announcer.Announce(ctx, ch, status); err != nil {
		m.log.Warn("announcement not delivered", logx.Channel(ch), logx.Err(err))
	}
}

// recover handles a failed iteration. It returns nil once the probe session is
// back (or ctx is done) and ErrRestartRequested when the streak is too long.
func (m *Monitor) recover(ctx context.Context, cause error) error {
	for {
		act := m.cfg.Recovery.OnIterationFailure(&m.state.Retry)
		n := m.state.Retry.ConsecutiveFailures
		metrics.ConsecutiveFailures.Set(float64(n))
		metrics.RecoveryActionsTotal.WithLabelValues(act.Kind.String()).Inc()
		ev := RecoveryEvent{Action: act.Kind.String(), Delay: act.Delay, Failures: n}
		if cause != nil {
			ev.Cause = cause.Error()
		}
		m.publish(eventbus.MonitorRecovery, ev)

		if act.Kind == ActionRestart {
			m.log.Error("too many consecutive failures; restarting",
				logx.Int("failures", n),
				logx.Duration("after", act.Delay),
				logx.Err(cause),
			)
			if !m.sleep(ctx, act.Delay) {
				return nil
			}
			return ErrRestartRequested
		}

		m.log.Warn("iteration failed; backing off",
			logx.Int("failures", n),
			logx.Duration("delay", act.Delay),
			logx.Err(cause),
		)
		if !m.sleep(ctx, act.Delay) {
			return nil
		}
		err := m.initSession(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		cause = err
	}
}

func (m *Monitor) initSession(ctx context.Context) error {
	if err := m.probe.InitSession(ctx); err != nil {
		metrics.SessionInitTotal.WithLabelValues("error").Inc()
		m.log.Warn("probe session init failed", logx.Err(err))
		return &SessionInitError{Err: err}
	}
	metrics.SessionInitTotal.WithLabelValues("ok").Inc()
	m.log.Debug("probe session ready")
	return nil
}

// restore seeds bookkeeping from the store. Live flags always start false;
// the first probe re-learns them.
func (m *Monitor) restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	saved, err := m.store.LoadChannelStates(ctx)
	if err != nil {
		m.log.Warn("loading saved channel state failed", logx.Err(err))
		return
	}
	for _, s := range saved {
		st := m.state.channel(s.Channel)
		st.LastNotifiedAt = s.LastNotifiedAt
		st.LastFingerprint = s.Fingerprint
	}
	if len(saved) > 0 {
		m.log.Debug("channel state restored", logx.Int("channels", len(saved)))
	}
}

// prune forgets channels that left the tracked set. It only runs at the start
// of a tick.
func (m *Monitor) prune(ctx context.Context, tracked []string) {
	keep := make(map[string]struct{}, len(tracked))
	for _, ch := range tracked {
		keep[ch] = struct{}{}
	}
	for ch := range m.state.Channels {
		if _, ok := keep[ch]; ok {
			continue
		}
		delete(m.state.Channels, ch)
		if m.store != nil {
			if err := m.store.DeleteChannelState(ctx, ch); err != nil {
				m.log.Warn("deleting channel state failed", logx.Channel(ch), logx.Err(err))
			}
		}
		m.log.Debug("channel no longer tracked", logx.Channel(ch))
	}
}

func (m *Monitor) persist(ctx context.Context, ch string, st *ChannelState) {
	if m.store == nil {
		return
	}
	err := m.store.SaveChannelState(ctx, storage.ChannelState{
		Channel:        ch,
		LastNotifiedAt: st.LastNotifiedAt,
		Fingerprint:    st.LastFingerprint,
	})
	if err != nil {
		m.log.Warn("saving channel state failed", logx.Channel(ch), logx.Err(err))
	}
}

func (m *Monitor) finishTick(res TickResult) {
	metrics.TrackedChannels.Set(float64(res.Channels))
	if !res.Interrupted {
		metrics.LiveChannels.Set(float64(res.Live))
	}
	result := "ok"
	if res.Failed() {
		result = "failed"
	}
	metrics.TicksTotal.WithLabelValues(result).Inc()
	m.publish(eventbus.MonitorTick, res)
	m.log.Trace("tick done",
		logx.Int("channels", res.Channels),
		logx.Int("probed", res.Probed),
		logx.Int("skipped", res.Skipped),
		logx.Int("live", res.Live),
		logx.Int("fired", res.Fired),
		logx.Int("failures", len(res.Failures)),
	)
}

func (m *Monitor) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.clock.Now(), Data: data})
}

// sleep waits d on the monitor clock; false means ctx ended first.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := m.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}
