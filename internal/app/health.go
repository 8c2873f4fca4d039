package app

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"streambot/internal/eventbus"
	"streambot/internal/monitor"
	"streambot/internal/runtime/supervisor"
)

// health follows monitor events from the bus and answers /healthz. The
// monitor's own state stays private to its goroutine.
type health struct {
	mu    sync.Mutex
	clock clockwork.Clock
	since time.Time
	// staleAfter is how long without a finished tick counts as stuck.
	staleAfter time.Duration

	lastTick   time.Time
	tracked    int
	live       int
	failures   int
	restarting bool

	lastSent    time.Time
	sent        int
	failedSends int // failed or dropped

	sup *supervisor.Supervisor
}

func newHealth(clock clockwork.Clock, cfg monitor.Config) *health {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &health{
		clock:      clock,
		since:      clock.Now(),
		staleAfter: 2*cfg.Interval + cfg.Recovery.MaxDelay,
	}
}

func (h *health) observe(e eventbus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch e.Type {
	case eventbus.MonitorTick:
		res, ok := e.Data.(monitor.TickResult)
		if !ok {
			return
		}
		h.lastTick = e.Time
		h.tracked = res.Channels
		if !res.Interrupted {
			h.live = res.Live
		}
		if !res.Failed() {
			h.failures = 0
		}
	case eventbus.MonitorRecovery:
		ev, ok := e.Data.(monitor.RecoveryEvent)
		if !ok {
			return
		}
		h.failures = ev.Failures
		h.restarting = ev.Action == monitor.ActionRestart.String()
	case eventbus.NotifierSent:
		h.sent++
		h.lastSent = e.Time
	case eventbus.NotifierFailed, eventbus.NotifierDropped:
		h.failedSends++
	}
}

// attach adds the running supervisor's goroutine counters to the report.
func (h *health) attach(sup *supervisor.Supervisor) {
	h.mu.Lock()
	h.sup = sup
	h.mu.Unlock()
}

type healthDetail struct {
	LastTick            *time.Time `json:"last_tick,omitempty"`
	TrackedChannels     int        `json:"tracked_channels"`
	LiveChannels        int        `json:"live_channels"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RestartPending      bool       `json:"restart_pending,omitempty"`

	AnnouncementsSent   int        `json:"announcements_sent"`
	AnnouncementsFailed int        `json:"announcements_failed"`
	LastAnnouncement    *time.Time `json:"last_announcement,omitempty"`

	Goroutines *supervisor.Counters `json:"goroutines,omitempty"`
}

func (h *health) report() (bool, any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()

	last := h.lastTick
	if last.IsZero() {
		last = h.since
	}
	ok := !h.restarting && (h.staleAfter <= 0 || now.Sub(last) <= h.staleAfter)

	d := healthDetail{
		TrackedChannels:     h.tracked,
		LiveChannels:        h.live,
		ConsecutiveFailures: h.failures,
		RestartPending:      h.restarting,
		AnnouncementsSent:   h.sent,
		AnnouncementsFailed: h.failedSends,
	}
	if !h.lastTick.IsZero() {
		t := h.lastTick
		d.LastTick = &t
	}
	if !h.lastSent.IsZero() {
		t := h.lastSent
		d.LastAnnouncement = &t
	}
	if h.sup != nil {
		c := h.sup.Counters()
		d.Goroutines = &c
	}
	return ok, d
}
