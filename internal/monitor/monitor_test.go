package monitor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"streambot/internal/eventbus"
	"streambot/internal/storage"
)

type probeResult struct {
	status LiveStatus
	err    error
}

// fakeProbe replays scripted results per channel; the last result repeats.
type fakeProbe struct {
	mu       sync.Mutex
	script   map[string][]probeResult
	calls    []string
	inits    int
	initErrs []error
	onProbe  func(channel string)
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{script: map[string][]probeResult{}}
}

func (p *fakeProbe) set(ch string, rs ...probeResult) {
	p.mu.Lock()
	p.script[ch] = rs
	p.mu.Unlock()
}

func (p *fakeProbe) Probe(ctx context.Context, ch string) (LiveStatus, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ch)
	hook := p.onProbe
	rs := p.script[ch]
	var r probeResult
	switch len(rs) {
	case 0:
	case 1:
		r = rs[0]
	default:
		r = rs[0]
		p.script[ch] = rs[1:]
	}
	p.mu.Unlock()
	if hook != nil {
		hook(ch)
	}
	return r.status, r.err
}

func (p *fakeProbe) InitSession(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits++
	if len(p.initErrs) > 0 {
		err := p.initErrs[0]
		p.initErrs = p.initErrs[1:]
		return err
	}
	return nil
}

func (p *fakeProbe) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type staticSource struct {
	mu       sync.Mutex
	channels []string
	err      error
}

func (s *staticSource) ListChannels(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.channels...), s.err
}

type recordingAnnouncer struct {
	mu   sync.Mutex
	got  []string
	fail error
}

func (a *recordingAnnouncer) Announce(ctx context.Context, ch string, st LiveStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, ch+":"+st.Title)
	return a.fail
}

func (a *recordingAnnouncer) Got() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.got...)
}

var errNet = &ProbeError{Kind: KindNetwork, Err: errors.New("connection reset")}

type harness struct {
	m     *Monitor
	probe *fakeProbe
	src   *staticSource
	ann   *recordingAnnouncer
	store *storage.Memory
	clock *clockwork.FakeClock
	bus   *eventbus.MemBus
}

func newHarness(t *testing.T, cfg Config, channels ...string) *harness {
	t.Helper()
	h := &harness{
		probe: newFakeProbe(),
		src:   &staticSource{channels: channels},
		ann:   &recordingAnnouncer{},
		store: storage.NewMemory(),
		clock: clockwork.NewFakeClockAt(t0),
		bus:   eventbus.New(),
	}
	m, err := New(cfg, Deps{
		Probe:     h.probe,
		Source:    h.src,
		Announcer: h.ann,
		Store:     h.store,
		Bus:       h.bus,
		Clock:     h.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{Source: &staticSource{}}); err == nil {
		t.Fatal("expected error without probe")
	}
	if _, err := New(Config{}, Deps{Probe: newFakeProbe()}); err == nil {
		t.Fatal("expected error without source")
	}
}

func TestTickFailureDoesNotStopOtherChannels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Cooldown: 5 * time.Minute}, "a", "b", "c")
	h.probe.set("a", probeResult{err: errNet})
	h.probe.set("b", probeResult{status: live("B stream", "Chess")})
	h.probe.set("c", probeResult{status: Offline})

	res := h.m.Tick(context.Background())

	if got, want := h.probe.Calls(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("probe calls = %v, want %v", got, want)
	}
	if !res.Failed() || len(res.Failures) != 1 || res.Probed != 2 || res.Fired != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := h.ann.Got(); !reflect.DeepEqual(got, []string{"b:B stream"}) {
		t.Fatalf("announced = %v", got)
	}
	if _, ok := h.m.state.Channels["a"]; !ok {
		t.Fatal("failed channel should still have state")
	}
	if h.m.state.Channels["a"].LastKnownLive {
		t.Fatal("failed probe changed state")
	}
}

func TestTickFailedProbeKeepsLiveState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Cooldown: 0}, "a")
	h.probe.set("a",
		probeResult{status: live("x", "y")},
		probeResult{err: errNet},
		probeResult{status: live("x", "y")},
	)
	ctx := context.Background()

	h.m.Tick(ctx)
	h.m.Tick(ctx)
	if !h.m.state.Channels["a"].LastKnownLive {
		t.Fatal("probe error produced a false offline transition")
	}
	h.m.Tick(ctx)
	if got := h.ann.Got(); len(got) != 1 {
		t.Fatalf("announced %v, want exactly one", got)
	}
}

func TestTickFiresOncePerSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Cooldown: 300 * time.Second}, "a")
	ctx := context.Background()
	step := func(sec int, r probeResult) TickResult {
		h.clock.Advance(time.Duration(sec)*time.Second - h.clock.Since(t0))
		h.probe.set("a", r)
		return h.m.Tick(ctx)
	}

	if res := step(0, probeResult{status: live("run", "game")}); res.Fired != 1 {
		t.Fatalf("t=0: %+v", res)
	}
	// Within cooldown the channel is not even probed.
	if res := step(100, probeResult{status: live("run", "game")}); res.Skipped != 1 || res.Probed != 0 {
		t.Fatalf("t=100: %+v", res)
	}
	if res := step(310, probeResult{status: live("run", "game")}); res.Fired != 0 {
		t.Fatalf("t=310 steady live fired: %+v", res)
	}
	if res := step(400, probeResult{status: Offline}); res.Live != 0 {
		t.Fatalf("t=400: %+v", res)
	}
	// The offline at t=400 came after the cooldown, so the session is over.
	if res := step(460, probeResult{status: live("run", "game")}); res.Fired != 1 {
		t.Fatalf("t=460 new session with the same content: %+v", res)
	}
	step(800, probeResult{status: Offline})
	if res := step(860, probeResult{status: live("new run", "game")}); res.Fired != 1 {
		t.Fatalf("t=860 new session: %+v", res)
	}

	if got, want := h.ann.Got(), []string{"a:run", "a:run", "a:new run"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("announced = %v, want %v", got, want)
	}
	saved, _ := h.store.LoadChannelStates(ctx)
	if len(saved) != 1 || saved[0].Fingerprint != Fingerprint("a", "new run", "game") {
		t.Fatalf("saved state = %+v", saved)
	}
}

func TestTickRecurringStreamAnnouncedEachDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Cooldown: 5 * time.Minute}, "daily")
	ctx := context.Background()
	morning := live("Morning coffee", "Just Chatting")

	h.probe.set("daily", probeResult{status: morning})
	h.m.Tick(ctx)

	h.clock.Advance(3 * time.Hour)
	h.probe.set("daily", probeResult{status: Offline})
	h.m.Tick(ctx)

	saved, _ := h.store.LoadChannelStates(ctx)
	if len(saved) != 1 || saved[0].Fingerprint != "" || !saved[0].LastNotifiedAt.Equal(t0) {
		t.Fatalf("saved state after offline = %+v", saved)
	}

	h.clock.Advance(21 * time.Hour)
	h.probe.set("daily", probeResult{status: morning})
	if res := h.m.Tick(ctx); res.Fired != 1 {
		t.Fatalf("second day: %+v", res)
	}
	want := []string{"daily:Morning coffee", "daily:Morning coffee"}
	if got := h.ann.Got(); !reflect.DeepEqual(got, want) {
		t.Fatalf("announced = %v, want %v", got, want)
	}
}

func TestRunAnnouncesAgainAfterRestartWhenSessionEnded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Cooldown: 5 * time.Minute}, "a")
	ctx := context.Background()
	show := live("Morning coffee", "Just Chatting")

	h.probe.set("a", probeResult{status: show})
	h.m.Tick(ctx)
	h.clock.Advance(time.Hour)
	h.probe.set("a", probeResult{status: Offline})
	h.m.Tick(ctx)

	// A fresh process over the same store sees the channel come back.
	h.clock.Advance(time.Hour)
	probe := newFakeProbe()
	probe.set("a", probeResult{status: show})
	ann := &recordingAnnouncer{}
	bus := eventbus.New()
	m, err := New(Config{Cooldown: 5 * time.Minute}, Deps{
		Probe:     probe,
		Source:    h.src,
		Announcer: ann,
		Store:     h.store,
		Bus:       bus,
		Clock:     h.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, unsub := bus.Subscribe(16)
	defer unsub()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	ev := waitEvent(t, events, eventbus.MonitorTick)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res := ev.Data.(TickResult); res.Fired != 1 {
		t.Fatalf("first tick after restart = %+v", res)
	}
	if got := ann.Got(); !reflect.DeepEqual(got, []string{"a:Morning coffee"}) {
		t.Fatalf("announced after restart = %v", got)
	}
}

func TestTickDeliveryFailureKeepsGateState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Cooldown: time.Minute}, "a")
	h.ann.fail = errors.New("telegram down")
	h.probe.set("a", probeResult{status: live("t", "c")})

	res := h.m.Tick(context.Background())
	if res.Failed() {
		t.Fatalf("delivery error counted as tick failure: %+v", res)
	}
	st := h.m.state.Channels["a"]
	if st.LastNotifiedAt.IsZero() || st.LastFingerprint == "" || !st.LastKnownLive {
		t.Fatalf("state rolled back: %+v", st)
	}
}

func TestTickListFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.src.err = errors.New("disk gone")
	res := h.m.Tick(context.Background())
	if !res.Failed() || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestTickPrunesRemovedChannels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, "a", "b")
	ctx := context.Background()
	h.probe.set("a", probeResult{status: live("t", "c")})
	h.probe.set("b", probeResult{status: live("t", "c")})
	h.m.Tick(ctx)

	h.src.mu.Lock()
	h.src.channels = []string{"a"}
	h.src.mu.Unlock()
	h.m.Tick(ctx)

	if _, ok := h.m.state.Channels["b"]; ok {
		t.Fatal("state of removed channel kept")
	}
	saved, _ := h.store.LoadChannelStates(ctx)
	if len(saved) != 1 || saved[0].Channel != "a" {
		t.Fatalf("saved state = %+v", saved)
	}
}

func TestTickStopsBetweenProbes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.probe.onProbe = func(ch string) {
		if ch == "a" {
			cancel()
		}
	}

	res := h.m.Tick(ctx)
	if !res.Interrupted {
		t.Fatalf("result = %+v", res)
	}
	if got := h.probe.Calls(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("probed after shutdown: %v", got)
	}
}

func TestCheckNowDoesNotTouchState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Cooldown: time.Hour}, "a", "b")
	ctx := context.Background()
	h.probe.set("a", probeResult{status: live("t", "c")})
	h.probe.set("b", probeResult{err: errNet})
	h.m.Tick(ctx)

	before := *h.m.state.Channels["a"]
	h.clock.Advance(time.Minute)
	out, err := h.m.CheckNow(ctx)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if len(out) != 2 || !out[0].Status.Live || out[1].Err == nil {
		t.Fatalf("results = %+v", out)
	}
	if after := *h.m.state.Channels["a"]; after != before {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	if got := h.ann.Got(); len(got) != 1 {
		t.Fatalf("CheckNow announced: %v", got)
	}
	if h.m.state.Retry.ConsecutiveFailures != 0 {
		t.Fatal("CheckNow touched retry state")
	}
}

func TestRunRestoresSavedState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Cooldown: time.Minute}, "a")
	ctx, cancel := context.WithCancel(context.Background())
	_ = h.store.SaveChannelState(ctx, storage.ChannelState{
		Channel:        "a",
		LastNotifiedAt: t0.Add(-time.Hour),
		Fingerprint:    Fingerprint("a", "t", "c"),
	})
	h.probe.set("a", probeResult{status: live("t", "c")})
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	waitEvent(t, events, eventbus.MonitorTick)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.ann.Got(); len(got) != 0 {
		t.Fatalf("restored duplicate announced: %v", got)
	}
}

func TestRunResetsRetryAfterCleanTick(t *testing.T) {
	t.Parallel()
	cfg := Config{Interval: time.Minute, Recovery: RecoveryPolicy{BaseDelay: time.Minute, MaxDelay: 10 * time.Minute, MaxRetries: 10}}
	h := newHarness(t, cfg, "a")
	h.probe.set("a",
		probeResult{err: errNet},
		probeResult{err: errNet},
		probeResult{status: Offline},
		probeResult{err: errNet},
	)
	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	var streak []int
	for len(streak) < 3 {
		ev := waitEvent(t, events, eventbus.MonitorRecovery, eventbus.MonitorTick)
		if ev.Type == eventbus.MonitorTick && ev.Data.(TickResult).Failed() {
			continue
		}
		if ev.Type == eventbus.MonitorRecovery {
			re := ev.Data.(RecoveryEvent)
			streak = append(streak, re.Failures)
		}
		// Either a backoff or the regular interval sleep follows.
		if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(10 * time.Minute)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []int{1, 2, 1}; !reflect.DeepEqual(streak, want) {
		t.Fatalf("failure streaks = %v, want %v", streak, want)
	}
}

func TestRunRequestsRestart(t *testing.T) {
	t.Parallel()
	cfg := Config{Recovery: RecoveryPolicy{BaseDelay: time.Second, MaxDelay: 2 * time.Second, MaxRetries: 2, RestartDelay: 5 * time.Second}}
	h := newHarness(t, cfg, "a")
	h.probe.set("a", probeResult{err: errNet})
	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	var actions []RecoveryEvent
	for {
		select {
		case err := <-done:
			if !errors.Is(err, ErrRestartRequested) {
				t.Fatalf("Run = %v, want ErrRestartRequested", err)
			}
			want := []string{"wait", "wait", "restart"}
			var got []string
			for _, a := range actions {
				got = append(got, a.Action)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("actions = %v, want %v", got, want)
			}
			if actions[2].Delay != 5*time.Second || actions[1].Delay != 2*time.Second {
				t.Fatalf("delays = %+v", actions)
			}
			return
		case ev := <-events:
			if ev.Type != eventbus.MonitorRecovery {
				continue
			}
			re := ev.Data.(RecoveryEvent)
			actions = append(actions, re)
			if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
				t.Fatal(err)
			}
			h.clock.Advance(re.Delay)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out; actions so far %+v", actions)
		}
	}
}

func TestRunRecoversFromInitFailure(t *testing.T) {
	t.Parallel()
	cfg := Config{Recovery: RecoveryPolicy{BaseDelay: time.Second, MaxDelay: time.Second, MaxRetries: 5}}
	h := newHarness(t, cfg, "a")
	h.probe.initErrs = []error{errors.New("bad credentials"), errors.New("still bad")}
	h.probe.set("a", probeResult{status: live("t", "c")})
	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	for i := 0; i < 2; i++ {
		ev := waitEvent(t, events, eventbus.MonitorRecovery)
		if got := ev.Data.(RecoveryEvent).Failures; got != i+1 {
			t.Fatalf("recovery %d failures = %d", i, got)
		}
		if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(time.Second)
	}
	ev := waitEvent(t, events, eventbus.MonitorTick)
	if res := ev.Data.(TickResult); res.Fired != 1 {
		t.Fatalf("tick after recovery = %+v", res)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.probe.mu.Lock()
	inits := h.probe.inits
	h.probe.mu.Unlock()
	if inits != 3 {
		t.Fatalf("InitSession calls = %d, want 3", inits)
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, types ...string) eventbus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			for _, typ := range types {
				if ev.Type == typ {
					return ev
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", types)
		}
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	wrapped := errors.Join(errors.New("ctx"), &ProbeError{Kind: KindRateLimited, Err: errors.New("429")})
	if got := KindOf(wrapped); got != KindRateLimited {
		t.Fatalf("KindOf = %v", got)
	}
	if got := KindOf(errors.New("plain")); got != KindNetwork {
		t.Fatalf("KindOf plain = %v", got)
	}
}
