package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"streambot/internal/config"
	"streambot/internal/eventbus"
	"streambot/internal/monitor"
	"streambot/internal/runtime/supervisor"
	"streambot/internal/storage"
	logx "streambot/pkg/logx"
)

func TestMapMonitorConfigDefaults(t *testing.T) {
	t.Parallel()

	got, err := mapMonitorConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapMonitorConfig: %v", err)
	}
	def := monitor.DefaultRecoveryPolicy()
	if got.Interval != time.Minute || got.ProbeTimeout != 15*time.Second {
		t.Fatalf("interval/probe timeout = %v/%v", got.Interval, got.ProbeTimeout)
	}
	if got.Cooldown != 5*time.Minute {
		t.Fatalf("cooldown = %v, want 5m", got.Cooldown)
	}
	if got.DuplicateWindow != 0 {
		t.Fatalf("duplicate window = %v, want 0", got.DuplicateWindow)
	}
	if got.Recovery != def {
		t.Fatalf("recovery = %+v, want %+v", got.Recovery, def)
	}
}

func TestMapMonitorConfigOverrides(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Monitor: config.MonitorConfig{
		Interval:       "30s",
		Cooldown:       "2m",
		RetryBaseDelay: "5s",
		RetryMaxDelay:  "1m",
		MaxRetries:     3,
	}}
	got, err := mapMonitorConfig(cfg)
	if err != nil {
		t.Fatalf("mapMonitorConfig: %v", err)
	}
	if got.Interval != 30*time.Second || got.Cooldown != 2*time.Minute {
		t.Fatalf("interval/cooldown = %v/%v", got.Interval, got.Cooldown)
	}
	if got.Recovery.BaseDelay != 5*time.Second || got.Recovery.MaxDelay != time.Minute || got.Recovery.MaxRetries != 3 {
		t.Fatalf("recovery = %+v", got.Recovery)
	}

	cfg.Monitor.Interval = "soon"
	if _, err := mapMonitorConfig(cfg); err == nil {
		t.Fatalf("expected error for bad interval")
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	got, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatalf("nil section: %v", err)
	}
	if got.Enabled {
		t.Fatalf("omitted notifier section must be disabled")
	}

	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{
		Enabled:         true,
		Targets:         []config.TargetConfig{{ChatID: -100, ThreadID: 7}},
		RetryBase:       "250ms",
		BreakerFailures: 4,
	}})
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if !got.Enabled || len(got.Targets) != 1 || got.Targets[0].ChatID != -100 || got.Targets[0].ThreadID != 7 {
		t.Fatalf("unexpected mapping: %+v", got)
	}
	if got.RetryMax != 3 || got.RetryBase != 250*time.Millisecond || got.BreakerFailures != 4 {
		t.Fatalf("retry/breaker = %d/%v/%d", got.RetryMax, got.RetryBase, got.BreakerFailures)
	}
}

func TestMapLogAndRotateConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Logging.Telegram.Enabled = true
	cfg.Logging.Rotate.Enabled = true
	if mapLogConfig(cfg).Telegram.Enabled {
		t.Fatalf("telegram sink needs a log chat")
	}
	if mapRotateConfig(cfg).Enabled {
		t.Fatalf("rotation needs file logging")
	}

	cfg.Telegram.LogChatID = 42
	cfg.Logging.File.Enabled = true
	if !mapLogConfig(cfg).Telegram.Enabled {
		t.Fatalf("telegram sink should be enabled")
	}
	rc := mapRotateConfig(cfg)
	if !rc.Enabled || rc.Target.ChatID != 42 {
		t.Fatalf("rotate config = %+v", rc)
	}
}

func TestMapStorageAndHTTPConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: " SQLite ", Path: "x.db"}})
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage = %+v", sc)
	}

	hc, err := mapHTTPConfig(&config.Config{HTTP: config.HTTPConfig{Enabled: true, ReadTimeout: "2s"}})
	if err != nil {
		t.Fatalf("mapHTTPConfig: %v", err)
	}
	if hc.ReadTimeout != 2*time.Second || hc.WriteTimeout != 0 || hc.IdleTimeout != time.Minute {
		t.Fatalf("http = %+v", hc)
	}
}

func TestHealthReport(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	h := newHealth(clock, monitor.Config{Interval: time.Minute, Recovery: monitor.RecoveryPolicy{MaxDelay: 10 * time.Minute}})

	if ok, _ := h.report(); !ok {
		t.Fatalf("fresh tracker should be healthy")
	}

	h.observe(eventbus.Event{Type: eventbus.MonitorTick, Time: clock.Now(), Data: monitor.TickResult{Channels: 3, Live: 1}})
	ok, detail := h.report()
	if !ok {
		t.Fatalf("expected healthy after tick")
	}
	d := detail.(healthDetail)
	if d.TrackedChannels != 3 || d.LiveChannels != 1 || d.LastTick == nil {
		t.Fatalf("detail = %+v", d)
	}

	h.observe(eventbus.Event{Type: eventbus.MonitorRecovery, Time: clock.Now(), Data: monitor.RecoveryEvent{Action: "wait", Failures: 2}})
	if _, detail := h.report(); detail.(healthDetail).ConsecutiveFailures != 2 {
		t.Fatalf("failures not tracked: %+v", detail)
	}

	clock.Advance(11 * time.Minute)
	if ok, _ := h.report(); !ok {
		t.Fatalf("11m without a tick is still within 2*interval+max delay")
	}
	clock.Advance(2 * time.Minute)
	if ok, _ := h.report(); ok {
		t.Fatalf("expected stale after 13m without a tick")
	}

	h.observe(eventbus.Event{Type: eventbus.MonitorTick, Time: clock.Now(), Data: monitor.TickResult{Channels: 3}})
	ok, detail = h.report()
	if !ok || detail.(healthDetail).ConsecutiveFailures != 0 {
		t.Fatalf("clean tick should reset: ok=%v detail=%+v", ok, detail)
	}

	h.observe(eventbus.Event{Type: eventbus.MonitorRecovery, Time: clock.Now(), Data: monitor.RecoveryEvent{Action: monitor.ActionRestart.String(), Failures: 11}})
	if ok, _ := h.report(); ok {
		t.Fatalf("pending restart must report unhealthy")
	}
}

func TestHealthReportAnnouncements(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	h := newHealth(clock, monitor.Config{Interval: time.Minute})

	_, detail := h.report()
	if d := detail.(healthDetail); d.LastAnnouncement != nil || d.Goroutines != nil {
		t.Fatalf("fresh detail = %+v", d)
	}

	sentAt := clock.Now()
	h.observe(eventbus.Event{Type: eventbus.NotifierSent, Time: sentAt})
	h.observe(eventbus.Event{Type: eventbus.NotifierSent, Time: sentAt})
	h.observe(eventbus.Event{Type: eventbus.NotifierFailed, Time: sentAt})
	h.observe(eventbus.Event{Type: eventbus.NotifierDropped, Time: sentAt})

	sup := supervisor.New(context.Background())
	release := make(chan struct{})
	sup.Go("idle", func(ctx context.Context) error {
		<-release
		return nil
	})
	t.Cleanup(func() {
		close(release)
		_ = sup.Stop(context.Background())
	})
	h.attach(sup)

	ok, detail := h.report()
	if !ok {
		t.Fatalf("failed sends alone must not mark the bot unhealthy")
	}
	d := detail.(healthDetail)
	if d.AnnouncementsSent != 2 || d.AnnouncementsFailed != 2 {
		t.Fatalf("counts = sent %d failed %d", d.AnnouncementsSent, d.AnnouncementsFailed)
	}
	if d.LastAnnouncement == nil || !d.LastAnnouncement.Equal(sentAt) {
		t.Fatalf("last announcement = %v", d.LastAnnouncement)
	}
	if d.Goroutines == nil || d.Goroutines.Started != 1 || d.Goroutines.Active != 1 {
		t.Fatalf("goroutines = %+v", d.Goroutines)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestRunCommandChannels(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := writeConfig(t, "storage:\n  driver: file\n  path: "+filepath.Join(dir, "channels.json")+"\n")
	ctx := context.Background()

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		err := RunCommand(ctx, cfgPath, args, &out)
		return out.String(), err
	}

	out, err := run("channels", "list")
	if err != nil || !strings.Contains(out, "No channels tracked.") {
		t.Fatalf("empty list: out=%q err=%v", out, err)
	}

	out, err = run("channels", "add", "https://twitch.tv/Foo", "bar")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "Now tracking foo") || !strings.Contains(out, "Now tracking bar") {
		t.Fatalf("add output: %q", out)
	}

	out, err = run("channels", "add", "foo")
	if err != nil || !strings.Contains(out, "foo is already tracked") {
		t.Fatalf("duplicate add: out=%q err=%v", out, err)
	}

	out, err = run("channels", "remove", "bar", "nobody")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !strings.Contains(out, "Stopped tracking bar") || !strings.Contains(out, "nobody is not tracked") {
		t.Fatalf("remove output: %q", out)
	}

	out, err = run("channels", "list")
	if err != nil || !strings.Contains(out, "Tracked channels (1):") || !strings.Contains(out, "foo") {
		t.Fatalf("list: out=%q err=%v", out, err)
	}
}

func TestRunCommandUsage(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, "storage:\n  driver: memory\n")
	cases := [][]string{
		nil,
		{"frobnicate"},
		{"channels"},
		{"channels", "rename"},
		{"channels", "add"},
	}
	for _, args := range cases {
		err := RunCommand(context.Background(), cfgPath, args, &bytes.Buffer{})
		if !errors.Is(err, ErrUsage) {
			t.Fatalf("args %v: err=%v, want ErrUsage", args, err)
		}
	}

	var out bytes.Buffer
	if err := RunCommand(context.Background(), "/does/not/exist.yaml", []string{"help"}, &out); err != nil {
		t.Fatalf("help should not need config: %v", err)
	}
	if !strings.Contains(out.String(), "channels add") {
		t.Fatalf("help output: %q", out.String())
	}
}

type stubProbe struct {
	statuses map[string]monitor.LiveStatus
	errs     map[string]error
	inits    int
}

func (p *stubProbe) InitSession(context.Context) error { p.inits++; return nil }

func (p *stubProbe) Probe(_ context.Context, ch string) (monitor.LiveStatus, error) {
	if err := p.errs[ch]; err != nil {
		return monitor.LiveStatus{}, err
	}
	return p.statuses[ch], nil
}

func TestRunCheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	for _, ch := range []string{"alpha", "beta"} {
		if err := store.AddChannel(ctx, ch); err != nil {
			t.Fatalf("add %s: %v", ch, err)
		}
	}
	probe := &stubProbe{statuses: map[string]monitor.LiveStatus{
		"alpha": {Live: true, Title: "speedrun\n any%", Category: "Celeste", ViewerCount: 12},
	}}

	var out bytes.Buffer
	if err := runCheck(ctx, &config.Config{}, probe, store, &out); err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	if probe.inits != 1 {
		t.Fatalf("InitSession calls = %d, want 1", probe.inits)
	}
	text := out.String()
	for _, want := range []string{"CHANNEL", "alpha", "live", "12", "Celeste", "speedrun any%", "beta", "offline"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}

	probe.errs = map[string]error{"beta": &monitor.ProbeError{Channel: "beta", Kind: monitor.KindNetwork, Err: errors.New("boom")}}
	out.Reset()
	if err := runCheck(ctx, &config.Config{}, probe, store, &out); err == nil {
		t.Fatalf("expected error when a probe fails")
	}
	if !strings.Contains(out.String(), "error") {
		t.Fatalf("failed probe not reported:\n%s", out.String())
	}

	// A check never writes notification bookkeeping.
	states, err := store.LoadChannelStates(ctx)
	if err != nil {
		t.Fatalf("LoadChannelStates: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("check persisted state: %+v", states)
	}
}

func TestStopReason(t *testing.T) {
	t.Parallel()

	a := &App{log: logx.Nop()}
	if got := a.StopReason("sigterm"); got != "sigterm" {
		t.Fatalf("StopReason without supervisor = %q", got)
	}
}
