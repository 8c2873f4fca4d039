// Package logrotate rotates the bot's log file on a cron schedule and can
// upload each rotated file to the log chat.
package logrotate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"streambot/internal/eventbus"
	"streambot/internal/metrics"
	kit "streambot/internal/transport"
	logx "streambot/pkg/logx"
)

const DefaultSchedule = "@daily"

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Rotator is satisfied by *logx.Service.
type Rotator interface {
	Rotate(now time.Time) (string, error)
}

// Uploader is satisfied by the Telegram adapter.
type Uploader interface {
	SendDocument(ctx context.Context, to kit.ChatTarget, path, caption string) (kit.MessageRef, error)
}

type Config struct {
	Enabled  bool
	Schedule string // cron spec or descriptor; default @daily
	Timezone string // IANA name; default local
	Upload   bool
	Target   kit.ChatTarget
}

// RotatedEvent is published on the bus after every rotation.
type RotatedEvent struct {
	Path     string `json:"path"`
	Uploaded bool   `json:"uploaded"`
	Error    string `json:"error,omitempty"`
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	rot   Rotator
	up    Uploader
	bus   eventbus.Bus
	clock clockwork.Clock

	c     *cron.Cron
	sched cron.Schedule
	loc   *time.Location
	// runCancel ends uploads started by scheduled runs.
	runCancel context.CancelFunc
}

func New(cfg Config, rot Rotator, up Uploader, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, rot: rot, up: up, bus: bus, log: log, clock: clockwork.NewRealClock()}
}

// ValidateSpec reports whether spec parses as a schedule.
func ValidateSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	_, err := parser.Parse(spec)
	return err
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("log rotation schedule %q: %w", spec, err)
	}
	loc := loadLocation(s.cfg.Timezone, s.log)

	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	runCtx, cancel := context.WithCancel(ctx)
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.log.Warn("scheduled log rotation failed", logx.Err(err))
		}
	}))
	s.c, s.sched, s.loc = c, sched, loc
	s.runCancel = cancel
	c.Start()
	s.log.Info("log rotation scheduled",
		logx.String("schedule", spec),
		logx.String("tz", loc.String()),
		logx.Time("next", sched.Next(s.clock.Now().In(loc))),
	)
	return nil
}

// Stop halts the schedule and waits for a running rotation until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	cancel()
}

// Apply swaps the config. The upload toggle applies to the next rotation;
// schedule, timezone and enable changes restart the schedule.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	reschedule := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !reschedule {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

// Next returns the next scheduled rotation, zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.sched.Next(s.clock.Now().In(s.loc))
}

// RunOnce rotates now and uploads the rotated file when enabled. It returns
// the rotated path ("" when the log was empty).
func (s *Service) RunOnce(ctx context.Context) (string, error) {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	s.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}

	rotated, err := s.rot.Rotate(s.clock.Now().In(loc))
	if err != nil && rotated == "" {
		metrics.LogRotationsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	if err != nil {
		// Rotation worked, pruning didn't.
		s.log.Warn("pruning rotated logs failed", logx.Err(err))
	}
	if rotated == "" {
		metrics.LogRotationsTotal.WithLabelValues("empty").Inc()
		return "", nil
	}
	metrics.LogRotationsTotal.WithLabelValues("ok").Inc()
	s.log.Info("log file rotated", logx.String("path", rotated))

	ev := RotatedEvent{Path: rotated}
	if cfg.Upload && s.up != nil && cfg.Target.ChatID != 0 {
		caption := "Log file " + filepath.Base(rotated)
		if _, uerr := s.up.SendDocument(ctx, cfg.Target, rotated, caption); uerr != nil {
			ev.Error = uerr.Error()
			s.log.Warn("log upload failed", logx.String("path", rotated), logx.Err(uerr))
		} else {
			ev.Uploaded = true
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.LogRotated, Time: s.clock.Now(), Data: ev})
	}
	return rotated, nil
}

func loadLocation(name string, log logx.Logger) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("unknown timezone; using local", logx.String("tz", name), logx.Err(err))
		return time.Local
	}
	return loc
}
