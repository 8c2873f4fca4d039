package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"streambot/internal/logrotate"
	logx "streambot/pkg/logx"
)

// Validate rejects configs that would fail later at wiring time. It checks
// syntax and bounds only; credentials are checked by the components that use
// them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}

	dur("telegram.request_timeout", cfg.Telegram.Timeout)

	dur("twitch.request_timeout", cfg.Twitch.RequestTimeout)
	nonNeg("twitch.rate_per_sec", cfg.Twitch.RatePerSec)

	mc := cfg.Monitor
	dur("monitor.interval", mc.Interval)
	dur("monitor.probe_timeout", mc.ProbeTimeout)
	dur("monitor.cooldown", mc.Cooldown)
	dur("monitor.duplicate_window", mc.DuplicateWindow)
	dur("monitor.retry_base_delay", mc.RetryBaseDelay)
	dur("monitor.retry_max_delay", mc.RetryMaxDelay)
	dur("monitor.restart_delay", mc.RestartDelay)
	nonNeg("monitor.max_retries", mc.MaxRetries)
	if base, err := ParseDurationField("monitor.retry_base_delay", mc.RetryBaseDelay); err == nil {
		if maxD, err := ParseDurationField("monitor.retry_max_delay", mc.RetryMaxDelay); err == nil && base > 0 && maxD > 0 && maxD < base {
			errs = append(errs, errors.New("monitor.retry_max_delay must be >= monitor.retry_base_delay"))
		}
	}

	lc := cfg.Logging
	if lv := strings.TrimSpace(lc.Level); lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if lv := strings.TrimSpace(lc.Telegram.MinLevel); lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fmt.Errorf("logging.telegram.min_level: unknown level %q", lv))
	}
	nonNeg("logging.file.keep", lc.File.Keep)
	nonNeg("logging.telegram.rate_per_sec", lc.Telegram.RatePerSec)
	if err := logrotate.ValidateSpec(lc.Rotate.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("logging.rotate.schedule: %w", err))
	}
	if tz := strings.TrimSpace(lc.Rotate.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("logging.rotate.timezone: invalid %q: %w", tz, err))
		}
	}
	if lc.Rotate.Enabled && !lc.File.Enabled {
		errs = append(errs, errors.New("logging.rotate.enabled requires logging.file.enabled"))
	}

	if n := cfg.Notifier; n != nil {
		nonNeg("notifier.workers", n.Workers)
		nonNeg("notifier.queue_size", n.QueueSize)
		nonNeg("notifier.rate_per_sec", n.RatePerSec)
		nonNeg("notifier.retry_max", n.RetryMax)
		nonNeg("notifier.breaker_failures", n.BreakerFailures)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.breaker_cooldown", n.BreakerCooldown)
		for i, t := range n.Targets {
			if t.ChatID == 0 {
				errs = append(errs, fmt.Errorf("notifier.targets[%d].chat_id is required", i))
			}
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "file", "memory", "none":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	return errors.Join(errs...)
}
