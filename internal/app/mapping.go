package app

import (
	"strings"
	"time"

	"streambot/internal/config"
	"streambot/internal/logrotate"
	"streambot/internal/monitor"
	"streambot/internal/notifier"
	"streambot/internal/observability/httpserver"
	"streambot/internal/storage"
	kit "streambot/internal/transport"
	telegram "streambot/internal/transport/telegram/adapter"
	"streambot/internal/twitch"
	logx "streambot/pkg/logx"
)

// The map* helpers turn file config into component config. They assume
// config.Validate passed but still return parse errors.

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.Timeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          strings.TrimSpace(cfg.Telegram.Token),
		RequestTimeout: timeout,
		APIURL:         cfg.Telegram.APIURL,
	}, nil
}

func logTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.LogChatID, ThreadID: cfg.Telegram.LogThreadID}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
			Keep:    lc.File.Keep,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapRotateConfig(cfg *config.Config) logrotate.Config {
	r := cfg.Logging.Rotate
	return logrotate.Config{
		Enabled:  r.Enabled && cfg.Logging.File.Enabled,
		Schedule: r.Schedule,
		Timezone: r.Timezone,
		Upload:   r.Upload,
		Target:   logTarget(cfg),
	}
}

func mapTwitchConfig(cfg *config.Config) (twitch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("twitch.request_timeout", cfg.Twitch.RequestTimeout, 10*time.Second)
	if err != nil {
		return twitch.Config{}, err
	}
	return twitch.Config{
		ClientID:       cfg.Twitch.ClientID,
		ClientSecret:   cfg.Twitch.ClientSecret,
		AppAccessToken: cfg.Twitch.AppAccessToken,
		RequestTimeout: timeout,
		RatePerSec:     float64(cfg.Twitch.RatePerSec),
		APIBaseURL:     cfg.Twitch.APIBaseURL,
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	mc := cfg.Monitor
	def := monitor.DefaultRecoveryPolicy()
	var (
		out monitor.Config
		err error
	)
	parse := func(dst *time.Duration, path, raw string, d time.Duration) {
		if err != nil {
			return
		}
		*dst, err = config.ParseDurationOrDefault(path, raw, d)
	}
	parse(&out.Interval, "monitor.interval", mc.Interval, time.Minute)
	parse(&out.ProbeTimeout, "monitor.probe_timeout", mc.ProbeTimeout, 15*time.Second)
	parse(&out.Cooldown, "monitor.cooldown", mc.Cooldown, 5*time.Minute)
	parse(&out.DuplicateWindow, "monitor.duplicate_window", mc.DuplicateWindow, 0)
	parse(&out.Recovery.BaseDelay, "monitor.retry_base_delay", mc.RetryBaseDelay, def.BaseDelay)
	parse(&out.Recovery.MaxDelay, "monitor.retry_max_delay", mc.RetryMaxDelay, def.MaxDelay)
	parse(&out.Recovery.RestartDelay, "monitor.restart_delay", mc.RestartDelay, def.RestartDelay)
	if err != nil {
		return monitor.Config{}, err
	}
	out.Recovery.MaxRetries = mc.MaxRetries
	if out.Recovery.MaxRetries <= 0 {
		out.Recovery.MaxRetries = def.MaxRetries
	}
	return out, nil
}

// mapNotifierConfig returns a disabled config when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		BreakerFailures: uint32(max(n.BreakerFailures, 0)),
	}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	for _, t := range n.Targets {
		out.Targets = append(out.Targets, kit.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID})
	}
	var err error
	parse := func(dst *time.Duration, path, raw string) {
		if err != nil {
			return
		}
		*dst, err = config.ParseDurationField(path, raw)
	}
	parse(&out.RetryBase, "notifier.retry_base", n.RetryBase)
	parse(&out.RetryMaxDelay, "notifier.retry_max_delay", n.RetryMaxDelay)
	parse(&out.SendTimeout, "notifier.send_timeout", n.SendTimeout)
	parse(&out.BreakerCooldown, "notifier.breaker_cooldown", n.BreakerCooldown)
	if err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	hc := cfg.HTTP
	out := httpserver.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		PprofPrefix:   hc.PprofPrefix,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", hc.ReadTimeout); err != nil {
		return httpserver.Config{}, err
	}
	// WriteTimeout stays 0 by default so a 30s /profile capture completes.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpserver.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpserver.Config{}, err
	}
	return out, nil
}
