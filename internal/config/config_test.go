package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

const yamlConfig = `
telegram:
  token: from-file
  log_chat_id: -1001
twitch:
  client_id: abc
monitor:
  interval: 90s
  cooldown: 5m
logging:
  level: debug
  console: true
  file: {enabled: true, path: ./bot.log}
  telegram: {enabled: false, min_level: warn, rate_per_sec: 1}
  rotate: {enabled: true, schedule: "0 0 * * *", upload: true}
notifier:
  enabled: true
  targets:
    - chat_id: -1002
      thread_id: 7
storage:
  driver: sqlite
  path: ./bot.db
channels: [Shroud, pokimane]
`

func TestParseYAMLWithEnvOverlay(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, yamlConfig)

	m := NewConfigManager(path)
	m.lookupEnv = envMap(map[string]string{
		EnvTelegramToken:      "from-env",
		EnvTwitchClientSecret: "  s3cret ",
		EnvTwitchClientID:     "",
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Twitch.ClientSecret != "s3cret" {
		t.Fatalf("env overlay: token=%q secret=%q", cfg.Telegram.Token, cfg.Twitch.ClientSecret)
	}
	if cfg.Twitch.ClientID != "abc" {
		t.Fatalf("empty env value overrode client_id: %q", cfg.Twitch.ClientID)
	}
	if cfg.Monitor.Interval != "90s" || cfg.Notifier == nil || cfg.Notifier.Targets[0].ThreadID != 7 {
		t.Fatalf("decoded = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{"Shroud", "pokimane"}) {
		t.Fatalf("channels = %v", cfg.Channels)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseIsStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown json field", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`},
		{"trailing json", "c.json", `{"telegram":{}} {}`},
		{"unknown yaml field", "c.yml", "monitor:\n  intervall: 1m\n"},
		{"bad yaml", "c.yaml", "telegram: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.body)
			if _, err := NewConfigManager(path).Parse(); err == nil {
				t.Fatal("accepted")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero config", func(*Config) {}, ""},
		{"bad interval", func(c *Config) { c.Monitor.Interval = "soon" }, "monitor.interval"},
		{"negative cooldown", func(c *Config) { c.Monitor.Cooldown = "-1m" }, "monitor.cooldown"},
		{"max below base", func(c *Config) { c.Monitor.RetryBaseDelay = "2m"; c.Monitor.RetryMaxDelay = "1m" }, "retry_max_delay"},
		{"negative retries", func(c *Config) { c.Monitor.MaxRetries = -1 }, "monitor.max_retries"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad schedule", func(c *Config) { c.Logging.Rotate.Schedule = "sometimes" }, "logging.rotate.schedule"},
		{"bad timezone", func(c *Config) { c.Logging.Rotate.Timezone = "Mars/Olympus" }, "logging.rotate.timezone"},
		{"rotate without file", func(c *Config) { c.Logging.Rotate.Enabled = true }, "requires logging.file.enabled"},
		{"target without chat", func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: true, Targets: []TargetConfig{{ThreadID: 3}}}
		}, "notifier.targets[0].chat_id"},
		{"sqlite needs path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "unknown storage.driver"},
		{"bad http timeout", func(c *Config) { c.HTTP.IdleTimeout = "x" }, "http.idle_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			tt.mutate(&c)
			err := Validate(&c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"monitor":{"interval":"1m"}}`)

	m := NewConfigManager(path)
	m.lookupEnv = envMap(nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	// Same content, different formatting.
	writeFile(t, path, "{ \"monitor\": { \"interval\": \"1m\" } }\n")
	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeFile(t, path, `{"monitor":{"interval":"soon"}}`)
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}
	if m.Get().Monitor.Interval != "1m" {
		t.Fatal("invalid config was committed")
	}

	writeFile(t, path, `{"monitor":{"interval":"2m"}}`)
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	got := <-sub
	if got.Monitor.Interval != "2m" {
		t.Fatalf("published interval = %q", got.Monitor.Interval)
	}
}

func TestReloadRunsValidator(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{}`)
	m := NewConfigManager(path)
	m.lookupEnv = envMap(nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if len(cfg.Channels) > 1 {
			return os.ErrInvalid
		}
		return nil
	})
	writeFile(t, path, `{"channels":["a","b"]}`)
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("validator ignored: %v, %v", ok, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{HTTP: HTTPConfig{Enabled: true, Token: "a"}}
	neu := &Config{
		HTTP:     HTTPConfig{Enabled: true, Token: "b"},
		Monitor:  MonitorConfig{Interval: "2m"},
		Notifier: &NotifierConfig{Enabled: true},
		Channels: []string{"x"},
	}
	changed, attrs := SummarizeConfigChange(old, neu)
	want := []string{"channels", "http", "monitor", "notifier"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if c, _ := SummarizeConfigChange(neu, neu); len(c) != 0 {
		t.Fatalf("identical configs reported %v", c)
	}

	var restart []string
	for _, s := range want {
		if RequiresRestart(s) {
			restart = append(restart, s)
		}
	}
	if !reflect.DeepEqual(restart, []string{"monitor"}) {
		t.Fatalf("restart sections = %v", restart)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnvFile(filepath.Join(dir, "missing.env"), false); err != nil {
		t.Fatalf("optional missing file: %v", err)
	}
	if err := LoadEnvFile(filepath.Join(dir, "missing.env"), true); err == nil {
		t.Fatal("required missing file accepted")
	}

	const key = "STREAMBOT_TEST_ENV_FILE"
	t.Setenv(key, "")
	os.Unsetenv(key)
	path := filepath.Join(dir, ".env")
	writeFile(t, path, key+"=hello\n")
	if err := LoadEnvFile(path, true); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv(key); got != "hello" {
		t.Fatalf("%s = %q", key, got)
	}
}
