package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"offlinewatch/internal/offline"
)

const jsonConfig = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "job": {"schedule": "@every 30s", "thresholds": ["5m", "1h", "24h"], "parallelism": 4},
  "notifier": {"enabled": false, "workers": 3, "sinks": ["log", "telegram"]},
  "telegram": {"token": "${OW_TG_TOKEN}", "chat_id": -100123},
  "storage": {"driver": "sqlite", "path": "./state.db", "busy_timeout": "2s"}
}`

const yamlConfig = `
logging:
  level: info
  console: true
  file: {enabled: false, path: ""}
job:
  schedule: "*/5 * * * *"
  timezone: UTC
  thresholds: ["10s", "1m"]
notifier:
  sinks: [log, telegram]
telegram:
  token: "${OW_TG_TOKEN}"
  chat_id: -100123
`

const tomlConfig = `
[logging]
level = "warn"
console = false

[job]
schedule = "@hourly"
thresholds = ["1m", "2m"]

[notifier]
sinks = ["log", "telegram"]

[telegram]
token = "${OW_TG_TOKEN}"
chat_id = -100123
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func testManager(path string) *Manager {
	m := NewManager(path)
	m.lookupEnv = func(k string) (string, bool) {
		if k == "OW_TG_TOKEN" {
			return "secret-token", true
		}
		return "", false
	}
	return m
}

func TestManagerLoadFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		file       string
		body       string
		thresholds []string
		enabled    bool
	}{
		{name: "json", file: "c.json", body: jsonConfig, thresholds: []string{"5m", "1h", "24h"}, enabled: false},
		{name: "yaml", file: "c.yaml", body: yamlConfig, thresholds: []string{"10s", "1m"}, enabled: true},
		{name: "toml", file: "c.toml", body: tomlConfig, thresholds: []string{"1m", "2m"}, enabled: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := testManager(writeFile(t, tt.file, tt.body))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if m.Get() != cfg {
				t.Fatalf("Get did not return the committed config")
			}
			if strings.Join(cfg.Job.Thresholds, ",") != strings.Join(tt.thresholds, ",") {
				t.Fatalf("thresholds = %v, want %v", cfg.Job.Thresholds, tt.thresholds)
			}
			if cfg.Notifier.IsEnabled() != tt.enabled {
				t.Fatalf("notifier enabled = %v, want %v", cfg.Notifier.IsEnabled(), tt.enabled)
			}
			if cfg.Telegram.Token != "secret-token" {
				t.Fatalf("telegram token not expanded: %q", cfg.Telegram.Token)
			}
			if cfg.Telegram.ChatID != -100123 {
				t.Fatalf("chat_id = %d", cfg.Telegram.ChatID)
			}
		})
	}
}

func TestManagerParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{name: "unknown field", file: "c.json", body: `{"job": {"thresholds": ["1m"]}, "nope": 1}`, want: "unknown field"},
		{name: "trailing data", file: "c.json", body: `{"job": {"thresholds": ["1m"]}} {}`, want: "trailing data"},
		{name: "yaml unknown field", file: "c.yml", body: "job:\n  thresholds: [1m]\n  every: 1m\n", want: "unknown field"},
		{name: "missing thresholds", file: "c.json", body: `{"job": {}}`, want: "job.thresholds"},
		{name: "decreasing thresholds", file: "c.json", body: `{"job": {"thresholds": ["1h", "5m"]}}`, want: "job.thresholds"},
		{name: "bad schedule", file: "c.json", body: `{"job": {"thresholds": ["1m"], "schedule": "every tuesday"}}`, want: "job.schedule"},
		{name: "bad toml", file: "c.toml", body: "[job\nthresholds = 1", want: "toml"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := testManager(writeFile(t, tt.file, tt.body))
			_, err := m.Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want containing %q", err, tt.want)
			}
			if m.Get() != nil {
				t.Fatalf("rejected config was committed")
			}
		})
	}
}

func TestManagerMissingThresholdsIsMissingConfiguration(t *testing.T) {
	t.Parallel()
	m := testManager(writeFile(t, "c.json", `{"job": {"thresholds": []}}`))
	_, err := m.Load()
	if !errors.Is(err, offline.ErrMissingConfiguration) {
		t.Fatalf("Load error = %v, want ErrMissingConfiguration", err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := writeFile(t, "c.json", `{"job": {"thresholds": ["1m"]}}`)
	m := testManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(ctx)
	if err != nil || published {
		t.Fatalf("Reload unchanged = (%v, %v), want (false, nil)", published, err)
	}

	if err := os.WriteFile(path, []byte(`{"job": {"thresholds": ["1m", "2m"]}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	published, err = m.Reload(ctx)
	if err != nil || !published {
		t.Fatalf("Reload changed = (%v, %v), want (true, nil)", published, err)
	}
	select {
	case cfg := <-sub:
		if len(cfg.Job.Thresholds) != 2 {
			t.Fatalf("published thresholds = %v", cfg.Job.Thresholds)
		}
	default:
		t.Fatalf("nothing published")
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("no") })
	if err := os.WriteFile(path, []byte(`{"job": {"thresholds": ["3m"]}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil {
		t.Fatalf("Reload accepted config the validator rejected")
	}
	if got := m.Get().Job.Thresholds; len(got) != 2 {
		t.Fatalf("rejected config replaced committed one: %v", got)
	}

	if err := os.WriteFile(path, []byte(`{"job": {"thresholds": ["0s"]}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(nil)
	if _, err := m.Reload(ctx); err == nil {
		t.Fatalf("Reload accepted invalid thresholds")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("subscriber got stale config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel not closed after Unsubscribe")
	}
	m.publish(a)
}

func TestExpandRefs(t *testing.T) {
	t.Parallel()
	env := map[string]string{"A": "x", "B": "y"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	tests := map[string]string{
		"plain":            "plain",
		"${A}":             "x",
		"pre-${A}-${B}":    "pre-x-y",
		"${MISSING}":       "",
		"pa$$word":         "pa$$word",
		"open ${A":         "open ${A",
		"postgres://${A}@": "postgres://x@",
	}
	for in, want := range tests {
		if got := expandRefs(in, lookup); got != want {
			t.Errorf("expandRefs(%q) = %q, want %q", in, got, want)
		}
	}
}
