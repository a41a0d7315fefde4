package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"offlinewatch/internal/offline"
	"offlinewatch/internal/scheduler"
)

// Validate checks everything that can be checked without opening
// connections. All problems are returned together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(cfg.Job.Thresholds) == 0 {
		add(fmt.Errorf("job.thresholds: %w", offline.ErrMissingConfiguration))
	} else if _, err := offline.ParseThresholds(cfg.Job.Thresholds); err != nil {
		add(fmt.Errorf("job.thresholds: %w", err))
	}
	if s := strings.TrimSpace(cfg.Job.Schedule); s != "" {
		if err := scheduler.ValidateSchedule(s); err != nil {
			add(fmt.Errorf("job.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Job.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("job.timezone: invalid %q: %w", tz, err))
		}
	}
	if cfg.Job.Parallelism < 0 {
		add(fmt.Errorf("job.parallelism must be >= 0"))
	}
	_, err := ParseDurationField("job.timeout", cfg.Job.Timeout)
	add(err)

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 {
			add(fmt.Errorf("notifier.workers must be >= 0"))
		}
		if n.QueueSize < 0 {
			add(fmt.Errorf("notifier.queue_size must be >= 0"))
		}
		if n.RatePerSec < 0 {
			add(fmt.Errorf("notifier.rate_per_sec must be >= 0"))
		}
		if n.RetryMax < 0 {
			add(fmt.Errorf("notifier.retry_max must be >= 0"))
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
		for i, s := range n.Sinks {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "log":
			case "telegram":
				if strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0 {
					add(fmt.Errorf("notifier.sinks[%d]: telegram requires telegram.token and telegram.chat_id", i))
				}
			case "discord":
				if strings.TrimSpace(cfg.Discord.Token) == "" || strings.TrimSpace(cfg.Discord.ChannelID) == "" {
					add(fmt.Errorf("notifier.sinks[%d]: discord requires discord.token and discord.channel_id", i))
				}
			case "webhook":
				if u, err := url.Parse(strings.TrimSpace(cfg.Webhook.URL)); err != nil || u.Scheme == "" || u.Host == "" {
					add(fmt.Errorf("notifier.sinks[%d]: webhook requires an absolute webhook.url", i))
				}
			default:
				add(fmt.Errorf("notifier.sinks[%d]: unknown sink %q", i, s))
			}
		}
	}
	_, err = ParseDurationField("webhook.timeout", cfg.Webhook.Timeout)
	add(err)

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver))
			}
		case "postgres", "postgresql", "pgx":
			if strings.TrimSpace(s.DSN) == "" {
				add(fmt.Errorf("storage.dsn is required when storage.driver=%s", s.Driver))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	return errors.Join(errs...)
}
