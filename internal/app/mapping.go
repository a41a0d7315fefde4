package app

import (
	"strings"
	"time"

	"offlinewatch/internal/config"
	"offlinewatch/internal/httpapi"
	"offlinewatch/internal/notifier"
	"offlinewatch/internal/notifier/sink"
	"offlinewatch/internal/offline"
	"offlinewatch/internal/scheduler"
	"offlinewatch/internal/storage"
	logx "offlinewatch/pkg/logx"
)

const jobScheduleName = "offline.job"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: busy,
	}, nil
}

// mapNotifierConfig treats a missing section as defaults (enabled).
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		n = &config.NotifierConfig{}
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax := n.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return notifier.Config{
		Enabled:       n.IsEnabled(),
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapSinkConfig(cfg *config.Config) (sink.Config, error) {
	timeout, err := config.ParseDurationOrDefault("webhook.timeout", cfg.Webhook.Timeout, 10*time.Second)
	if err != nil {
		return sink.Config{}, err
	}
	var names []string
	if cfg.Notifier != nil {
		names = cfg.Notifier.Sinks
	}
	return sink.Config{
		Sinks: names,
		Telegram: sink.TelegramConfig{
			Token:    strings.TrimSpace(cfg.Telegram.Token),
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
		},
		Discord: sink.DiscordConfig{
			Token:     strings.TrimSpace(cfg.Discord.Token),
			ChannelID: strings.TrimSpace(cfg.Discord.ChannelID),
		},
		Webhook: sink.WebhookConfig{
			URL:     strings.TrimSpace(cfg.Webhook.URL),
			Timeout: timeout,
		},
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Job.Timezone)}
}

type jobSettings struct {
	thresholds  offline.Thresholds
	schedule    string
	timeout     time.Duration
	parallelism int
}

func mapJobConfig(cfg *config.Config) (jobSettings, error) {
	t, err := offline.ParseThresholds(cfg.Job.Thresholds)
	if err != nil {
		return jobSettings{}, err
	}
	timeout, err := config.ParseDurationField("job.timeout", cfg.Job.Timeout)
	if err != nil {
		return jobSettings{}, err
	}
	js := jobSettings{
		thresholds:  t,
		schedule:    strings.TrimSpace(cfg.Job.Schedule),
		timeout:     timeout,
		parallelism: cfg.Job.Parallelism,
	}
	if js.schedule == "" {
		js.schedule = config.DefaultSchedule
	}
	if js.parallelism <= 0 {
		js.parallelism = config.DefaultParallelism
	}
	return js, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	return httpapi.Config{
		Enabled:     cfg.HTTP.Enabled,
		Addr:        addr,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		JWTSecret:   strings.TrimSpace(cfg.HTTP.JWTSecret),
	}
}
