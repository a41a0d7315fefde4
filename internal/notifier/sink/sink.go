// Package sink holds the delivery channels the notifier fans out to.
package sink

import (
	"fmt"
	"strings"
	"time"

	"offlinewatch/internal/notifier"
	logx "offlinewatch/pkg/logx"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

type DiscordConfig struct {
	Token     string
	ChannelID string
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// Config selects sinks by name; an empty list means "log".
type Config struct {
	Sinks    []string
	Telegram TelegramConfig
	Discord  DiscordConfig
	Webhook  WebhookConfig
}

// Build constructs the configured senders in order.
func Build(cfg Config, log logx.Logger) ([]notifier.Sender, error) {
	names := cfg.Sinks
	if len(names) == 0 {
		names = []string{"log"}
	}
	out := make([]notifier.Sender, 0, len(names))
	seen := map[string]bool{}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if seen[name] {
			continue
		}
		seen[name] = true

		var (
			s   notifier.Sender
			err error
		)
		switch name {
		case "log":
			s = NewLog(log)
		case "telegram":
			s, err = NewTelegram(cfg.Telegram)
		case "discord":
			s, err = NewDiscord(cfg.Discord)
		case "webhook":
			s, err = NewWebhook(cfg.Webhook)
		default:
			err = fmt.Errorf("unknown sink %q", raw)
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}
