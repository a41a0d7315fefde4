package sink

import (
	"context"

	"offlinewatch/internal/notifier"
	logx "offlinewatch/pkg/logx"
)

// Log writes notifications to the process log. Useful as a fallback and in development.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("sink", "log"))}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, m notifier.Message) error {
	l.log.Warn(m.Text,
		logx.Stringer("device", m.Device),
		logx.Time("offline_since", m.OfflineSince),
		logx.Duration("offline_for", m.OfflineFor),
	)
	return nil
}
