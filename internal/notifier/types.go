package notifier

import (
	"context"
	"errors"
	"time"

	"offlinewatch/internal/device"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSenders = errors.New("no notification sinks configured")
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Message is one offline notification as handed to sinks.
type Message struct {
	Device       device.ID     `json:"device"`
	OfflineSince time.Time     `json:"offline_since,omitzero"`
	OfflineFor   time.Duration `json:"offline_for"`
	At           time.Time     `json:"at"`
	Text         string        `json:"text"`
}

// Sender is one delivery channel (Telegram, Discord, webhook, log).
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	Device device.ID `json:"device"`
	Text   string    `json:"text"`
	Sinks  []string  `json:"sinks,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// NotificationEvent is published on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Device device.ID `json:"device"`
	At     time.Time `json:"at"`
	Sinks  []string  `json:"sinks,omitempty"`
	Error  string    `json:"error,omitempty"`
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a sink error as not worth retrying (bad credentials, 4xx).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
