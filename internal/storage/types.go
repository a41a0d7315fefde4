package storage

import (
	"context"
	"errors"
	"time"

	"offlinewatch/internal/device"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values: "memory" (or empty), "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the app and the notifier.
//
// Instants are stored with nanosecond precision: the notification decision
// compares them against threshold boundaries and truncation could move an
// instant into the previous tier.
type Store interface {
	// MarkOffline records the start of an offline episode, replacing any previous one.
	MarkOffline(ctx context.Context, id device.ID, since time.Time) error
	MarkOnline(ctx context.Context, id device.ID) error
	OfflineDevices(ctx context.Context) (map[device.ID]time.Time, error)

	// RecordNotification keeps the latest of the stored and the given instant.
	RecordNotification(ctx context.Context, id device.ID, at time.Time) error
	LastNotification(ctx context.Context, id device.ID) (at time.Time, ok bool, err error)

	Close() error
}
