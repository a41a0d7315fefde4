package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"offlinewatch/internal/device"
	logx "offlinewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) MarkOffline(ctx context.Context, id device.ID, since time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_devices(device_id, since_ns) VALUES(?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET since_ns = excluded.since_ns`,
		id.String(), since.UnixNano(),
	)
	return err
}

func (s *sqliteStore) MarkOnline(ctx context.Context, id device.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_devices WHERE device_id = ?`, id.String())
	return err
}

func (s *sqliteStore) OfflineDevices(ctx context.Context) (map[device.ID]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, since_ns FROM offline_devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOffline(rows, s.log)
}

func (s *sqliteStore) RecordNotification(ctx context.Context, id device.ID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(device_id, at_ns) VALUES(?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET at_ns = max(at_ns, excluded.at_ns)`,
		id.String(), at.UnixNano(),
	)
	return err
}

func (s *sqliteStore) LastNotification(ctx context.Context, id device.ID) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT at_ns FROM notifications WHERE device_id = ?`, id.String()).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ns), true, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanOffline reads (device_id, since_ns) rows. Rows with an unparsable id are
// logged and skipped so one bad row does not block startup.
func scanOffline(rows rowScanner, log logx.Logger) (map[device.ID]time.Time, error) {
	out := map[device.ID]time.Time{}
	for rows.Next() {
		var (
			raw string
			ns  int64
		)
		if err := rows.Scan(&raw, &ns); err != nil {
			return nil, err
		}
		id, err := device.Parse(raw)
		if err != nil {
			log.Warn("skipping stored device", logx.String("device_id", raw), logx.Err(err))
			continue
		}
		out[id] = time.Unix(0, ns)
	}
	return out, rows.Err()
}
