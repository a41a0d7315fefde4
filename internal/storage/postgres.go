package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"offlinewatch/internal/device"
	logx "offlinewatch/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, migrationsSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("postgres store opened", logx.String("host", poolCfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) MarkOffline(ctx context.Context, id device.ID, since time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO offline_devices(device_id, since_ns) VALUES($1, $2)
		 ON CONFLICT(device_id) DO UPDATE SET since_ns = EXCLUDED.since_ns`,
		id.String(), since.UnixNano(),
	)
	return err
}

func (s *postgresStore) MarkOnline(ctx context.Context, id device.ID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM offline_devices WHERE device_id = $1`, id.String())
	return err
}

func (s *postgresStore) OfflineDevices(ctx context.Context) (map[device.ID]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT device_id, since_ns FROM offline_devices`)
	if err != nil {
		return nil, fmt.Errorf("query offline devices: %w", err)
	}
	defer rows.Close()
	return scanOffline(rows, s.log)
}

func (s *postgresStore) RecordNotification(ctx context.Context, id device.ID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications(device_id, at_ns) VALUES($1, $2)
		 ON CONFLICT(device_id) DO UPDATE SET at_ns = GREATEST(notifications.at_ns, EXCLUDED.at_ns)`,
		id.String(), at.UnixNano(),
	)
	return err
}

func (s *postgresStore) LastNotification(ctx context.Context, id device.ID) (time.Time, bool, error) {
	var ns int64
	err := s.pool.QueryRow(ctx, `SELECT at_ns FROM notifications WHERE device_id = $1`, id.String()).Scan(&ns)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ns), true, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
