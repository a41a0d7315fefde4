package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"offlinewatch/internal/device"
	logx "offlinewatch/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore keeps state in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot every fileCompactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int

	offline  map[device.ID]int64 // unix nano
	notified map[device.ID]int64
}

type journalOp string

const (
	opOffline  journalOp = "offline"
	opOnline   journalOp = "online"
	opNotified journalOp = "notified"
)

type journalRecord struct {
	Op     journalOp `json:"op"`
	Device device.ID `json:"device"`
	At     int64     `json:"at,omitempty"`
}

type fileSnapshot struct {
	Offline  map[device.ID]int64 `json:"offline"`
	Notified map[device.ID]int64 `json:"notified"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		offline:      map[device.ID]int64{},
		notified:     map[device.ID]int64{},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	journalPath := prefix + ".journal.jsonl"
	replayed, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Info("file store opened",
		logx.String("path", prefix),
		logx.Int("offline", len(s.offline)),
		logx.Int("replayed", replayed),
	)
	return s, nil
}

func (s *fileStore) MarkOffline(_ context.Context, id device.ID, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[id] = since.UnixNano()
	return s.appendLocked(journalRecord{Op: opOffline, Device: id, At: since.UnixNano()})
}

func (s *fileStore) MarkOnline(_ context.Context, id device.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offline[id]; !ok {
		return nil
	}
	delete(s.offline, id)
	return s.appendLocked(journalRecord{Op: opOnline, Device: id})
}

func (s *fileStore) OfflineDevices(context.Context) (map[device.ID]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make(map[device.ID]time.Time, len(s.offline))
	for id, ns := range s.offline {
		out[id] = time.Unix(0, ns)
	}
	return out, nil
}

func (s *fileStore) RecordNotification(_ context.Context, id device.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := at.UnixNano()
	if cur, ok := s.notified[id]; ok && cur >= ns {
		return nil
	}
	s.notified[id] = ns
	return s.appendLocked(journalRecord{Op: opNotified, Device: id, At: ns})
}

func (s *fileStore) LastNotification(_ context.Context, id device.ID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return time.Time{}, false, ErrClosed
	}
	ns, ok := s.notified[id]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns), true, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Offline: s.offline, Notified: s.notified}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for id, ns := range snap.Offline {
		s.offline[id] = ns
	}
	for id, ns := range snap.Notified {
		s.notified[id] = ns
	}
	return nil
}

// replayJournal applies records on top of the snapshot. A torn trailing line
// from a crash is skipped.
func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Device.IsZero() {
			continue
		}
		switch r.Op {
		case opOffline:
			s.offline[r.Device] = r.At
		case opOnline:
			delete(s.offline, r.Device)
		case opNotified:
			if cur, ok := s.notified[r.Device]; !ok || r.At > cur {
				s.notified[r.Device] = r.At
			}
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
