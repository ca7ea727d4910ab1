package locking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileManager implements locking with exclusive lock files, for
// single-machine deployments without a coordination database. A lock is
// stale when its heartbeat is older than twice its TTL.
type FileManager struct {
	dir       string
	ttl       time.Duration
	heartbeat time.Duration
	now       func() time.Time
}

type lockRecord struct {
	PID         int       `json:"pid"`
	Host        string    `json:"host"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	TTLSeconds  int       `json:"ttl_seconds"`
}

// NewFileManager creates the lock directory if needed.
func NewFileManager(dir string, ttl time.Duration) (*FileManager, error) {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	hb := ttl / 4
	if hb > time.Minute {
		hb = time.Minute
	}
	return &FileManager{dir: dir, ttl: ttl, heartbeat: hb, now: time.Now}, nil
}

func (m *FileManager) AcquireRun(ctx context.Context) (Lock, error) {
	return m.acquire(runLockName())
}

func (m *FileManager) AcquireTable(ctx context.Context, database, schema, table string) (Lock, error) {
	return m.acquire(tableLockName(database, schema, table))
}

func (m *FileManager) path(name string) string {
	return filepath.Join(m.dir, strings.ReplaceAll(name, "/", ".")+".lock")
}

func (m *FileManager) acquire(name string) (Lock, error) {
	path := m.path(name)
	if err := m.tryCreate(path); err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}
		stale, holderErr := m.isStale(path)
		if holderErr != nil {
			return nil, holderErr
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		}
		log.Printf("[locking] breaking stale lock file %s", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("break stale lock %s: %w", path, err)
		}
		if err := m.tryCreate(path); err != nil {
			if os.IsExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
			}
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	l := &fileLock{
		name:   name,
		path:   path,
		mgr:    m,
		lostC:  make(chan struct{}),
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.heartbeatLoop(hbCtx)
	return l, nil
}

// tryCreate writes the lock record with O_EXCL so exactly one process wins.
func (m *FileManager) tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	rec := lockRecord{
		PID:         os.Getpid(),
		Host:        host,
		AcquiredAt:  m.now().UTC(),
		HeartbeatAt: m.now().UTC(),
		TTLSeconds:  int(m.ttl.Seconds()),
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write lock record: %w", err)
	}
	return f.Close()
}

// isStale reads the holder's record; an unreadable record counts as stale.
func (m *FileManager) isStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("read lock file %s: %w", path, err)
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return true, nil
	}
	ttl := time.Duration(rec.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.now().Sub(rec.HeartbeatAt) > 2*ttl, nil
}

type fileLock struct {
	name   string
	path   string
	mgr    *FileManager
	lostC  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lostOnce sync.Once
}

func (l *fileLock) Name() string          { return l.name }
func (l *fileLock) Lost() <-chan struct{} { return l.lostC }

func (l *fileLock) heartbeatLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.mgr.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.beat(); err != nil && ctx.Err() == nil {
				log.Printf("[locking] heartbeat for %s failed: %v", l.name, err)
				l.lostOnce.Do(func() { close(l.lostC) })
				return
			}
		}
	}
}

// beat refreshes the heartbeat timestamp. A vanished or foreign lock file
// means another process broke the lock as stale.
func (l *fileLock) beat() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("lock file gone: %w", err)
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("lock record corrupt: %w", err)
	}
	if rec.PID != os.Getpid() {
		return fmt.Errorf("lock taken over by pid %d", rec.PID)
	}
	rec.HeartbeatAt = l.mgr.now().UTC()
	out, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *fileLock) Release(ctx context.Context) error {
	l.cancel()
	l.wg.Wait()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file %s: %w", l.path, err)
	}
	return nil
}
