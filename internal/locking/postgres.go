package locking

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"
)

// PGManager implements locking on Postgres advisory locks. Each lock pins a
// dedicated session; losing the session loses the lock, which the heartbeat
// detects.
type PGManager struct {
	db        *sql.DB
	heartbeat time.Duration
}

// NewPGManager builds the manager. heartbeat defaults to 30s.
func NewPGManager(db *sql.DB, heartbeat time.Duration) *PGManager {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &PGManager{db: db, heartbeat: heartbeat}
}

// lockKey maps a lock name onto the advisory-lock key space.
func lockKey(name string) int64 {
	sum := sha256.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func (m *PGManager) AcquireRun(ctx context.Context) (Lock, error) {
	return m.acquire(ctx, runLockName())
}

func (m *PGManager) AcquireTable(ctx context.Context, database, schema, table string) (Lock, error) {
	return m.acquire(ctx, tableLockName(database, schema, table))
}

func (m *PGManager) acquire(ctx context.Context, name string) (Lock, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock session for %s: %w", name, err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey(name)).Scan(&got); err != nil {
		conn.Close()
		return nil, fmt.Errorf("try advisory lock %s: %w", name, err)
	}
	if !got {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	l := &pgLock{
		name:   name,
		conn:   conn,
		key:    lockKey(name),
		lostC:  make(chan struct{}),
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.heartbeatLoop(hbCtx, m.heartbeat)
	return l, nil
}

type pgLock struct {
	name   string
	conn   *sql.Conn
	key    int64
	lostC  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lostOnce sync.Once
}

func (l *pgLock) Name() string          { return l.name }
func (l *pgLock) Lost() <-chan struct{} { return l.lostC }

// heartbeatLoop pings the lock session. An advisory lock lives exactly as
// long as its session, so a failed ping means the lock is gone.
func (l *pgLock) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval/2)
			err := l.conn.PingContext(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Printf("[locking] heartbeat for %s failed: %v", l.name, err)
				l.lostOnce.Do(func() { close(l.lostC) })
				return
			}
		}
	}
}

func (l *pgLock) Release(ctx context.Context) error {
	l.cancel()
	l.wg.Wait()
	var released bool
	err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released)
	closeErr := l.conn.Close()
	if err != nil {
		return fmt.Errorf("release advisory lock %s: %w", l.name, err)
	}
	if !released {
		log.Printf("[locking] advisory lock %s was not held at release", l.name)
	}
	return closeErr
}
