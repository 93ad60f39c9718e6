package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/logger"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS sandbox_locks (
	lock_key    TEXT PRIMARY KEY,
	owner_token TEXT NOT NULL,
	expires_at  BIGINT NOT NULL
)`

// SQLLocker keeps leases in a single table. A conditional upsert makes acquire
// atomic on both sqlite and postgres.
type SQLLocker struct {
	db     *sqlx.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewSQLLocker creates the lease table if needed.
func NewSQLLocker(ctx context.Context, db *sqlx.DB, log *logger.Logger) (*SQLLocker, error) {
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, serviceErr("init", fmt.Errorf("create sandbox_locks: %w", err))
	}
	return &SQLLocker{
		db:     db,
		logger: log.WithFields(zap.String("component", "sql-locker")),
		now:    time.Now,
	}, nil
}

// Acquire implements Locker.
func (s *SQLLocker) Acquire(ctx context.Context, key string, d time.Duration) (*Lease, bool, error) {
	now := s.now()
	lease := newLease(key, now, d)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sandbox_locks (lock_key, owner_token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner_token = excluded.owner_token, expires_at = excluded.expires_at
		WHERE sandbox_locks.expires_at <= ?`),
		key, lease.OwnerToken, lease.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, serviceErr("acquire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, serviceErr("acquire", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	return lease, true, nil
}

// Release implements Locker.
func (s *SQLLocker) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM sandbox_locks WHERE lock_key = ? AND owner_token = ?`),
		l.Key, l.OwnerToken)
	if err != nil {
		return serviceErr("release", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Warn("lease no longer owned at release", zap.String("lock_key", l.Key))
	}
	return nil
}
