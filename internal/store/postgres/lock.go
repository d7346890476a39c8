package postgres

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockHeld 另一个进程已经持有同名锁
var ErrLockHeld = errors.New("advisory lock is held by another session")

// GenerateLockID 从字符串生成锁 ID（sha256 的前 8 字节）
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}
	return id
}

// InstanceLock 是会话级的 advisory lock，持有期间独占一条连接。
// 连接断开（包括进程被杀）时 Postgres 会自动释放它。
type InstanceLock struct {
	conn   *pgxpool.Conn
	lockID int64
}

// TryAcquire 非阻塞地获取锁，已被占用时返回 ErrLockHeld。
func (s *Store) TryAcquire(ctx context.Context, parts ...string) (*InstanceLock, error) {
	lockID := GenerateLockID(parts...)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, ErrLockHeld
	}
	return &InstanceLock{conn: conn, lockID: lockID}, nil
}

// Release 释放锁并归还连接
func (l *InstanceLock) Release(ctx context.Context) error {
	defer l.conn.Release()
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
