// Package database is the durable store: chats, participants, messages,
// read receipts, message actions and presence, on sqlite3 or postgres.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"chatsync/config"
	"chatsync/errs"
)

// Store wraps the connection pool. Every query runs under the configured
// query timeout so a slow database surfaces as a retryable error.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	log     *zap.Logger
}

// Open connects, tunes the pool and applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateUp(db, cfg); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("database ready", zap.String("driver", cfg.Driver))
	return &Store{db: db, timeout: cfg.QueryTimeout, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.wrap("ping", s.db.PingContext(ctx))
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func get(ctx context.Context, q queryer, dest interface{}, query string, args ...interface{}) error {
	return q.GetContext(ctx, dest, q.Rebind(query), args...)
}

func selectAll(ctx context.Context, q queryer, dest interface{}, query string, args ...interface{}) error {
	return q.SelectContext(ctx, dest, q.Rebind(query), args...)
}

func exec(ctx context.Context, q queryer, query string, args ...interface{}) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// inTx runs fn in a transaction bounded by the query timeout. fn must only
// use tx; the pool may hold a single connection.
func (s *Store) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.wrap(op, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return s.wrap(op, err)
	}
	return s.wrap(op, tx.Commit())
}

// wrap maps driver errors onto the error kinds callers branch on. Errors that
// already carry a kind pass through untouched.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var kinded *errs.Error
	if errors.As(err, &kinded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound(op)
	}
	if isRetryable(err) {
		s.log.Warn("transient database error", zap.String("op", op), zap.Error(err))
		return errs.Retryable("database unavailable, retry", fmt.Errorf("%s: %w", op, err))
	}
	s.log.Error("database error", zap.String("op", op), zap.Error(err))
	return errs.Internal("database error", fmt.Errorf("%s: %w", op, err))
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return isRetryablePostgres(err)
}

// Now is the store's clock: UTC truncated to microseconds, the precision
// postgres keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
