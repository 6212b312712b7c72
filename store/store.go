// Package store persists the gateway's state in Postgres. All multi-step
// state changes run inside a single database transaction; transaction status
// updates are compare-and-set against the previously read status and append
// their audit entry in the same transaction.
//
// Every call goes through a circuit breaker: after five consecutive failures
// the breaker opens and calls fail fast with a retriable error until a
// half-open probe succeeds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
)

var (
	queryTimer   = metrics.NewRegisteredTimer("gateway/store/query", nil)
	errorMeter   = metrics.NewRegisteredMeter("gateway/store/errors", nil)
	breakerGauge = metrics.NewRegisteredGauge("gateway/store/breaker/open", nil)
)

// uniqueViolation is the Postgres error code raised by unique constraints.
const uniqueViolation = "23505"

// Store wraps the Postgres connection pool.
type Store struct {
	db      *sqlx.DB
	log     log.Logger
	breaker *breaker
}

// Open connects to Postgres and applies the schema. The connection pool is
// sized from the configuration; the breaker starts closed.
func Open(cfg *config.StoreConfig, lg log.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	s := &Store{db: db, log: lg, breaker: newBreaker()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	lg.Info("Connected to database", "maxConns", cfg.MaxOpenConns)
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// call runs fn through the circuit breaker and records metrics. Breaker-open
// failures and connection-level errors come back retriable so queue-driven
// callers re-enqueue.
func (s *Store) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !s.breaker.allow() {
		breakerGauge.Update(1)
		return gateway.Retriable(ErrBreakerOpen)
	}
	start := time.Now()
	err := fn(ctx)
	queryTimer.UpdateSince(start)
	if isInfrastructure(err) {
		errorMeter.Mark(1)
		if s.breaker.failure() {
			s.log.Error("Database breaker opened", "op", op, "err", err)
			breakerGauge.Update(1)
		}
		return gateway.Retriable(fmt.Errorf("%s: %w", op, err))
	}
	s.breaker.success()
	breakerGauge.Update(0)
	return err
}

// isInfrastructure distinguishes connectivity trouble (counted against the
// breaker) from application answers like no-rows or constraint violations.
func isInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection trouble; anything else means the server
		// answered.
		return pqErr.Code.Class() == "08"
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// isUnique reports whether err is a unique-constraint violation.
func isUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// withTx runs fn inside a repeatable-read transaction, committing on nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
