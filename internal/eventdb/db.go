// Package eventdb is the event-database layer: the partitioned,
// ordered, resumable search engine, the aggregated views, the recorder
// insert side and the transaction scope they share.
package eventdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Pool sizing mirrors the production deployment: 15 base connections
// plus 12 overflow, recycled hourly.
const (
	poolBaseSize   = 15
	poolOverflow   = 12
	poolRecycle    = time.Hour
	fetchBatchSize = 100
)

// EventDatabaseError wraps a DB failure with a truncated summary so
// logs stay readable when drivers embed whole statements in messages.
type EventDatabaseError struct {
	Summary string
	Err     error
}

func (e *EventDatabaseError) Error() string {
	return "event db: " + e.Summary
}

func (e *EventDatabaseError) Unwrap() error { return e.Err }

const summaryLimit = 200

func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}
	summary := op + ": " + err.Error()
	if len(summary) > summaryLimit {
		summary = summary[:summaryLimit] + "..."
	}
	return &EventDatabaseError{Summary: summary, Err: err}
}

// Store is the event-DB access layer.
type Store struct {
	DB  *sql.DB
	Log zerolog.Logger

	// DayStep is the scan partition width in days; 1 unless configured.
	DayStep int

	now func() time.Time // test hook
}

// Open connects to the event database. Every session runs in UTC.
func Open(dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn+" TimeZone=UTC")
	if err != nil {
		return nil, wrapDBErr("open", err)
	}
	db.SetMaxOpenConns(poolBaseSize + poolOverflow)
	db.SetMaxIdleConns(poolBaseSize)
	db.SetConnMaxLifetime(poolRecycle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapDBErr("ping", err)
	}

	return &Store{
		DB:      db,
		Log:     log.With().Str("component", "eventdb").Logger(),
		DayStep: 1,
	}, nil
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

type txKeyType struct{}

var txKey txKeyType

// ErrNestedTransaction: Transact scopes must not nest.
var ErrNestedTransaction = errors.New("event db: nested transaction scope")

// Transact wraps writes in a transaction with guaranteed rollback on
// error or panic. Nesting is forbidden.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if ctx.Value(txKey) != nil {
		return ErrNestedTransaction
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr("begin", err)
	}
	ctx = context.WithValue(ctx, txKey, struct{}{})

	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		done = true
		return err
	}

	if err := tx.Commit(); err != nil {
		// Commit failure: the deferred rollback releases the session;
		// pending flushes surface to the caller.
		return wrapDBErr("commit", err)
	}
	done = true
	return nil
}

// readTx opens the REPEATABLE READ read-only transaction all queries
// run under.
func (s *Store) readTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, wrapDBErr("begin read", err)
	}
	return tx, nil
}

// querier lets views run against either the pool or a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
