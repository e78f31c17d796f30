// Package store is the relational persistence layer and the single
// serialization point of the engine. Every balance, reward stock and result
// row mutation happens inside InTx.
//
// Two dialects are supported:
//   - sqlite (embedded, default): one writer connection, WAL, busy_timeout
//   - postgres: row locks via SELECT … FOR UPDATE under read committed
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
)

var (
	// ErrNotFound is returned by lookups that have no domain-specific error.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict wraps unique-constraint violations.
	ErrConflict = errors.New("store: unique constraint conflict")
)

// Config selects and tunes the backing database.
type Config struct {
	Driver       string        // "sqlite" or "postgres"
	DSN          string        // postgres connection string, or an explicit sqlite DSN
	Dir          string        // sqlite data directory when DSN is empty
	TxTimeout    time.Duration // upper bound for one transaction, lock waits included
	MaxOpenConns int           // postgres only; sqlite always uses one
}

// DefaultConfig returns an embedded sqlite store under ~/.gridcoin.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Driver:       DialectSQLite,
		Dir:          filepath.Join(home, ".gridcoin"),
		TxTimeout:    10 * time.Second,
		MaxOpenConns: 16,
	}
}

// DB wraps the connection pool.
type DB struct {
	queries
	db        *sql.DB
	txTimeout time.Duration
	log       zerolog.Logger
}

// Open connects to the configured database. Call Migrate before use.
func Open(cfg Config, log zerolog.Logger) (*DB, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultConfig().TxTimeout
	}

	dsn := cfg.DSN
	if d.name == DialectSQLite && dsn == "" {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = sqliteDSN(filepath.Join(cfg.Dir, "gridcoin.db"), cfg.TxTimeout)
	}
	if dsn == "" {
		return nil, fmt.Errorf("%s store requires a DSN", d.name)
	}

	sqlDB, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == DialectSQLite {
		// The single connection is the writer lock.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.TxTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	return &DB{
		queries:   newQueries(sqlDB, d),
		db:        sqlDB,
		txTimeout: cfg.TxTimeout,
		log:       log.With().Str("component", "store").Str("dialect", d.name).Logger(),
	}, nil
}

// Close releases the pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// Dialect returns the active dialect name.
func (db *DB) Dialect() string { return db.d.name }

// Migrate applies the schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := migrations(db.d)
	for i, stmt := range stmts {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	db.log.Debug().Int("statements", len(stmts)).Msg("schema migrated")
	return nil
}

// ─── Transactions ───────────────────────────────────────────────────────────

// Tx is one bounded database transaction. Row locks taken through it are
// held until InTx returns.
type Tx struct {
	queries
	tx       *sql.Tx
	onCommit []func()
}

// OnCommit registers fn to run after a successful commit. Hooks never run
// when the transaction rolls back.
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// InTx runs fn inside one transaction bounded by the configured timeout;
// fn receives the bounded context. A non-nil error from fn (or a panic)
// rolls everything back. Lock waits that outlast the timeout surface as
// domain.ErrConcurrencyTimeout.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, db.txTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		observability.TxDuration.WithLabelValues(domain.Kind(err)).Observe(time.Since(start).Seconds())
	}()

	sqlTx, err := db.db.BeginTx(ctx, &sql.TxOptions{Isolation: db.d.isolation})
	if err != nil {
		return db.classify(ctx, fmt.Errorf("begin: %w", err))
	}
	if db.d.name == DialectPostgres {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.txTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			_ = sqlTx.Rollback()
			return db.classify(ctx, fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	tx := &Tx{queries: newQueries(sqlTx, db.d), tx: sqlTx}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return db.classify(ctx, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return db.classify(ctx, fmt.Errorf("commit: %w", err))
	}

	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

// classify maps driver and context failures onto the domain taxonomy.
func (db *DB) classify(ctx context.Context, err error) error {
	if err == nil || domain.Kind(err) != "internal" || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		isLockTimeout(err):
		return fmt.Errorf("%w: %v", domain.ErrConcurrencyTimeout, err)
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case isCheckViolation(err):
		return domain.Invariantf("%v", err)
	}
	return err
}

// ─── Shared Queries ─────────────────────────────────────────────────────────

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the read paths usable both inside and outside a transaction.
type queries struct {
	q  querier
	d  dialect
	sb sq.StatementBuilderType
}

func newQueries(q querier, d dialect) queries {
	return queries{q: q, d: d, sb: sq.StatementBuilder.PlaceholderFormat(d.placeholder)}
}

func (q *queries) queryRow(ctx context.Context, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.q.QueryRowContext(ctx, query, args...), nil
}

func (q *queries) query(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.q.QueryContext(ctx, query, args...)
}

func (q *queries) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.q.ExecContext(ctx, query, args...)
}

// forUpdate appends the dialect's row-lock clause.
func (q *queries) forUpdate(b sq.SelectBuilder) sq.SelectBuilder {
	if q.d.lockClause == "" {
		return b
	}
	return b.Suffix(q.d.lockClause)
}

// ─── Column Helpers ─────────────────────────────────────────────────────────

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
