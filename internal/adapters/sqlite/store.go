package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradeEngine/internal/ports"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements ports.Store using SQLite. A single connection serializes writers,
// so every WithinTx call is atomic with respect to every other.
type Store struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewStore opens (and if needed creates) the database and its schema.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trade_engine.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// _txlock=immediate takes the write lock at BEGIN so a second process (riskctl) waits instead of failing mid-tx.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	return s, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NULL,
		filled_quantity TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		broker_ref TEXT NOT NULL DEFAULT '',
		reject_code TEXT NOT NULL DEFAULT '',
		reject_message TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_broker_ref ON orders (broker_ref);
	CREATE INDEX IF NOT EXISTS idx_orders_account_status ON orders (account_id, status);

	CREATE TABLE IF NOT EXISTS order_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL REFERENCES orders (id),
		prev_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_history_order ON order_status_history (order_id, id);

	CREATE TABLE IF NOT EXISTS fills (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		fee TEXT NOT NULL,
		tax TEXT NOT NULL,
		filled_at INTEGER NOT NULL,
		broker_ref TEXT NOT NULL DEFAULT '',
		dedup_key TEXT NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_fills_order ON fills (order_id, filled_at);

	CREATE TABLE IF NOT EXISTS positions (
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		quantity TEXT NOT NULL,
		avg_cost TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, symbol)
	);

	CREATE TABLE IF NOT EXISTS pnl_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		fill_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pnl_ledger_account_at ON pnl_ledger (account_id, at);

	CREATE TABLE IF NOT EXISTS risk_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL DEFAULT '',
		max_position_value TEXT NULL,
		max_open_orders INTEGER NULL,
		max_orders_per_minute INTEGER NULL,
		daily_loss_limit TEXT NULL,
		max_consecutive_failures INTEGER NULL,
		UNIQUE (scope, account_id, symbol)
	);

	CREATE TABLE IF NOT EXISTS risk_state (
		scope TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		trading_day TEXT NOT NULL,
		daily_pnl TEXT NOT NULL,
		exposure TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		open_orders INTEGER NOT NULL DEFAULT 0,
		order_timestamps TEXT NOT NULL DEFAULT '[]',
		kill_switch TEXT NOT NULL DEFAULT 'OFF',
		kill_switch_reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, account_id)
	);

	CREATE TABLE IF NOT EXISTS outbox_events (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		published_at INTEGER NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_events (published_at, next_attempt_at, sequence);
	CREATE INDEX IF NOT EXISTS idx_outbox_correlation ON outbox_events (correlation_id);

	CREATE TABLE IF NOT EXISTS dead_letters (
		event_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		dead_lettered_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// WithinTx implements ports.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w: %w", ports.ErrDBConnection, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &txRepos{tx: sqlTx, logger: s.logger}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error(ctx, rbErr, "Failed to roll back transaction")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w: %w", ports.ErrUpdateFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info(context.Background(), "Closing SQLite database connection")
		return s.db.Close()
	}
	return nil
}

type txRepos struct {
	tx     *sql.Tx
	logger ports.Logger
}

func (t *txRepos) Orders() ports.OrderRepository       { return &orderRepo{tx: t.tx, logger: t.logger} }
func (t *txRepos) Fills() ports.FillRepository         { return &fillRepo{tx: t.tx, logger: t.logger} }
func (t *txRepos) Positions() ports.PositionRepository { return &positionRepo{tx: t.tx} }
func (t *txRepos) Ledger() ports.LedgerRepository      { return &ledgerRepo{tx: t.tx} }
func (t *txRepos) Risk() ports.RiskRepository          { return &riskRepo{tx: t.tx} }
func (t *txRepos) Outbox() ports.OutboxRepository      { return &outboxRepo{tx: t.tx, logger: t.logger} }

// --- Helpers ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func requireAffected(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s not found: %w", what, ports.ErrNotFound)
	}
	return nil
}
