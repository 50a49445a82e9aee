// Package postgres provides the PostgreSQL implementation of the store
// interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/appforge/orchestrator/internal/store"
)

// PostgresStore implements store.Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	projects *ProjectStore
	builds   *BuildStore
	jobs     *JobStore
	workers  *WorkerStore
	ledger   *LedgerStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := newStoreWithDB(db, logger)
	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// newStoreWithDB wires sub-stores around an open connection. Split out so
// tests can construct a store against an existing *sql.DB.
func newStoreWithDB(db *sql.DB, logger *slog.Logger) *PostgresStore {
	s := &PostgresStore{db: db, logger: logger}
	s.projects = &ProjectStore{db: db, logger: logger}
	s.builds = &BuildStore{db: db, logger: logger}
	s.jobs = &JobStore{db: db, logger: logger}
	s.workers = &WorkerStore{db: db, logger: logger}
	s.ledger = &LedgerStore{db: db, logger: logger}
	return s
}

// NewStoreWithDB creates a store around an existing database handle.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return newStoreWithDB(db, logger)
}

// Projects returns the ProjectStore.
func (s *PostgresStore) Projects() store.ProjectStore { return s.projects }

// Builds returns the BuildStore.
func (s *PostgresStore) Builds() store.BuildStore { return s.builds }

// Jobs returns the JobStore.
func (s *PostgresStore) Jobs() store.JobStore { return s.jobs }

// Workers returns the WorkerStore.
func (s *PostgresStore) Workers() store.WorkerStore { return s.workers }

// Ledger returns the LedgerStore.
func (s *PostgresStore) Ledger() store.LedgerStore { return s.ledger }

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txs := &txStore{tx: tx, logger: s.logger}

	if err := fn(txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies database connectivity, satisfying the health checker.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx     *sql.Tx
	logger *slog.Logger

	projects *ProjectStore
	builds   *BuildStore
	jobs     *JobStore
	workers  *WorkerStore
	ledger   *LedgerStore
}

func (s *txStore) Projects() store.ProjectStore {
	if s.projects == nil {
		s.projects = &ProjectStore{tx: s.tx, logger: s.logger}
	}
	return s.projects
}

func (s *txStore) Builds() store.BuildStore {
	if s.builds == nil {
		s.builds = &BuildStore{tx: s.tx, logger: s.logger}
	}
	return s.builds
}

func (s *txStore) Jobs() store.JobStore {
	if s.jobs == nil {
		s.jobs = &JobStore{tx: s.tx, logger: s.logger}
	}
	return s.jobs
}

func (s *txStore) Workers() store.WorkerStore {
	if s.workers == nil {
		s.workers = &WorkerStore{tx: s.tx, logger: s.logger}
	}
	return s.workers
}

func (s *txStore) Ledger() store.LedgerStore {
	if s.ledger == nil {
		s.ledger = &LedgerStore{tx: s.tx, logger: s.logger}
	}
	return s.ledger
}

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function.
	return fn(s)
}

func (s *txStore) Close() error {
	return nil
}

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
