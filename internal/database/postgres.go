package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"docbatch/internal/config"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
)

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*PostgresStore, error) {
	table, err := checkTableName(cfg.HistoryTable)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.HistoryDBURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config error: %w", err)
	}
	if cfg.DBMaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect error: %w", err)
	}

	return &PostgresStore{
		pool:      pool,
		tableName: table,
		timeout:   cfg.DatabaseQueryTimeout,
		metrics:   m,
	}, nil
}

// EnsureSchema creates the history table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.pool.Exec(queryCtx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	source        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	total         INTEGER NOT NULL,
	completed     INTEGER NOT NULL,
	succeeded     INTEGER NOT NULL,
	skipped       JSONB NOT NULL DEFAULT '[]',
	archive_name  TEXT NOT NULL DEFAULT '',
	archive_bytes BIGINT NOT NULL DEFAULT 0,
	location      TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL
)`, s.tableName))
	return err
}

// SaveBatch inserts or replaces a batch record
func (s *PostgresStore) SaveBatch(ctx context.Context, rec *models.BatchRecord) error {
	start := time.Now()
	defer observe(s.metrics, "postgres", start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	values, err := args(rec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status, total = EXCLUDED.total, completed = EXCLUDED.completed,
	succeeded = EXCLUDED.succeeded, skipped = EXCLUDED.skipped, archive_name = EXCLUDED.archive_name,
	archive_bytes = EXCLUDED.archive_bytes, location = EXCLUDED.location, finished_at = EXCLUDED.finished_at`,
		s.tableName, columns)

	_, err = s.pool.Exec(queryCtx, query, values...)
	return err
}

// GetBatch retrieves a batch record by ID
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*models.BatchRecord, error) {
	start := time.Now()
	defer observe(s.metrics, "postgres", start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", columns, s.tableName)
	rec, err := scanRecord(s.pool.QueryRow(queryCtx, query, id).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
